package ingest

import (
	"context"
	"net"

	"github.com/flowlens/flowlens/infrastructure/errors"
	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/flowproto"
)

// maxDatagramSize is the largest UDP payload any flow-export protocol in
// this system produces.
const maxDatagramSize = 65535

// Parser decodes one raw datagram from exporterIP into zero or more flow
// records.
type Parser func(data []byte, exporterIP net.IP) ([]flowproto.FlowRecord, error)

// Collector is a single-reader UDP listener for one flow-export protocol.
// Binding multiple protocols means running multiple Collectors.
type Collector struct {
	protocol flowproto.Protocol
	addr     string
	parse    Parser
	queue    *Queue
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// NewCollector creates a Collector for one (protocol, UDP address) pair.
func NewCollector(protocol flowproto.Protocol, addr string, parse Parser, queue *Queue, m *metrics.Metrics, log *logging.Logger) *Collector {
	return &Collector{protocol: protocol, addr: addr, parse: parse, queue: queue, metrics: m, log: log}
}

// Run binds the UDP socket and reads datagrams until ctx is canceled. It is
// a single-reader loop per spec §5; callers wanting additional read
// throughput on the same port should construct additional OS sockets via
// SO_REUSEPORT outside this type, not call Run twice on one Collector.
func (c *Collector) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return errors.Internal("resolve collector address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Internal("bind collector socket", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if c.log != nil {
					c.log.WithContext(ctx).WithError(err).Warn("udp read error, continuing")
				}
				continue
			}
		}

		exporterIP := raddr.IP
		data := append([]byte(nil), buf[:n]...)

		if c.metrics != nil {
			c.metrics.RecordFlowReceived(string(c.protocol), exporterIP.String())
		}

		records, err := c.parse(data, exporterIP)
		if err != nil {
			if c.metrics != nil {
				errType := "unknown"
				if fe, ok := errors.As(err); ok {
					errType = string(fe.Code)
				}
				c.metrics.RecordParseError(string(c.protocol), errType)
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.FlowsParsedTotal.Add(float64(len(records)))
		}
		for _, rec := range records {
			c.queue.Put(rec)
		}
	}
}
