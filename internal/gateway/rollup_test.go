package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flowlens/flowlens/internal/store"
)

type fakeObsSource struct {
	obs    []store.GatewayObservation
	marked []string
}

func (f *fakeObsSource) UnprocessedObservations(ctx context.Context, limit int) ([]store.GatewayObservation, error) {
	return f.obs, nil
}

func (f *fakeObsSource) MarkObservationsProcessed(ctx context.Context, ids []string) error {
	f.marked = append(f.marked, ids...)
	return nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, ip net.IP, observedAt time.Time) (string, error) {
	return "asset-" + ip.String(), nil
}

type fakeGatewaySink struct{ writes []store.AssetGateway }

func (f *fakeGatewaySink) UpsertGatewayRole(ctx context.Context, g store.AssetGateway, now time.Time) error {
	f.writes = append(f.writes, g)
	return nil
}

func TestRollupAssignsPrimaryToHighestShareGateway(t *testing.T) {
	base := time.Now()
	obsSource := &fakeObsSource{obs: []store.GatewayObservation{
		{ID: "o1", SourceIP: "10.0.0.1", GatewayIP: "10.0.0.254", DestinationIP: "8.8.8.8", WindowStart: base, BytesTotal: 9000, FlowsCount: 90},
		{ID: "o2", SourceIP: "10.0.0.1", GatewayIP: "10.0.0.253", DestinationIP: "8.8.4.4", WindowStart: base, BytesTotal: 1000, FlowsCount: 10},
	}}
	sink := &fakeGatewaySink{}
	r := New(obsSource, fakeResolver{}, sink, nil, 0)

	n, err := r.Run(context.Background(), base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 observations processed, got %d", n)
	}
	if len(sink.writes) != 2 {
		t.Fatalf("expected 2 gateway role writes, got %d", len(sink.writes))
	}
	for _, w := range sink.writes {
		if w.GatewayAssetID == "asset-10.0.0.254" && w.Role != "primary" {
			t.Errorf("expected highest-share gateway to be primary, got %s", w.Role)
		}
	}
	if len(obsSource.marked) != 2 {
		t.Fatalf("expected both observations marked processed, got %d", len(obsSource.marked))
	}
}
