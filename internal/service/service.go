// Package service wires every core component (C1-C13) into one running
// process, in the indexer service's NewService/Start/Stop orchestration
// style (services/indexer/service.go, services/indexer/syncer.go): a
// struct holding every component, a mutex-guarded running flag, and one
// goroutine per cadence-driven worker, all honoring ctx cancellation.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flowlens/flowlens/infrastructure/cache"
	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/aggregator"
	"github.com/flowlens/flowlens/internal/alerts"
	"github.com/flowlens/flowlens/internal/api"
	"github.com/flowlens/flowlens/internal/changes"
	"github.com/flowlens/flowlens/internal/classify"
	"github.com/flowlens/flowlens/internal/config"
	"github.com/flowlens/flowlens/internal/dependency"
	"github.com/flowlens/flowlens/internal/flowproto"
	"github.com/flowlens/flowlens/internal/gateway"
	"github.com/flowlens/flowlens/internal/graph"
	"github.com/flowlens/flowlens/internal/health"
	"github.com/flowlens/flowlens/internal/ingest"
	"github.com/flowlens/flowlens/internal/store"
)

// Service is the FlowLens process orchestrator: it owns the database
// handle, every store, every pipeline component, and the goroutines that
// drive the cadence-based workers (aggregator sweep, dependency builder,
// gateway rollup, change detection, classification) described in spec §5.
type Service struct {
	cfg *config.Config
	log *logging.Logger
	m   *metrics.Metrics

	db *sql.DB

	rawFlows   *store.RawFlowStore
	aggregates *store.AggregateStore
	assets     *store.AssetStore
	deps       *store.DependencyStore
	gateways   *store.GatewayStore
	changesSt  *store.ChangeStore
	alertsSt   *store.AlertStore
	classifySt *store.ClassificationStore
	features   *store.FeatureStore
	tasks      *store.TaskRunRecorder

	queue            *ingest.Queue
	netflowCollector *ingest.Collector
	sflowCollector   *ingest.Collector
	writer           *ingest.Writer

	aggregatorEngine *aggregator.Aggregator
	builder          *dependency.Builder
	gatewayRollup    *gateway.Rollup
	detector         *changes.Detector
	alertEngine      *alerts.Engine
	classifyEngine   *classify.Engine
	graphEngine      *graph.Engine
	topoCache        *cache.Cache
	apiService       *api.Service
	httpServer       *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// changeEmitter fans a change.ChangeSink write out to the alert engine
// (C8 -> C9), so every component that only knows how to emit ChangeEvents
// (the dependency builder, the change detector) automatically drives alert
// evaluation without depending on the alerts package directly.
type changeEmitter struct {
	changes *store.ChangeStore
	alerts  *alerts.Engine
	cache   *cache.Cache
	log     *logging.Logger
}

func (c *changeEmitter) Emit(ctx context.Context, ev store.ChangeEvent) (string, error) {
	id, err := c.changes.Emit(ctx, ev)
	if err != nil {
		return "", err
	}
	if c.cache != nil {
		c.cache.InvalidateTopology()
	}
	if c.alerts != nil {
		ev.ID = id
		if _, err := c.alerts.Evaluate(ctx, ev, time.Now()); err != nil && c.log != nil {
			c.log.WithContext(ctx).WithError(err).Warn("alert evaluation failed for change event")
		}
	}
	return id, nil
}

// New builds a fully wired Service from cfg. It opens the database and
// constructs every store and component, but does not start any
// goroutines; call Start for that.
func New(cfg *config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logging.New("flowlens", cfg.LogLevel, cfg.LogFormat)
	m := metrics.New()

	db, err := store.Open(store.DefaultDBConfig(cfg.PostgresDSN))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rawFlows := store.NewRawFlowStore(db)
	aggregates := store.NewAggregateStore(db)
	assets := store.NewAssetStore(db, 0) // 0 -> NewAssetStore's default LRU size
	deps := store.NewDependencyStore(db)
	gateways := store.NewGatewayStore(db)
	changesSt := store.NewChangeStore(db)
	alertsSt := store.NewAlertStore(db)
	classifySt := store.NewClassificationStore(db)
	features := store.NewFeatureStore(db)
	tasks := store.NewTaskRunRecorder(db)

	topoCache := cache.New(cache.Config{
		DefaultTTL:      time.Duration(cfg.TopologyCacheTTLSeconds) * time.Second,
		MaxSize:         10000,
		CleanupInterval: time.Minute,
	})

	alertEngine := alerts.New(alertsSt, assets, map[string]alerts.Notifier{
		"log": alerts.NewLogNotifier(log),
	}, m, log)

	emitter := &changeEmitter{changes: changesSt, alerts: alertEngine, cache: topoCache, log: log}

	queue := ingest.NewQueue(ingest.QueueConfig{
		MaxSize:         cfg.QueueMaxSize,
		SampleThreshold: cfg.SampleThreshold,
		DropThreshold:   cfg.DropThreshold,
		SampleRate:      cfg.SampleRate,
	}, m)

	writer := ingest.NewWriter(queue, rawFlows, ingest.WriterConfig{
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   time.Duration(cfg.BatchTimeoutMS) * time.Millisecond,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}, m, log)

	netflowAddr := fmt.Sprintf(":%d", cfg.NetFlowPort)
	netflowCollector := ingest.NewCollector(flowproto.ProtocolNetFlowV5, netflowAddr, flowproto.ParseNetFlowV5, queue, m, log)

	sflowAddr := fmt.Sprintf(":%d", cfg.SFlowPort)
	sflowParser := func(data []byte, exporterIP net.IP) ([]flowproto.FlowRecord, error) {
		return flowproto.ParseSFlowV5(data, exporterIP, time.Now())
	}
	sflowCollector := ingest.NewCollector(flowproto.ProtocolSFlow, sflowAddr, sflowParser, queue, m, log)

	aggregatorEngine := aggregator.New(rawFlows, aggregates, aggregator.Config{
		WindowSeconds:  cfg.WindowSeconds,
		WatermarkDelay: cfg.WatermarkDelay,
	}, m, log)

	builder := dependency.New(assets, deps, emitter, m, log)

	gatewayRollup := gateway.New(gateways, assets, gateways, assets, 5000)

	detector := changes.New(deps, assets, emitter, changes.Config{
		StalenessThreshold: cfg.StalenessThreshold,
		SpikeRatio:         cfg.SpikeRatio,
	}, m, log)

	classifyEngine := classify.NewEngine(features, classifySt, assets, nil, nil, classify.Config{
		AutoUpdateThreshold: cfg.AutoUpdateThreshold,
		MinFlows:            cfg.MinFlows,
		MinObservationHours: cfg.MinObservationHours,
		Hybrid: classify.HybridConfig{
			MLConfidenceThreshold: cfg.MLConfidenceThresh,
			MLMinFlows:            cfg.MLMinFlows,
		},
	}, log, m)

	graphEngine := graph.New(deps, assets, m)

	apiService := api.New(changesSt, alertsSt, graphEngine, topoCache, log)

	svc := &Service{
		cfg: cfg, log: log, m: m, db: db,
		rawFlows: rawFlows, aggregates: aggregates, assets: assets, deps: deps,
		gateways: gateways, changesSt: changesSt, alertsSt: alertsSt,
		classifySt: classifySt, features: features, tasks: tasks,
		queue: queue, netflowCollector: netflowCollector, sflowCollector: sflowCollector, writer: writer,
		aggregatorEngine: aggregatorEngine, builder: builder, gatewayRollup: gatewayRollup,
		detector: detector, alertEngine: alertEngine, classifyEngine: classifyEngine,
		graphEngine: graphEngine, topoCache: topoCache, apiService: apiService,
	}
	return svc, nil
}

// Start begins every collector, the batch writer, and the cadence-driven
// workers (aggregation, dependency building, gateway rollup, change
// detection, classification), plus the C13 HTTP shim, and returns once
// the collectors are bound. Shutdown follows spec §5's sequence: stop
// accepting new flows, drain the queue, flush final aggregates, close the
// store.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("service already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.netflowCollector.Run(runCtx); err != nil {
			s.log.WithError(err).Error("netflow collector exited")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sflowCollector.Run(runCtx); err != nil {
			s.log.WithError(err).Error("sflow collector exited")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writer.Run(runCtx)
	}()

	s.startTicker(runCtx, "aggregator", time.Duration(s.cfg.WindowSeconds)*time.Second, s.runAggregationCycle)
	s.startTicker(runCtx, "dependency_builder", time.Duration(s.cfg.WindowSeconds)*time.Second, s.runBuilderCycle)
	s.startTicker(runCtx, "gateway_rollup", 30*time.Second, s.runGatewayRollup)
	s.startTicker(runCtx, "change_detector", time.Duration(s.cfg.DetectionIntervalMinutes)*time.Minute, s.runChangeDetection)
	s.startTicker(runCtx, "classification", time.Hour, s.runClassificationCycle)

	s.httpServer = &http.Server{Addr: s.cfg.APIAddr, Handler: s.apiService.Router()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("api server exited")
		}
	}()

	health.Global().Set("service", health.OK, "started")
	s.running = true
	s.log.WithFields(map[string]interface{}{
		"netflow_port": s.cfg.NetFlowPort, "sflow_port": s.cfg.SFlowPort,
	}).Info("flowlens started")
	return nil
}

// Stop cancels every worker and waits for them to drain their current
// batch, then writes what is left in the queue, runs one last aggregation
// pass, and closes the store.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	s.log.Info("stopping flowlens")
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
	s.wg.Wait()
	// Drain the queue and flush final aggregates before closing the store.
	for s.queue.Len() > 0 {
		batch := s.queue.GetBatch(s.cfg.BatchSize, 0)
		if len(batch) == 0 {
			break
		}
		if err := s.rawFlows.InsertBatch(context.Background(), batch); err != nil {
			s.log.WithError(err).Warn("final queue drain failed")
			break
		}
	}
	if _, err := s.aggregatorEngine.ProcessPendingWindows(context.Background(), time.Now()); err != nil {
		s.log.WithError(err).Warn("final aggregation flush failed")
	}
	s.topoCache.Close()
	_ = s.db.Close()
	s.running = false
	return nil
}

// startTicker runs f on a fixed cadence, bookkept through TaskRunRecorder,
// until ctx is canceled. One slow or failing cycle never blocks the next.
func (s *Service) startTicker(ctx context.Context, name string, interval time.Duration, f func(ctx context.Context) (int, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.tasks.Run(ctx, name, f); err != nil {
					s.log.WithError(err).WithFields(map[string]interface{}{"task": name}).
						Warn("background task cycle failed")
				}
			}
		}
	}()
}

func (s *Service) runAggregationCycle(ctx context.Context) (int, error) {
	return s.aggregatorEngine.ProcessPendingWindows(ctx, time.Now())
}

// runBuilderCycle pulls unprocessed aggregates, stages gateway
// observations from the same batch (C7 "consumes next-hop fields in
// parallel" per spec §4.7), and runs the dependency builder over it.
func (s *Service) runBuilderCycle(ctx context.Context) (int, error) {
	aggs, err := s.aggregates.Unprocessed(ctx, 5000)
	if err != nil {
		return 0, err
	}
	if len(aggs) == 0 {
		return 0, nil
	}
	if _, err := gateway.ObserveAggregates(ctx, s.gateways, aggs); err != nil {
		s.log.WithError(err).Warn("gateway observation staging failed, continuing with dependency build")
	}
	return s.builder.ProcessBatch(ctx, aggs)
}

func (s *Service) runGatewayRollup(ctx context.Context) (int, error) {
	return s.gatewayRollup.Run(ctx, time.Now())
}

func (s *Service) runChangeDetection(ctx context.Context) (int, error) {
	return s.detector.Scan(ctx, time.Now())
}

// runClassificationCycle classifies every asset with enough observation
// history. One asset's "not ready" or transient error never blocks the
// rest of the batch (spec §7's propagation policy).
func (s *Service) runClassificationCycle(ctx context.Context) (int, error) {
	now := time.Now()
	eligible, err := s.assets.EligibleForClassification(ctx, s.cfg.MinObservationHours, now)
	if err != nil {
		return 0, err
	}
	windowStart := now.Add(-24 * time.Hour)
	classified := 0
	for _, a := range eligible {
		result, err := s.classifyEngine.ClassifyAsset(ctx, a.ID, windowStart, now)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"asset_id": a.ID}).
				Debug("asset not classified this cycle")
			continue
		}
		if result.Applied {
			classified++
		}
	}
	return classified, nil
}

// Assets exposes the asset store for external callers (e.g. discovery
// integrations) that need to enrich an asset outside the flow pipeline.
func (s *Service) Assets() *store.AssetStore { return s.assets }

// Graph exposes the analytics engine for callers embedding Service
// directly rather than through the HTTP shim.
func (s *Service) Graph() *graph.Engine { return s.graphEngine }

// Router exposes the C13 HTTP shim's router directly, for callers that
// want to mount it under their own server rather than use Start's.
func (s *Service) Router() http.Handler { return s.apiService.Router() }
