// Package api implements the change-event/alert read paths and
// acknowledgement semantics of component C13, plus the topology query
// surface C10/C12 expose to the external dashboard/API layer described in
// spec §1. It is a thin shim: every handler delegates to a core component
// and only translates between HTTP and Go values, following the teacher's
// Router() *mux.Router + per-handler-method convention
// (infrastructure/service/runner.go, services/confcompute/marble/handlers.go).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowlens/flowlens/infrastructure/cache"
	"github.com/flowlens/flowlens/infrastructure/httputil"
	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/internal/graph"
	"github.com/flowlens/flowlens/internal/health"
	"github.com/flowlens/flowlens/internal/store"
)

// ChangeReader is the read surface C8 exposes for this shim.
type ChangeReader interface {
	Since(ctx context.Context, t time.Time, limit int) ([]store.ChangeEvent, error)
}

// AlertReader/AlertWriter is the read/ack surface C9 exposes for this shim.
type AlertReader interface {
	Acknowledge(ctx context.Context, alertID, by string, at time.Time) error
	Resolve(ctx context.Context, alertID, by string, at time.Time) error
}

// TopologyEngine is the subset of internal/graph.Engine this shim fronts
// with the TTL cache.
type TopologyEngine interface {
	Traverse(ctx context.Context, root string, dir graph.Direction, maxDepth int, asOf *time.Time) (graph.TraversalResult, error)
	Path(ctx context.Context, source, target string, criterion graph.Criterion, asOf *time.Time) (graph.PathResult, error)
	BlastRadius(ctx context.Context, assetID string, maxDepth int) (graph.BlastRadiusResult, error)
	Impact(ctx context.Context, assetID string, failureType graph.FailureType, includeIndirect bool, maxDepth int) (graph.ImpactResult, error)
	SPOF(ctx context.Context, scope []string) ([]graph.SPOFCandidate, error)
}

// Service wires the read/ack HTTP surface over the change/alert stores and
// the cached topology engine.
type Service struct {
	changes  ChangeReader
	alerts   AlertReader
	topology TopologyEngine
	cache    *cache.Cache
	log      *logging.Logger
}

// New constructs a Service. cache may be nil, in which case topology reads
// always compute fresh.
func New(changes ChangeReader, alerts AlertReader, topology TopologyEngine, c *cache.Cache, log *logging.Logger) *Service {
	return &Service{changes: changes, alerts: alerts, topology: topology, cache: c, log: log}
}

// Router builds the mux.Router exposing this service's endpoints, in the
// teacher's Router() *mux.Router convention.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/change-events", s.handleListChangeEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alerts/{id}/ack", s.handleAckAlert).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/topology/traverse/{assetID}", s.handleTraverse).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/topology/path", s.handlePath).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/topology/blast-radius/{assetID}", s.handleBlastRadius).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/topology/impact/{assetID}", s.handleImpact).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/topology/spof", s.handleSPOF).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return r
}

// healthResponse reports the worst subsystem status and the individual
// reports behind it, for the external dashboard to surface invariant
// violations flagged by C6/C7 (spec §7).
type healthResponse struct {
	Status    health.Status   `json:"status"`
	Subsystems []health.Report `json:"subsystems"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	reg := health.Global()
	httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: reg.Overall(), Subsystems: reg.All()})
}

func (s *Service) logErr(r *http.Request, op string, err error) {
	if s.log != nil {
		s.log.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{"op": op}).
			Warn("api handler failed")
	}
}
