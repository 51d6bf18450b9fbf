package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowlens/flowlens/infrastructure/cache"
	"github.com/flowlens/flowlens/infrastructure/httputil"
	"github.com/flowlens/flowlens/internal/graph"
)

const topologyCachePrefix = "topology"

// cached memoizes compute() under key, writing through s.cache when
// present. A cache miss or nil cache always computes fresh; per spec
// §7 "cache is not populated on error", a failing compute is never stored.
func cached[T any](s *Service, key string, ttl time.Duration, compute func() (T, error)) (T, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			if typed, ok := v.(T); ok {
				return typed, nil
			}
		}
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	if s.cache != nil {
		s.cache.Set(key, v, ttl)
	}
	return v, nil
}

func (s *Service) handleTraverse(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["assetID"]
	dir := graph.Direction(httputil.QueryString(r, "direction", string(graph.Downstream)))
	maxDepth := httputil.QueryInt(r, "max_depth", 5)

	key := cache.Key(topologyCachePrefix, map[string]interface{}{
		"op": "traverse", "asset_id": assetID, "direction": dir, "max_depth": maxDepth,
	})
	result, err := cached(s, key, 0, func() (graph.TraversalResult, error) {
		return s.topology.Traverse(r.Context(), assetID, dir, maxDepth, nil)
	})
	if err != nil {
		s.logErr(r, "traverse", err)
		httputil.InternalError(w, "traversal failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Service) handlePath(w http.ResponseWriter, r *http.Request) {
	source := httputil.QueryString(r, "source", "")
	target := httputil.QueryString(r, "target", "")
	if source == "" || target == "" {
		httputil.BadRequest(w, "source and target are required")
		return
	}
	criterion := graph.Criterion(httputil.QueryString(r, "criterion", string(graph.CriterionHops)))

	key := cache.Key(topologyCachePrefix, map[string]interface{}{
		"op": "path", "source": source, "target": target, "criterion": criterion,
	})
	result, err := cached(s, key, 0, func() (graph.PathResult, error) {
		return s.topology.Path(r.Context(), source, target, criterion, nil)
	})
	if err != nil {
		s.logErr(r, "path", err)
		httputil.InternalError(w, "path computation failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Service) handleBlastRadius(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["assetID"]
	maxDepth := httputil.QueryInt(r, "max_depth", 10)

	key := cache.Key(topologyCachePrefix, map[string]interface{}{
		"op": "blast_radius", "asset_id": assetID, "max_depth": maxDepth,
	})
	result, err := cached(s, key, 0, func() (graph.BlastRadiusResult, error) {
		return s.topology.BlastRadius(r.Context(), assetID, maxDepth)
	})
	if err != nil {
		s.logErr(r, "blast_radius", err)
		httputil.InternalError(w, "blast radius computation failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Service) handleImpact(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["assetID"]
	failureType := graph.FailureType(httputil.QueryString(r, "failure_type", string(graph.FailureComplete)))
	includeIndirect := httputil.QueryBool(r, "include_indirect", true)
	maxDepth := httputil.QueryInt(r, "max_depth", 10)

	key := cache.Key(topologyCachePrefix, map[string]interface{}{
		"op": "impact", "asset_id": assetID, "failure_type": failureType,
		"include_indirect": includeIndirect, "max_depth": maxDepth,
	})
	result, err := cached(s, key, 0, func() (graph.ImpactResult, error) {
		return s.topology.Impact(r.Context(), assetID, failureType, includeIndirect, maxDepth)
	})
	if err != nil {
		s.logErr(r, "impact", err)
		httputil.InternalError(w, "impact computation failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Service) handleSPOF(w http.ResponseWriter, r *http.Request) {
	var scope []string
	if raw := httputil.QueryString(r, "scope", ""); raw != "" {
		scope = strings.Split(raw, ",")
	}

	key := cache.Key(topologyCachePrefix, map[string]interface{}{"op": "spof", "scope": scope})
	result, err := cached(s, key, 0, func() ([]graph.SPOFCandidate, error) {
		return s.topology.SPOF(r.Context(), scope)
	})
	if err != nil {
		s.logErr(r, "spof", err)
		httputil.InternalError(w, "spof computation failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
