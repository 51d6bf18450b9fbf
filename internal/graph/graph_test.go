package graph

import (
	"context"
	"testing"
	"time"

	"github.com/flowlens/flowlens/internal/store"
)

type fakeEdges struct {
	current []store.Dependency
	asOf    []store.Dependency
}

func (f *fakeEdges) CurrentEdges(ctx context.Context) ([]store.Dependency, error) {
	return f.current, nil
}

func (f *fakeEdges) EdgesAsOf(ctx context.Context, t time.Time) ([]store.Dependency, error) {
	return f.asOf, nil
}

type fakeAssets struct{ critical map[string]bool }

func (f *fakeAssets) Get(ctx context.Context, id string) (*store.Asset, error) {
	return &store.Asset{ID: id, IsCritical: f.critical[id]}, nil
}

func dep(source, target string, port int, bytes, flows uint64, latency float64) store.Dependency {
	return store.Dependency{
		SourceAssetID: source, TargetAssetID: target, TargetPort: port, Protocol: 6,
		BytesTotal: bytes, FlowsTotal: flows, AvgLatencyMs: latency,
	}
}

func newTestEngine(deps ...store.Dependency) *Engine {
	return New(&fakeEdges{current: deps}, &fakeAssets{critical: map[string]bool{}}, nil)
}

func TestTraverseDownstreamRespectsMaxDepth(t *testing.T) {
	// a -> b -> c -> d, depth 2 stops at c.
	e := newTestEngine(
		dep("a", "b", 443, 10, 1, 0),
		dep("b", "c", 5432, 10, 1, 0),
		dep("c", "d", 9000, 10, 1, 0),
	)

	res, err := e.Traverse(context.Background(), "a", Downstream, 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("expected 2 nodes at depth<=2, got %d", len(res.Nodes))
	}
	if res.Nodes[0].AssetID != "b" || res.Nodes[0].Depth != 1 {
		t.Errorf("expected b at depth 1, got %+v", res.Nodes[0])
	}
	if res.Nodes[1].AssetID != "c" || res.Nodes[1].Depth != 2 {
		t.Errorf("expected c at depth 2, got %+v", res.Nodes[1])
	}
	if res.Nodes[1].Path[0] != "a" || res.Nodes[1].Path[2] != "c" {
		t.Errorf("path should trace back to the root, got %v", res.Nodes[1].Path)
	}
}

func TestTraverseUpstreamFollowsReverseEdges(t *testing.T) {
	// b and c both depend on a.
	e := newTestEngine(
		dep("b", "a", 5432, 10, 1, 0),
		dep("c", "a", 5432, 10, 1, 0),
	)

	res, err := e.Traverse(context.Background(), "a", Upstream, 3, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("expected 2 upstream dependents, got %d", len(res.Nodes))
	}
}

func TestTraverseReportsCycleInsteadOfFollowing(t *testing.T) {
	e := newTestEngine(
		dep("a", "b", 443, 10, 1, 0),
		dep("b", "a", 8080, 10, 1, 0),
	)

	res, err := e.Traverse(context.Background(), "a", Downstream, 10, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 1 {
		t.Fatalf("expected exactly b visited, got %d nodes", len(res.Nodes))
	}
	if len(res.CyclesDetected) != 1 {
		t.Fatalf("expected one cycle reported, got %d", len(res.CyclesDetected))
	}
}

func TestTraversePointInTimeUsesHistoricalEdges(t *testing.T) {
	edges := &fakeEdges{
		current: []store.Dependency{dep("a", "b", 443, 10, 1, 0)},
		asOf:    []store.Dependency{dep("a", "c", 443, 10, 1, 0)},
	}
	e := New(edges, &fakeAssets{}, nil)

	asOf := time.Now().Add(-24 * time.Hour)
	res, err := e.Traverse(context.Background(), "a", Downstream, 5, &asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 1 || res.Nodes[0].AssetID != "c" {
		t.Fatalf("point-in-time traversal should see the historical edge, got %+v", res.Nodes)
	}
}

func TestBlastRadiusNoUpstreamDependentsIsEmptyNotNil(t *testing.T) {
	e := newTestEngine(dep("a", "b", 443, 10, 1, 0))

	res, err := e.BlastRadius(context.Background(), "a", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalAffected != 0 || res.CriticalAffected != 0 {
		t.Fatalf("expected zero totals, got %+v", res)
	}
	if res.Affected == nil {
		t.Fatal("Affected must be an empty slice, never nil")
	}
	if len(res.Affected) != 0 {
		t.Fatalf("expected empty Affected, got %d", len(res.Affected))
	}
}

func TestBlastRadiusCountsCriticalDependents(t *testing.T) {
	edges := &fakeEdges{current: []store.Dependency{
		dep("web-1", "db", 5432, 10, 1, 0),
		dep("web-2", "db", 5432, 10, 1, 0),
		dep("lb", "web-1", 443, 10, 1, 0),
	}}
	e := New(edges, &fakeAssets{critical: map[string]bool{"web-1": true}}, nil)

	res, err := e.BlastRadius(context.Background(), "db", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalAffected != 3 {
		t.Fatalf("expected 3 affected (web-1, web-2, lb), got %d", res.TotalAffected)
	}
	if res.CriticalAffected != 1 {
		t.Fatalf("expected 1 critical affected, got %d", res.CriticalAffected)
	}
}

func TestPathHopsPrefersFewestHops(t *testing.T) {
	e := newTestEngine(
		dep("a", "b", 443, 100, 10, 5),
		dep("b", "c", 5432, 100, 10, 5),
		dep("a", "c", 5432, 1, 1, 50),
	)

	res, err := e.Path(context.Background(), "a", "c", CriterionHops, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Found || res.Hops != 1 {
		t.Fatalf("expected the direct 1-hop path, got %+v", res)
	}
}

func TestPathBytesPrefersGreatestCumulativeBytes(t *testing.T) {
	e := newTestEngine(
		dep("a", "b", 443, 1000, 10, 5),
		dep("b", "c", 5432, 1000, 10, 5),
		dep("a", "c", 5432, 10, 1, 1),
	)

	res, err := e.Path(context.Background(), "a", "c", CriterionBytes, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Hops != 2 || res.TotalBytes != 2000 {
		t.Fatalf("expected the heavier 2-hop path, got %+v", res)
	}
}

func TestPathLatencyPrefersLeastCumulativeLatency(t *testing.T) {
	e := newTestEngine(
		dep("a", "b", 443, 10, 1, 100),
		dep("b", "c", 5432, 10, 1, 100),
		dep("a", "c", 5432, 10, 1, 30),
	)

	res, err := e.Path(context.Background(), "a", "c", CriterionLatency, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Hops != 1 || res.TotalLatencyMs != 30 {
		t.Fatalf("expected the low-latency direct path, got %+v", res)
	}
}

func TestPathNotFound(t *testing.T) {
	e := newTestEngine(dep("a", "b", 443, 10, 1, 0))

	res, err := e.Path(context.Background(), "b", "a", CriterionHops, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Found {
		t.Fatalf("expected no path against edge direction, got %+v", res)
	}
}

func TestPathSourceEqualsTarget(t *testing.T) {
	e := newTestEngine()
	res, err := e.Path(context.Background(), "a", "a", CriterionHops, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Found || res.Hops != 0 || len(res.Path) != 1 {
		t.Fatalf("expected trivial zero-hop path, got %+v", res)
	}
}

func TestImpactFailureTypeScalesSeverity(t *testing.T) {
	edges := &fakeEdges{current: []store.Dependency{
		dep("web-1", "db", 5432, 10, 1, 0),
		dep("web-2", "db", 5432, 10, 1, 0),
	}}
	assets := &fakeAssets{critical: map[string]bool{"web-1": true, "web-2": true}}
	e := New(edges, assets, nil)

	complete, err := e.Impact(context.Background(), "db", FailureComplete, true, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	degraded, err := e.Impact(context.Background(), "db", FailureDegraded, true, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if complete.DirectDependents != 2 {
		t.Fatalf("expected 2 direct dependents, got %d", complete.DirectDependents)
	}
	if complete.SeverityScore <= degraded.SeverityScore {
		t.Fatalf("complete failure should outscore degraded: %f vs %f",
			complete.SeverityScore, degraded.SeverityScore)
	}
	if degraded.SeverityScore != complete.SeverityScore/2 {
		t.Errorf("degraded should weight severity at half, got %f vs %f",
			degraded.SeverityScore, complete.SeverityScore)
	}
}

func TestImpactExcludingIndirectStopsAtDepthOne(t *testing.T) {
	e := newTestEngine(
		dep("api", "db", 5432, 10, 1, 0),
		dep("lb", "api", 443, 10, 1, 0),
	)

	res, err := e.Impact(context.Background(), "db", FailureComplete, false, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.AffectedAssets) != 1 || res.AffectedAssets[0].AssetID != "api" {
		t.Fatalf("expected only the direct dependent, got %+v", res.AffectedAssets)
	}
}

func TestSPOFRanksChokePointHighest(t *testing.T) {
	// Two clusters joined only through "core".
	e := newTestEngine(
		dep("a", "core", 443, 10, 1, 0),
		dep("b", "core", 443, 10, 1, 0),
		dep("core", "x", 5432, 10, 1, 0),
		dep("core", "y", 5432, 10, 1, 0),
	)

	candidates, err := e.SPOF(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(candidates))
	}
	if candidates[0].AssetID != "core" {
		t.Fatalf("expected core as the top SPOF, got %s", candidates[0].AssetID)
	}
	if candidates[0].RiskScore != 1 || candidates[0].RiskLevel != "critical" {
		t.Errorf("the top candidate should normalize to 1/critical, got %+v", candidates[0])
	}
}

func TestSPOFScopeFiltersCandidates(t *testing.T) {
	e := newTestEngine(
		dep("a", "core", 443, 10, 1, 0),
		dep("core", "x", 5432, 10, 1, 0),
	)

	candidates, err := e.SPOF(context.Background(), []string{"core"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].AssetID != "core" {
		t.Fatalf("expected only core in scope, got %+v", candidates)
	}
}

func TestRiskLevelBands(t *testing.T) {
	cases := []struct {
		score float64
		level string
	}{
		{0.0, "low"}, {0.24, "low"}, {0.25, "medium"}, {0.5, "high"}, {0.75, "critical"}, {1.0, "critical"},
	}
	for _, c := range cases {
		if got := riskLevel(c.score); got != c.level {
			t.Errorf("riskLevel(%f) = %s, want %s", c.score, got, c.level)
		}
	}
}
