// Package graph implements the graph analytics component (C10): recursive
// traversal, path-finding, blast-radius, impact scoring, and a coarse SPOF
// estimate, all expressed over the current (or point-in-time) dependency
// edges loaded from the store.
package graph

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/store"
)

// Direction selects which side of an edge a traversal follows.
type Direction string

const (
	Upstream   Direction = "upstream"
	Downstream Direction = "downstream"
)

// Criterion selects how Path compares candidate routes.
type Criterion string

const (
	CriterionHops    Criterion = "hops"
	CriterionBytes   Criterion = "bytes"
	CriterionFlows   Criterion = "flows"
	CriterionLatency Criterion = "latency"
)

// FailureType parameterizes Impact's severity weighting.
type FailureType string

const (
	FailureComplete     FailureType = "complete"
	FailureDegraded     FailureType = "degraded"
	FailureIntermittent FailureType = "intermittent"
)

// maxSimplePathDepth bounds the DFS enumeration Path uses to find
// candidate routes; deeper than this the graph's diameter in practice
// never matters for an impact/blast-radius style query.
const maxSimplePathDepth = 16

// EdgeSource is the read surface this package needs from the dependency
// store.
type EdgeSource interface {
	CurrentEdges(ctx context.Context) ([]store.Dependency, error)
	EdgesAsOf(ctx context.Context, t time.Time) ([]store.Dependency, error)
}

// AssetSource is the read surface this package needs from the asset store.
type AssetSource interface {
	Get(ctx context.Context, id string) (*store.Asset, error)
}

// Engine evaluates graph analytics queries. Each call loads a fresh
// snapshot of the current (or point-in-time) edge set; callers that want
// memoization should front Engine with the TTL cache (C12).
type Engine struct {
	edges   EdgeSource
	assets  AssetSource
	metrics *metrics.Metrics
}

// New creates an Engine.
func New(edges EdgeSource, assets AssetSource, m *metrics.Metrics) *Engine {
	return &Engine{edges: edges, assets: assets, metrics: m}
}

// edge is the minimal traversal-time representation of a Dependency.
type edge struct {
	source, target string
	targetPort     int
	protocol       uint8
	bytesTotal     uint64
	flowsTotal     uint64
	avgLatencyMs   float64
	isCritical     bool
}

// snapshot is the adjacency built from one edge load: forward[node] holds
// edges where node is the source (downstream traversal); backward[node]
// holds edges where node is the target (upstream traversal).
type snapshot struct {
	forward  map[string][]edge
	backward map[string][]edge
}

func buildSnapshot(deps []store.Dependency) *snapshot {
	s := &snapshot{forward: make(map[string][]edge), backward: make(map[string][]edge)}
	for _, d := range deps {
		e := edge{
			source: d.SourceAssetID, target: d.TargetAssetID, targetPort: d.TargetPort, protocol: d.Protocol,
			bytesTotal: d.BytesTotal, flowsTotal: d.FlowsTotal, avgLatencyMs: d.AvgLatencyMs, isCritical: d.IsCritical,
		}
		s.forward[d.SourceAssetID] = append(s.forward[d.SourceAssetID], e)
		s.backward[d.TargetAssetID] = append(s.backward[d.TargetAssetID], e)
	}
	return s
}

func (e *Engine) loadSnapshot(ctx context.Context, asOf *time.Time) (*snapshot, error) {
	var (
		deps []store.Dependency
		err  error
	)
	if asOf != nil {
		deps, err = e.edges.EdgesAsOf(ctx, *asOf)
	} else {
		deps, err = e.edges.CurrentEdges(ctx)
	}
	if err != nil {
		return nil, err
	}
	return buildSnapshot(deps), nil
}

func (e *Engine) record(operation string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordGraphTraversal(operation, time.Since(start))
	}
}

// EdgeSummary is the traversal-time view of the edge that reached a node.
type EdgeSummary struct {
	TargetPort   int
	Protocol     uint8
	BytesTotal   uint64
	FlowsTotal   uint64
	AvgLatencyMs float64
}

// TraversalNode is one visited asset in a Traverse result.
type TraversalNode struct {
	AssetID string
	Depth   int
	Path    []string
	Edge    EdgeSummary
}

// TraversalResult is the output of Traverse: the visited nodes (excluding
// the root) and any cycle edges detected along the way (an edge back into
// an already-visited node, reported rather than followed).
type TraversalResult struct {
	Nodes          []TraversalNode
	CyclesDetected [][]string
}

// Traverse performs a breadth-first walk from root in the given direction,
// up to maxDepth hops. Cycles are detected by tracking visited ids and are
// reported, not followed.
func (e *Engine) Traverse(ctx context.Context, root string, dir Direction, maxDepth int, asOf *time.Time) (TraversalResult, error) {
	start := time.Now()
	defer e.record("traverse", start)

	snap, err := e.loadSnapshot(ctx, asOf)
	if err != nil {
		return TraversalResult{}, err
	}
	return snap.traverse(root, dir, maxDepth), nil
}

func (s *snapshot) adjacency(dir Direction) map[string][]edge {
	if dir == Upstream {
		return s.backward
	}
	return s.forward
}

// neighbor returns the node on the "other side" of e relative to dir: for
// downstream traversal that's e.target (who the source depends on); for
// upstream traversal that's e.source (who depends on the target).
func neighbor(e edge, dir Direction) string {
	if dir == Upstream {
		return e.source
	}
	return e.target
}

func (s *snapshot) traverse(root string, dir Direction, maxDepth int) TraversalResult {
	type queued struct {
		id    string
		depth int
		path  []string
	}

	visited := map[string]bool{root: true}
	queue := []queued{{id: root, depth: 0, path: []string{root}}}
	var result TraversalResult

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, e := range s.adjacency(dir)[cur.id] {
			next := neighbor(e, dir)
			if visited[next] {
				cyclePath := append(append([]string{}, cur.path...), next)
				result.CyclesDetected = append(result.CyclesDetected, cyclePath)
				continue
			}
			visited[next] = true
			path := append(append([]string{}, cur.path...), next)
			node := TraversalNode{
				AssetID: next, Depth: cur.depth + 1, Path: path,
				Edge: EdgeSummary{TargetPort: e.targetPort, Protocol: e.protocol, BytesTotal: e.bytesTotal,
					FlowsTotal: e.flowsTotal, AvgLatencyMs: e.avgLatencyMs},
			}
			result.Nodes = append(result.Nodes, node)
			queue = append(queue, queued{id: next, depth: cur.depth + 1, path: path})
		}
	}
	return result
}

// PathResult is the best route found between two assets under a criterion.
type PathResult struct {
	Found       bool
	Path        []string
	Hops        int
	TotalBytes  uint64
	TotalFlows  uint64
	TotalLatencyMs float64
}

// Path finds the single best route from source to target under criterion:
// fewest hops for "hops", greatest cumulative metric for "bytes"/"flows",
// least cumulative avg_latency_ms for "latency". Ties are broken by fewest
// hops, then by lexicographic path.
func (e *Engine) Path(ctx context.Context, source, target string, criterion Criterion, asOf *time.Time) (PathResult, error) {
	start := time.Now()
	defer e.record("path", start)

	snap, err := e.loadSnapshot(ctx, asOf)
	if err != nil {
		return PathResult{}, err
	}
	return snap.bestPath(source, target, criterion), nil
}

type candidatePath struct {
	ids        []string
	bytes      uint64
	flows      uint64
	latencyMs  float64
}

func (s *snapshot) bestPath(source, target string, criterion Criterion) PathResult {
	if source == target {
		return PathResult{Found: true, Path: []string{source}, Hops: 0}
	}

	var candidates []candidatePath
	visited := map[string]bool{source: true}
	var dfs func(cur string, path []string, bytes, flows uint64, latency float64)
	dfs = func(cur string, path []string, bytes, flows uint64, latency float64) {
		if len(path) > maxSimplePathDepth {
			return
		}
		for _, e := range s.forward[cur] {
			if e.target == target {
				full := append(append([]string{}, path...), target)
				candidates = append(candidates, candidatePath{
					ids: full, bytes: bytes + e.bytesTotal, flows: flows + e.flowsTotal, latencyMs: latency + e.avgLatencyMs,
				})
				continue
			}
			if visited[e.target] {
				continue
			}
			visited[e.target] = true
			dfs(e.target, append(append([]string{}, path...), e.target), bytes+e.bytesTotal, flows+e.flowsTotal, latency+e.avgLatencyMs)
			visited[e.target] = false
		}
	}
	dfs(source, []string{source}, 0, 0, 0)

	if len(candidates) == 0 {
		return PathResult{Found: false}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch criterion {
		case CriterionBytes:
			if a.bytes != b.bytes {
				return a.bytes > b.bytes
			}
		case CriterionFlows:
			if a.flows != b.flows {
				return a.flows > b.flows
			}
		case CriterionLatency:
			if a.latencyMs != b.latencyMs {
				return a.latencyMs < b.latencyMs
			}
		default: // hops
			if len(a.ids) != len(b.ids) {
				return len(a.ids) < len(b.ids)
			}
		}
		if len(a.ids) != len(b.ids) {
			return len(a.ids) < len(b.ids)
		}
		return strings.Join(a.ids, ">") < strings.Join(b.ids, ">")
	})

	best := candidates[0]
	return PathResult{
		Found: true, Path: best.ids, Hops: len(best.ids) - 1,
		TotalBytes: best.bytes, TotalFlows: best.flows, TotalLatencyMs: best.latencyMs,
	}
}

// AffectedAsset is one entry in a BlastRadius or Impact result.
type AffectedAsset struct {
	AssetID    string
	Depth      int
	IsCritical bool
}

// BlastRadiusResult never has nil fields: an asset with no upstream
// dependents returns zero totals and an empty (not nil) Affected slice.
type BlastRadiusResult struct {
	TotalAffected    int
	CriticalAffected int
	Affected         []AffectedAsset
}

// BlastRadius returns the set of upstream dependents of asset: everything
// that would be affected if asset failed.
func (e *Engine) BlastRadius(ctx context.Context, assetID string, maxDepth int) (BlastRadiusResult, error) {
	start := time.Now()
	defer e.record("blast_radius", start)

	snap, err := e.loadSnapshot(ctx, nil)
	if err != nil {
		return BlastRadiusResult{}, err
	}

	result := snap.traverse(assetID, Upstream, maxDepth)
	out := BlastRadiusResult{Affected: []AffectedAsset{}}
	for _, n := range result.Nodes {
		critical := false
		if a, aerr := e.assets.Get(ctx, n.AssetID); aerr == nil {
			critical = a.IsCritical
		}
		out.Affected = append(out.Affected, AffectedAsset{AssetID: n.AssetID, Depth: n.Depth, IsCritical: critical})
		out.TotalAffected++
		if critical {
			out.CriticalAffected++
		}
	}
	return out, nil
}

// failureWeight scales the severity contribution of the failure mode: a
// complete outage affects dependents fully, a degraded or intermittent
// failure proportionally less.
func failureWeight(ft FailureType) float64 {
	switch ft {
	case FailureDegraded:
		return 0.5
	case FailureIntermittent:
		return 0.25
	default:
		return 1.0
	}
}

// ImpactResult scores how badly a failure of asset would ripple through
// the graph.
type ImpactResult struct {
	SeverityScore   float64
	AffectedAssets  []AffectedAsset
	DirectDependents int
}

// Impact computes the assets affected by asset failing in the given mode,
// weighting the [0,100] severity score by criticality, dependent count,
// and failure type.
func (e *Engine) Impact(ctx context.Context, assetID string, failureType FailureType, includeIndirect bool, maxDepth int) (ImpactResult, error) {
	start := time.Now()
	defer e.record("impact", start)

	depth := maxDepth
	if !includeIndirect {
		depth = 1
	}

	snap, err := e.loadSnapshot(ctx, nil)
	if err != nil {
		return ImpactResult{}, err
	}

	result := snap.traverse(assetID, Upstream, depth)
	out := ImpactResult{AffectedAssets: []AffectedAsset{}}
	criticalCount := 0
	for _, n := range result.Nodes {
		critical := false
		if a, aerr := e.assets.Get(ctx, n.AssetID); aerr == nil {
			critical = a.IsCritical
		}
		out.AffectedAssets = append(out.AffectedAssets, AffectedAsset{AssetID: n.AssetID, Depth: n.Depth, IsCritical: critical})
		if n.Depth == 1 {
			out.DirectDependents++
		}
		if critical {
			criticalCount++
		}
	}

	weight := failureWeight(failureType)
	countScore := normalizeCount(len(out.AffectedAssets))
	criticalityScore := 0.0
	if len(out.AffectedAssets) > 0 {
		criticalityScore = float64(criticalCount) / float64(len(out.AffectedAssets))
	}
	severity := (countScore*0.5 + criticalityScore*0.5) * weight * 100
	if severity > 100 {
		severity = 100
	}
	out.SeverityScore = severity
	return out, nil
}

func normalizeCount(n int) float64 {
	const saturationPoint = 25.0
	v := float64(n) / saturationPoint
	if v > 1 {
		v = 1
	}
	return v
}

// SPOFCandidate is one node in a SPOF estimate.
type SPOFCandidate struct {
	AssetID   string
	RiskScore float64
	RiskLevel string
}

// SPOF estimates betweenness centrality over current edges (scope, when
// non-empty, restricts the node set considered) and returns candidates
// with a risk score and a coarse risk level.
func (e *Engine) SPOF(ctx context.Context, scope []string) ([]SPOFCandidate, error) {
	start := time.Now()
	defer e.record("spof", start)

	snap, err := e.loadSnapshot(ctx, nil)
	if err != nil {
		return nil, err
	}

	nodes := collectNodes(snap)
	if len(scope) > 0 {
		allowed := make(map[string]bool, len(scope))
		for _, s := range scope {
			allowed[s] = true
		}
		filtered := nodes[:0]
		for _, n := range nodes {
			if allowed[n] {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}

	betweenness := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		betweenness[n] = 0
	}

	undirected := buildUndirectedAdjacency(snap)
	for _, source := range nodes {
		contrib := brandesBetweennessFrom(source, nodes, undirected)
		for node, v := range contrib {
			betweenness[node] += v
		}
	}

	maxScore := 0.0
	for _, v := range betweenness {
		if v > maxScore {
			maxScore = v
		}
	}

	out := make([]SPOFCandidate, 0, len(nodes))
	for _, n := range nodes {
		score := 0.0
		if maxScore > 0 {
			score = betweenness[n] / maxScore
		}
		out = append(out, SPOFCandidate{AssetID: n, RiskScore: score, RiskLevel: riskLevel(score)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out, nil
}

func riskLevel(score float64) string {
	switch {
	case score >= 0.75:
		return "critical"
	case score >= 0.5:
		return "high"
	case score >= 0.25:
		return "medium"
	default:
		return "low"
	}
}

func collectNodes(s *snapshot) []string {
	seen := make(map[string]bool)
	for n := range s.forward {
		seen[n] = true
	}
	for n := range s.backward {
		seen[n] = true
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func buildUndirectedAdjacency(s *snapshot) map[string][]string {
	adj := make(map[string][]string)
	seenPair := make(map[[2]string]bool)
	add := func(a, b string) {
		key := [2]string{a, b}
		if seenPair[key] {
			return
		}
		seenPair[key] = true
		adj[a] = append(adj[a], b)
	}
	for src, edges := range s.forward {
		for _, e := range edges {
			add(src, e.target)
			add(e.target, src)
		}
	}
	return adj
}

// brandesBetweennessFrom runs the single-source BFS stage of Brandes'
// algorithm from source over an unweighted, undirected view of the graph,
// returning each node's contribution to betweenness centrality from paths
// that pass through it on the way from source to everyone else.
func brandesBetweennessFrom(source string, nodes []string, adj map[string][]string) map[string]float64 {
	dist := map[string]int{source: 0}
	sigma := map[string]float64{source: 1}
	preds := map[string][]string{}
	var order []string
	queue := []string{source}

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, w := range adj[v] {
			if _, ok := dist[w]; !ok {
				dist[w] = dist[v] + 1
				queue = append(queue, w)
			}
			if dist[w] == dist[v]+1 {
				sigma[w] += sigma[v]
				preds[w] = append(preds[w], v)
			}
		}
	}

	delta := make(map[string]float64)
	contribution := make(map[string]float64)
	for i := len(order) - 1; i >= 0; i-- {
		w := order[i]
		for _, v := range preds[w] {
			if sigma[w] == 0 {
				continue
			}
			delta[v] += (sigma[v] / sigma[w]) * (1 + delta[w])
		}
		if w != source {
			contribution[w] += delta[w]
		}
	}
	return contribution
}
