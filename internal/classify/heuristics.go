package classify

import (
	"sort"

	"github.com/flowlens/flowlens/internal/store"
)

// Recommendation is the heuristic (or hybrid) engine's verdict for one
// asset: the top-scoring type, its normalized confidence in [0,1], the
// full per-type score map, and the features it was computed from.
type Recommendation struct {
	Type       string
	Confidence float64
	Scores     map[string]float64
	Features   store.AssetFeatures
	Method     string // "heuristic" | "ml" | "hybrid"
}

// ScoreAll evaluates every registered asset type's signal bag against f,
// normalizing each type's weighted sum into [0,100]/100. extra augments
// the built-in bag with rule-driven scripted signals (spec §4.10 /
// §0 DOMAIN STACK: goja-scripted ClassificationRule signals), keyed by
// asset type.
func ScoreAll(f store.AssetFeatures, extra map[string][]Signal) map[string]float64 {
	scores := make(map[string]float64, len(TypeSignals))
	types := make(map[string]bool)
	for t := range TypeSignals {
		types[t] = true
	}
	for t := range extra {
		types[t] = true
	}

	for t := range types {
		signals := append(append([]Signal{}, TypeSignals[t]...), extra[t]...)
		var weighted, totalWeight float64
		for _, s := range signals {
			weighted += s.Weight * s.Evaluator(f)
			totalWeight += s.Weight
		}
		score := 0.0
		if totalWeight > 0 {
			score = (weighted / totalWeight) * 100
		}
		scores[t] = score
	}
	return scores
}

// TopType picks the highest-scoring type from scores, its confidence
// normalized to [0,1]. Ties are broken lexicographically for determinism.
func TopType(scores map[string]float64) (string, float64) {
	if len(scores) == 0 {
		return "unknown", 0
	}
	type kv struct {
		t string
		v float64
	}
	all := make([]kv, 0, len(scores))
	for t, v := range scores {
		all = append(all, kv{t, v})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].v != all[j].v {
			return all[i].v > all[j].v
		}
		return all[i].t < all[j].t
	})
	best := all[0]
	return best.t, best.v / 100
}

// Classify runs the heuristic scoring pass over f and returns the full
// recommendation.
func Classify(f store.AssetFeatures, extra map[string][]Signal) Recommendation {
	scores := ScoreAll(f, extra)
	topType, confidence := TopType(scores)
	return Recommendation{Type: topType, Confidence: confidence, Scores: scores, Features: f, Method: "heuristic"}
}
