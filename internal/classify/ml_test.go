package classify

import (
	"fmt"
	"testing"

	"github.com/flowlens/flowlens/internal/store"
)

type stubPredictor struct {
	pred MLPrediction
	err  error
}

func (s *stubPredictor) Predict(vec FeatureVector) (MLPrediction, error) {
	return s.pred, s.err
}

func TestHybridUsesMLWhenConfidentAndSufficientData(t *testing.T) {
	f := dbHeavyFeatures()
	f.TotalFlows = 1000
	model := &stubPredictor{pred: MLPrediction{
		Class: "load_balancer", Probability: 0.95,
		Distribution: map[string]float64{"load_balancer": 0.95, "database": 0.05},
	}}

	rec := Hybrid(f, nil, model, "v3", HybridConfig{MLConfidenceThreshold: 0.80, MLMinFlows: 500})
	if rec.Method != "ml" {
		t.Fatalf("expected ml method, got %s", rec.Method)
	}
	if rec.Type != "load_balancer" || rec.Confidence != 0.95 {
		t.Fatalf("expected the model's verdict, got %s at %f", rec.Type, rec.Confidence)
	}
}

func TestHybridFallsBackBelowMLConfidence(t *testing.T) {
	f := dbHeavyFeatures()
	f.TotalFlows = 1000
	model := &stubPredictor{pred: MLPrediction{Class: "load_balancer", Probability: 0.60}}

	rec := Hybrid(f, nil, model, "v3", HybridConfig{MLConfidenceThreshold: 0.80, MLMinFlows: 500})
	if rec.Method != "heuristic" || rec.Type != "database" {
		t.Fatalf("expected heuristic fallback to database, got %s via %s", rec.Type, rec.Method)
	}
}

func TestHybridFallsBackBelowMinFlows(t *testing.T) {
	f := dbHeavyFeatures()
	f.TotalFlows = 100
	model := &stubPredictor{pred: MLPrediction{Class: "load_balancer", Probability: 0.99}}

	rec := Hybrid(f, nil, model, "v3", HybridConfig{MLConfidenceThreshold: 0.80, MLMinFlows: 500})
	if rec.Method != "heuristic" {
		t.Fatalf("expected heuristic with insufficient flows, got %s", rec.Method)
	}
}

func TestHybridFallsBackOnPredictorError(t *testing.T) {
	f := dbHeavyFeatures()
	f.TotalFlows = 1000
	model := &stubPredictor{err: fmt.Errorf("model artifact missing")}

	rec := Hybrid(f, nil, model, "v3", DefaultHybridConfig())
	if rec.Method != "heuristic" {
		t.Fatalf("expected heuristic on predictor error, got %s", rec.Method)
	}
}

func TestHybridNilModelIsHeuristic(t *testing.T) {
	rec := Hybrid(dbHeavyFeatures(), nil, nil, "", DefaultHybridConfig())
	if rec.Method != "heuristic" {
		t.Fatalf("expected heuristic with no model, got %s", rec.Method)
	}
}

func TestVectorizeIsFixedOrder(t *testing.T) {
	a := Vectorize(store.AssetFeatures{FanIn: 3, HasDBPorts: true})
	b := Vectorize(store.AssetFeatures{FanIn: 3, HasDBPorts: true})
	if len(a) != len(b) {
		t.Fatalf("vector lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, a[i], b[i])
		}
	}
	if a[4] != 3 {
		t.Errorf("fan_in should be at slot 4, got %f", a[4])
	}
	if a[16] != 1 {
		t.Errorf("has_db_ports should encode as 1 at slot 16, got %f", a[16])
	}
}
