package classify

import (
	"github.com/flowlens/flowlens/internal/store"
)

// FeatureVector is the numeric encoding of AssetFeatures an ML model
// consumes. Vectorize is a pure function so model code (and tests) never
// need a live feature snapshot.
type FeatureVector []float64

// Vectorize encodes f into a fixed-order numeric vector.
func Vectorize(f store.AssetFeatures) FeatureVector {
	return FeatureVector{
		float64(f.InboundFlows), float64(f.OutboundFlows),
		float64(f.InboundBytes), float64(f.OutboundBytes),
		float64(f.FanIn), float64(f.FanOut),
		float64(f.UniqueSrcPorts), float64(f.UniqueDstPorts),
		f.WellKnownPortRatio, f.EphemeralPortRatio,
		f.AvgFlowDurationMs, f.AvgPacketSize,
		f.ConnectionChurn, float64(f.ActiveHours), f.BusinessHoursRatio, f.TrafficVariance,
		boolSignal(f.HasDBPorts), boolSignal(f.HasStoragePorts), boolSignal(f.HasWebPorts), boolSignal(f.HasSSHPorts),
	}
}

// MLPrediction is one model inference result.
type MLPrediction struct {
	Class           string
	Probability     float64
	Distribution    map[string]float64
	ModelVersion    string
}

// Predictor is the minimal surface a registered ML model must expose.
// Production deployments plug in a real model loader (e.g. an ONNX
// runtime binding); this package only defines the contract the hybrid
// classifier calls against.
type Predictor interface {
	Predict(vec FeatureVector) (MLPrediction, error)
}

// HybridConfig parameterizes the ML/heuristic blend of spec §4.10.
type HybridConfig struct {
	MLConfidenceThreshold float64
	MLMinFlows            int
}

// DefaultHybridConfig matches the spec's suggested defaults.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{MLConfidenceThreshold: 0.80, MLMinFlows: 500}
}

// Hybrid runs the ML model when one is active and confident enough on
// sufficient data, falling back to the heuristic recommendation
// otherwise.
func Hybrid(f store.AssetFeatures, extra map[string][]Signal, model Predictor, modelVersion string, cfg HybridConfig) Recommendation {
	heuristic := Classify(f, extra)

	if model == nil || f.TotalFlows < cfg.MLMinFlows {
		return heuristic
	}

	pred, err := model.Predict(Vectorize(f))
	if err != nil || pred.Probability < cfg.MLConfidenceThreshold {
		return heuristic
	}

	return Recommendation{
		Type: pred.Class, Confidence: pred.Probability, Scores: pred.Distribution,
		Features: f, Method: "ml",
	}
}
