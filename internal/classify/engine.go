package classify

import (
	"context"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/store"
)

// Config parameterizes the auto-apply gate of spec §4.10.
type Config struct {
	AutoUpdateThreshold float64
	MinFlows            int
	MinObservationHours int
	Hybrid              HybridConfig
}

// DefaultConfig matches the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		AutoUpdateThreshold: 0.70,
		MinFlows:            100,
		MinObservationHours: 24,
		Hybrid:              DefaultHybridConfig(),
	}
}

// ModelRegistry resolves the active ML model into a Predictor. Production
// wiring loads whatever model format ActiveModel's version string names;
// tests supply a stub.
type ModelRegistry interface {
	Resolve(model store.MLModel) (Predictor, error)
}

// Engine orchestrates feature extraction, scoring, and the auto-apply
// decision for one asset at a time (component C11).
type Engine struct {
	features *store.FeatureStore
	classify *store.ClassificationStore
	assets   *store.AssetStore
	models   ModelRegistry
	scripted map[string]Evaluator
	cfg      Config
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewEngine builds a classification engine. models and log may be nil;
// scripted augments the built-in signal bag with per-type goja-evaluated
// signals loaded from ClassificationRule scripts, keyed by asset type.
func NewEngine(features *store.FeatureStore, classify *store.ClassificationStore, assets *store.AssetStore,
	models ModelRegistry, scripted map[string]Evaluator, cfg Config, log *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		features: features, classify: classify, assets: assets,
		models: models, scripted: scripted, cfg: cfg, log: log, metrics: m,
	}
}

// Result describes the outcome of one ClassifyAsset call.
type Result struct {
	Recommendation Recommendation
	Applied        bool
	Reason         string
}

// ClassifyAsset computes fresh features over [windowStart, windowEnd),
// scores them, and applies the result to the asset if it is unlocked and
// clears the confidence/volume/observation-time gate. It always persists
// the feature snapshot for downstream trending regardless of whether the
// classification is applied.
func (e *Engine) ClassifyAsset(ctx context.Context, assetID string, windowStart, windowEnd time.Time) (Result, error) {
	asset, err := e.assets.Get(ctx, assetID)
	if err != nil {
		return Result{}, err
	}

	feats, err := e.features.ComputeFeatures(ctx, assetID, windowStart, windowEnd)
	if err != nil {
		return Result{}, err
	}
	if err := e.classify.SaveFeatures(ctx, feats); err != nil {
		return Result{}, err
	}

	extra := e.scriptedSignalsByType()
	rec := e.score(ctx, feats, extra)

	if asset.ClassificationLocked {
		e.record(rec, "skipped_locked")
		return Result{Recommendation: rec, Applied: false, Reason: "classification_locked"}, nil
	}

	if feats.TotalFlows < e.cfg.MinFlows || feats.ActiveHours < e.cfg.MinObservationHours {
		e.record(rec, "not_ready")
		return Result{Recommendation: rec, Applied: false, Reason: "insufficient_data"},
			errors.ClassificationNotReady(assetID, feats.TotalFlows, feats.ActiveHours)
	}

	if rec.Confidence < e.cfg.AutoUpdateThreshold {
		e.record(rec, "below_threshold")
		return Result{Recommendation: rec, Applied: false, Reason: "below_confidence_threshold"}, nil
	}

	// Always refresh confidence/scores/last_classified_at once the gates
	// pass; the store appends a history row only when the type changed.
	if err := e.assets.UpdateClassification(ctx, assetID, rec.Type, rec.Confidence, rec.Scores, rec.Method, windowEnd); err != nil {
		return Result{}, err
	}

	if rec.Type == asset.AssetType {
		e.record(rec, "refreshed")
		return Result{Recommendation: rec, Applied: true, Reason: "refreshed_unchanged_type"}, nil
	}

	e.record(rec, "applied")
	return Result{Recommendation: rec, Applied: true}, nil
}

func (e *Engine) score(ctx context.Context, feats store.AssetFeatures, extra map[string][]Signal) Recommendation {
	if e.models == nil {
		return Classify(feats, extra)
	}

	model, err := e.classify.ActiveModel(ctx)
	if err != nil || model == nil {
		return Classify(feats, extra)
	}

	predictor, err := e.models.Resolve(*model)
	if err != nil || predictor == nil {
		if e.log != nil {
			e.log.WithError(err).Warn("active classification model could not be resolved, falling back to heuristics")
		}
		return Classify(feats, extra)
	}

	return Hybrid(feats, extra, predictor, model.Version, e.cfg.Hybrid)
}

func (e *Engine) scriptedSignalsByType() map[string][]Signal {
	if len(e.scripted) == 0 {
		return nil
	}
	out := make(map[string][]Signal, len(e.scripted))
	for assetType, eval := range e.scripted {
		out[assetType] = []Signal{{Name: "scripted_rule", Weight: 2.0, Evaluator: eval}}
	}
	return out
}

func (e *Engine) record(rec Recommendation, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordClassification(rec.Method, outcome, rec.Confidence)
	}
}
