// Package classify implements the behavioral classification engine
// (component C11): feature-based heuristic scoring against an asset-type
// taxonomy, an optional scripted signal evaluator, and an optional ML
// classifier run in hybrid mode alongside the heuristics.
package classify

import (
	"github.com/flowlens/flowlens/internal/store"
)

// Evaluator scores how strongly features match one signal, in [0,1].
type Evaluator func(f store.AssetFeatures) float64

// Signal is one weighted piece of evidence contributing to an asset
// type's total score.
type Signal struct {
	Name      string
	Weight    float64
	Evaluator Evaluator
}

// TypeSignals maps an asset type to its bag of weighted signals. Weights
// need not sum to 1; the engine normalizes the total score to [0,100]
// against the maximum possible score for that type.
var TypeSignals = map[string][]Signal{
	"database": {
		{Name: "has_db_ports", Weight: 3.0, Evaluator: func(f store.AssetFeatures) float64 {
			return boolSignal(f.HasDBPorts)
		}},
		{Name: "high_fan_in", Weight: 2.0, Evaluator: func(f store.AssetFeatures) float64 {
			return saturate(float64(f.FanIn), 50)
		}},
		{Name: "persistent_listener", Weight: 1.5, Evaluator: func(f store.AssetFeatures) float64 {
			return boolSignal(len(f.PersistentListeners) > 0)
		}},
		{Name: "low_fan_out", Weight: 1.0, Evaluator: func(f store.AssetFeatures) float64 {
			return 1 - saturate(float64(f.FanOut), 20)
		}},
	},
	"web_server": {
		{Name: "has_web_ports", Weight: 3.0, Evaluator: func(f store.AssetFeatures) float64 {
			return boolSignal(f.HasWebPorts)
		}},
		{Name: "high_fan_in", Weight: 2.0, Evaluator: func(f store.AssetFeatures) float64 {
			return saturate(float64(f.FanIn), 200)
		}},
		{Name: "well_known_port_ratio", Weight: 1.0, Evaluator: func(f store.AssetFeatures) float64 {
			return f.WellKnownPortRatio
		}},
	},
	"load_balancer": {
		{Name: "very_high_fan_in_and_out", Weight: 2.5, Evaluator: func(f store.AssetFeatures) float64 {
			return saturate(float64(f.FanIn), 100) * saturate(float64(f.FanOut), 100)
		}},
		{Name: "low_avg_flow_duration", Weight: 1.5, Evaluator: func(f store.AssetFeatures) float64 {
			return 1 - saturate(f.AvgFlowDurationMs, 5000)
		}},
		{Name: "has_web_ports", Weight: 1.0, Evaluator: func(f store.AssetFeatures) float64 {
			return boolSignal(f.HasWebPorts)
		}},
	},
	"storage": {
		{Name: "has_storage_ports", Weight: 3.0, Evaluator: func(f store.AssetFeatures) float64 {
			return boolSignal(f.HasStoragePorts)
		}},
		{Name: "high_inbound_bytes", Weight: 2.0, Evaluator: func(f store.AssetFeatures) float64 {
			return saturate(float64(f.InboundBytes), 1e10)
		}},
	},
	"workstation": {
		{Name: "low_fan_in", Weight: 2.0, Evaluator: func(f store.AssetFeatures) float64 {
			return 1 - saturate(float64(f.FanIn), 5)
		}},
		{Name: "high_ephemeral_ratio", Weight: 1.5, Evaluator: func(f store.AssetFeatures) float64 {
			return f.EphemeralPortRatio
		}},
		{Name: "business_hours_ratio", Weight: 1.0, Evaluator: func(f store.AssetFeatures) float64 {
			return f.BusinessHoursRatio
		}},
	},
	"network_device": {
		{Name: "very_high_fan_out", Weight: 2.0, Evaluator: func(f store.AssetFeatures) float64 {
			return saturate(float64(f.FanOut), 500)
		}},
		{Name: "low_avg_packet_size", Weight: 1.0, Evaluator: func(f store.AssetFeatures) float64 {
			return 1 - saturate(f.AvgPacketSize, 1500)
		}},
	},
}

// MaxScore returns the maximum possible weighted score for assetType's
// signal bag, used to normalize into [0,100].
func MaxScore(assetType string) float64 {
	var total float64
	for _, s := range TypeSignals[assetType] {
		total += s.Weight
	}
	if total == 0 {
		return 1
	}
	return total
}

func boolSignal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// saturate normalizes v against scale, clamped to [0,1].
func saturate(v, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	n := v / scale
	if n > 1 {
		return 1
	}
	if n < 0 {
		return 0
	}
	return n
}
