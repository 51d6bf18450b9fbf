package classify

import (
	"github.com/dop251/goja"

	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/internal/store"
)

// ScriptedEvaluator compiles script, a small JS expression over a
// `features` object, into an Evaluator. A fresh VM is created per call —
// classification runs on a slow, minute-scale cadence, so the isolation
// is worth more than the construction cost. A script that throws or
// returns a non-numeric value scores 0 rather than failing the whole
// classification pass.
func ScriptedEvaluator(script string, log *logging.Logger) Evaluator {
	return func(f store.AssetFeatures) float64 {
		vm := goja.New()
		featuresObj := vm.NewObject()
		_ = featuresObj.Set("inbound_flows", f.InboundFlows)
		_ = featuresObj.Set("outbound_flows", f.OutboundFlows)
		_ = featuresObj.Set("inbound_bytes", float64(f.InboundBytes))
		_ = featuresObj.Set("outbound_bytes", float64(f.OutboundBytes))
		_ = featuresObj.Set("fan_in", f.FanIn)
		_ = featuresObj.Set("fan_out", f.FanOut)
		_ = featuresObj.Set("unique_src_ports", f.UniqueSrcPorts)
		_ = featuresObj.Set("unique_dst_ports", f.UniqueDstPorts)
		_ = featuresObj.Set("well_known_port_ratio", f.WellKnownPortRatio)
		_ = featuresObj.Set("ephemeral_port_ratio", f.EphemeralPortRatio)
		_ = featuresObj.Set("has_db_ports", f.HasDBPorts)
		_ = featuresObj.Set("has_storage_ports", f.HasStoragePorts)
		_ = featuresObj.Set("has_web_ports", f.HasWebPorts)
		_ = featuresObj.Set("has_ssh_ports", f.HasSSHPorts)
		_ = featuresObj.Set("avg_flow_duration_ms", f.AvgFlowDurationMs)
		_ = featuresObj.Set("avg_packet_size", f.AvgPacketSize)
		_ = featuresObj.Set("business_hours_ratio", f.BusinessHoursRatio)
		_ = featuresObj.Set("active_hours", f.ActiveHours)
		_ = featuresObj.Set("total_flows", f.TotalFlows)
		_ = vm.Set("features", featuresObj)

		result, err := vm.RunString(script)
		if err != nil {
			if log != nil {
				log.WithError(err).WithFields(map[string]interface{}{"script": script}).
					Warn("classification rule script failed, scoring 0")
			}
			return 0
		}
		v := result.Export()
		n, ok := v.(float64)
		if !ok {
			if asInt, ok := v.(int64); ok {
				n = float64(asInt)
			} else {
				return 0
			}
		}
		return saturate(n, 1) // script is expected to return a value already in [0,1]
	}
}
