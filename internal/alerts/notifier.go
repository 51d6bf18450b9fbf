package alerts

import (
	"context"

	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/internal/store"
)

// LogNotifier is the default Notifier: it logs the rendered alert at WARN
// (or higher, by severity) instead of delivering it anywhere. Real
// channels (email, Slack, webhook, PagerDuty) are external collaborators;
// this keeps the engine's dispatch path exercised end to end without
// depending on one.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *logging.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, channel string, a store.Alert) error {
	if n.log == nil {
		return nil
	}
	entry := n.log.WithContext(ctx).WithFields(map[string]interface{}{
		"channel":  channel,
		"alert_id": a.ID,
		"rule_id":  a.RuleID,
		"severity": a.Severity,
	})
	switch a.Severity {
	case "critical", "high":
		entry.Error(a.Title + ": " + a.Message)
	default:
		entry.Warn(a.Title + ": " + a.Message)
	}
	return nil
}
