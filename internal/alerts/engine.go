// Package alerts implements the alert engine (component C9): matching
// ChangeEvents emitted by the change detector against AlertRules, applying
// cooldown and maintenance-window suppression, rendering notification
// templates, and dispatching to notify_channels.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"

	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/store"
)

// RuleSource is the read/write surface the engine needs from the alert
// store.
type RuleSource interface {
	EnabledRules(ctx context.Context) ([]store.AlertRule, error)
	TriggerRule(ctx context.Context, ruleID string, firedAt time.Time) error
	ActiveMaintenanceWindow(ctx context.Context, assetID string, t time.Time) (*store.MaintenanceWindow, error)
	IncrementSuppressed(ctx context.Context, windowID string) error
	CreateAlert(ctx context.Context, a store.Alert) (string, error)
	AutoClearEligibleUnresolved(ctx context.Context, changeEventID string) ([]store.Alert, error)
	Resolve(ctx context.Context, alertID, by string, at time.Time) error
	RecordDeliveryResult(ctx context.Context, alertID string, res store.AlertDeliveryResult) error
}

// AssetAttributes resolves an asset's attribute map for filter matching
// and template context.
type AssetAttributes interface {
	Attributes(ctx context.Context, id string) (map[string]string, error)
}

// Notifier delivers a rendered alert to one channel. Implementations wrap
// whatever transport notify_channels names (email, Slack webhook, pager);
// the engine only depends on this narrow contract.
type Notifier interface {
	Notify(ctx context.Context, channel string, a store.Alert) error
}

// Engine evaluates ChangeEvents against enabled AlertRules.
type Engine struct {
	rules     RuleSource
	assets    AssetAttributes
	notifiers map[string]Notifier
	metrics   *metrics.Metrics
	log       *logging.Logger

	parser cron.Parser
}

// New creates an Engine. notifiers maps a channel name (as it appears in
// AlertRule.NotifyChannels) to its Notifier; a channel with no registered
// Notifier is logged and skipped, and no delivery result is recorded for it.
func New(rules RuleSource, assets AssetAttributes, notifiers map[string]Notifier, m *metrics.Metrics, log *logging.Logger) *Engine {
	return &Engine{
		rules: rules, assets: assets, notifiers: notifiers, metrics: m, log: log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Outcome records what the engine did with one rule for one event.
type Outcome struct {
	RuleID  string
	AlertID string
	Status  string // "fired" | "skipped_type" | "skipped_filter" | "skipped_cooldown" | "skipped_schedule" | "suppressed_maintenance" | "error"
}

// Evaluate runs ev against every enabled rule in priority order, firing
// alerts for the rules that match and clear their gates.
func (e *Engine) Evaluate(ctx context.Context, ev store.ChangeEvent, now time.Time) ([]Outcome, error) {
	rules, err := e.rules.EnabledRules(ctx)
	if err != nil {
		return nil, err
	}

	var attrs map[string]string
	if e.assets != nil && ev.AssetID != "" {
		attrs, _ = e.assets.Attributes(ctx, ev.AssetID)
	}

	outcomes := make([]Outcome, 0, len(rules))
	for _, rule := range rules {
		outcome := e.evaluateRule(ctx, rule, ev, attrs, now)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule store.AlertRule, ev store.ChangeEvent, attrs map[string]string, now time.Time) Outcome {
	if !containsString(rule.ChangeTypes, ev.EventType) {
		return Outcome{RuleID: rule.ID, Status: "skipped_type"}
	}

	if !matchesFilter(rule.AssetFilter, attrs) {
		return Outcome{RuleID: rule.ID, Status: "skipped_filter"}
	}

	if rule.LastTriggeredAt != nil {
		elapsed := now.Sub(*rule.LastTriggeredAt)
		if elapsed < time.Duration(rule.CooldownMinutes)*time.Minute {
			e.recordSuppressed("cooldown")
			return Outcome{RuleID: rule.ID, Status: "skipped_cooldown"}
		}
	}

	if rule.Schedule != "" {
		sched, err := e.parser.Parse(rule.Schedule)
		if err != nil {
			if e.log != nil {
				e.log.WithError(err).WithFields(map[string]interface{}{"rule_id": rule.ID, "schedule": rule.Schedule}).
					Warn("alert rule has an unparseable schedule, treating as always-active")
			}
		} else if !withinSchedule(sched, now) {
			return Outcome{RuleID: rule.ID, Status: "skipped_schedule"}
		}
	}

	if ev.AssetID != "" {
		mw, err := e.rules.ActiveMaintenanceWindow(ctx, ev.AssetID, now)
		if err == nil && mw != nil {
			_ = e.rules.IncrementSuppressed(ctx, mw.ID)
			e.recordSuppressed("maintenance_window")
			return Outcome{RuleID: rule.ID, Status: "suppressed_maintenance"}
		}
	}

	tmplCtx := templateContext(ev, attrs)
	alert := store.Alert{
		RuleID:            rule.ID,
		ChangeEventID:     ev.ID,
		Severity:          rule.Severity,
		Title:             render(rule.TitleTemplate, tmplCtx),
		Message:           render(rule.DescriptionTemplate, tmplCtx),
		CreatedAt:         now,
		AutoClearEligible: autoClearEligible(ev.EventType),
	}

	alertID, err := e.rules.CreateAlert(ctx, alert)
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).WithFields(map[string]interface{}{"rule_id": rule.ID}).Warn("failed to persist alert")
		}
		return Outcome{RuleID: rule.ID, Status: "error"}
	}
	alert.ID = alertID

	if err := e.rules.TriggerRule(ctx, rule.ID, now); err != nil && e.log != nil {
		e.log.WithError(err).WithFields(map[string]interface{}{"rule_id": rule.ID}).Warn("failed to record rule trigger")
	}

	e.dispatch(ctx, rule.NotifyChannels, alert)

	if e.metrics != nil {
		e.metrics.AlertsTotal.WithLabelValues(rule.Severity).Inc()
	}

	return Outcome{RuleID: rule.ID, AlertID: alertID, Status: "fired"}
}

// ResolveAutoClear resolves every unresolved auto_clear_eligible alert
// tied to changeEventID, called when the underlying condition (e.g. a
// dependency reappearing) is observed again.
func (e *Engine) ResolveAutoClear(ctx context.Context, changeEventID string, at time.Time) (int, error) {
	alerts, err := e.rules.AutoClearEligibleUnresolved(ctx, changeEventID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range alerts {
		if err := e.rules.Resolve(ctx, a.ID, "system:auto_clear", at); err != nil {
			if e.log != nil {
				e.log.WithError(err).WithFields(map[string]interface{}{"alert_id": a.ID}).Warn("auto-clear resolve failed")
			}
			continue
		}
		n++
	}
	return n, nil
}

func (e *Engine) dispatch(ctx context.Context, channels []string, a store.Alert) {
	for _, ch := range channels {
		notifier, ok := e.notifiers[ch]
		if !ok {
			if e.log != nil {
				e.log.WithFields(map[string]interface{}{"channel": ch, "alert_id": a.ID}).
					Warn("no notifier registered for channel, skipping delivery")
			}
			continue
		}
		err := notifier.Notify(ctx, ch, a)
		result := store.AlertDeliveryResult{Channel: ch, Success: err == nil, SentAt: a.CreatedAt}
		if err != nil {
			result.Error = err.Error()
		}
		if recErr := e.rules.RecordDeliveryResult(ctx, a.ID, result); recErr != nil && e.log != nil {
			e.log.WithError(recErr).WithFields(map[string]interface{}{"alert_id": a.ID, "channel": ch}).
				Warn("failed to record alert delivery result")
		}
	}
}

func (e *Engine) recordSuppressed(reason string) {
	if e.metrics != nil {
		e.metrics.AlertsSuppressedTotal.WithLabelValues(reason).Inc()
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// matchesFilter applies key-wise equality: every key in filter must be
// present in attrs with an equal value. An empty filter matches anything.
func matchesFilter(filter map[string]string, attrs map[string]string) bool {
	for k, v := range filter {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

// withinSchedule reports whether now falls within the minute the cron
// schedule would have fired on, the coarsest granularity cron supports.
func withinSchedule(sched cron.Schedule, now time.Time) bool {
	truncated := now.Truncate(time.Minute)
	next := sched.Next(truncated.Add(-time.Minute))
	return !next.After(truncated)
}

func autoClearEligible(eventType string) bool {
	switch eventType {
	case "dependency_removed", "dependency_stale", "asset_offline", "traffic_drop":
		return true
	default:
		return false
	}
}

func templateContext(ev store.ChangeEvent, attrs map[string]string) map[string]string {
	ctx := map[string]string{
		"event_type":            ev.EventType,
		"asset_id":              ev.AssetID,
		"dependency_id":         ev.DependencyID,
		"impact_score":          strconv.FormatFloat(ev.ImpactScore, 'f', 1, 64),
		"affected_assets_count": strconv.Itoa(ev.AffectedAssetsCount),
		"detected_at":           ev.DetectedAt.Format(time.RFC3339),
	}
	for k, v := range attrs {
		ctx["asset_"+k] = v
	}

	// Details/NewState/PreviousState are free-form maps filled in by the
	// detector per event type; gjson lets template authors reach into
	// them with a "details.whatever" placeholder without this package
	// needing to know every change type's shape up front.
	flattenJSON("details", ev.Details, ctx)
	flattenJSON("new_state", ev.NewState, ctx)
	flattenJSON("previous_state", ev.PreviousState, ctx)

	if _, ok := ctx["name"]; !ok {
		ctx["name"] = fmt.Sprintf("asset %s", ev.AssetID)
	}
	return ctx
}

// flattenJSON marshals m to JSON and copies its top-level scalar fields
// into ctx under "prefix.key", so templates can reference e.g.
// "{details.gateway_ip}" without this package modeling every event's
// payload shape.
func flattenJSON(prefix string, m map[string]interface{}, ctx map[string]string) {
	if len(m) == 0 {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		if value.IsObject() || value.IsArray() {
			return true
		}
		ctx[prefix+"."+key.String()] = value.String()
		if key.String() == "name" {
			ctx["name"] = value.String()
		}
		return true
	})
}
