package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// AlertStore persists AlertRules, raised Alerts, and MaintenanceWindows.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore wraps db.
func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

// EnabledRules returns every AlertRule with enabled=true, ordered by
// priority ascending as the alert engine evaluates them (spec §4.8).
func (s *AlertStore) EnabledRules(ctx context.Context) ([]AlertRule, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, change_types, asset_filter, severity, title_template, description_template,
		       notify_channels, cooldown_minutes, priority, schedule, enabled, last_triggered_at, trigger_count
		FROM alert_rules WHERE enabled = true ORDER BY priority ASC`)
	if err != nil {
		return nil, errors.StoreTransient("enabled_alert_rules", err)
	}
	defer rows.Close()

	var out []AlertRule
	for rows.Next() {
		var r AlertRule
		var changeTypes, notifyChannels pq.StringArray
		var assetFilter []byte
		if err := rows.Scan(&r.ID, &r.Name, &changeTypes, &assetFilter, &r.Severity, &r.TitleTemplate,
			&r.DescriptionTemplate, &notifyChannels, &r.CooldownMinutes, &r.Priority, &r.Schedule, &r.Enabled,
			&r.LastTriggeredAt, &r.TriggerCount); err != nil {
			return nil, errors.StoreTransient("enabled_alert_rules.scan", err)
		}
		r.ChangeTypes = []string(changeTypes)
		r.NotifyChannels = []string(notifyChannels)
		_ = json.Unmarshal(assetFilter, &r.AssetFilter)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TriggerRule advances last_triggered_at to firedAt and increments
// trigger_count by one, starting the rule's cooldown window.
func (s *AlertStore) TriggerRule(ctx context.Context, ruleID string, firedAt time.Time) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET last_triggered_at = $1, trigger_count = trigger_count + 1 WHERE id = $2`,
		firedAt, ruleID)
	if err != nil {
		return errors.StoreTransient("trigger_alert_rule", err)
	}
	return nil
}

// ActiveMaintenanceWindow returns the maintenance window covering assetID
// at t, if any.
func (s *AlertStore) ActiveMaintenanceWindow(ctx context.Context, assetID string, t time.Time) (*MaintenanceWindow, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	var mw MaintenanceWindow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, asset_id, start_time, end_time, reason
		FROM maintenance_windows WHERE asset_id = $1 AND start_time <= $2 AND end_time >= $2
		ORDER BY start_time DESC LIMIT 1`, assetID, t,
	).Scan(&mw.ID, &mw.AssetID, &mw.StartTime, &mw.EndTime, &mw.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreTransient("active_maintenance_window", err)
	}
	return &mw, nil
}

// IncrementSuppressed counts one alert suppressed by a maintenance window,
// per spec: suppression is silent but counted on the window, not lost.
func (s *AlertStore) IncrementSuppressed(ctx context.Context, windowID string) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE maintenance_windows SET suppressed = suppressed + 1 WHERE id = $1`, windowID)
	if err != nil {
		return errors.StoreTransient("increment_suppressed", err)
	}
	return nil
}

// CreateAlert persists a raised alert with its initial (possibly partial)
// delivery results.
func (s *AlertStore) CreateAlert(ctx context.Context, a Alert) (string, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, change_event_id, severity, title, message, created_at,
		                     auto_clear_eligible, suppressed, suppress_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.RuleID, a.ChangeEventID, a.Severity, a.Title, a.Message, a.CreatedAt,
		a.AutoClearEligible, a.Suppressed, a.SuppressReason)
	if err != nil {
		return "", errors.StoreTransient("create_alert", err)
	}
	return a.ID, nil
}

// Acknowledge sets acknowledged_at/by on an unacknowledged alert.
func (s *AlertStore) Acknowledge(ctx context.Context, alertID, by string, at time.Time) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged_at = $1, acknowledged_by = $2
		WHERE id = $3 AND acknowledged_at IS NULL`, at, by, alertID)
	if err != nil {
		return errors.StoreTransient("acknowledge_alert", err)
	}
	return nil
}

// Resolve sets resolved_at/by, implying acknowledgement if the alert had
// not already been acknowledged.
func (s *AlertStore) Resolve(ctx context.Context, alertID, by string, at time.Time) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET resolved_at = $1, resolved_by = $2,
		       acknowledged_at = COALESCE(acknowledged_at, $1), acknowledged_by = COALESCE(acknowledged_by, $2)
		WHERE id = $3 AND resolved_at IS NULL`, at, by, alertID)
	if err != nil {
		return errors.StoreTransient("resolve_alert", err)
	}
	return nil
}

// AutoClearEligibleUnresolved returns unresolved alerts flagged
// auto_clear_eligible for changeEventID, so the detector can resolve
// them when the underlying condition is observed again.
func (s *AlertStore) AutoClearEligibleUnresolved(ctx context.Context, changeEventID string) ([]Alert, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, change_event_id, severity, title, message, created_at
		FROM alerts WHERE change_event_id = $1 AND auto_clear_eligible = true AND resolved_at IS NULL`, changeEventID)
	if err != nil {
		return nil, errors.StoreTransient("auto_clear_eligible_unresolved", err)
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.RuleID, &a.ChangeEventID, &a.Severity, &a.Title, &a.Message, &a.CreatedAt); err != nil {
			return nil, errors.StoreTransient("auto_clear_eligible_unresolved.scan", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordDeliveryResult appends one per-(channel,recipient) delivery
// outcome. A partial success for a multi-recipient alert does not retry
// the recipients that already succeeded.
func (s *AlertStore) RecordDeliveryResult(ctx context.Context, alertID string, res AlertDeliveryResult) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_delivery_results (id, alert_id, channel, recipient, success, error, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), alertID, res.Channel, res.Recipient, res.Success, res.Error, res.SentAt)
	if err != nil {
		return errors.StoreTransient("record_alert_delivery", err)
	}
	return nil
}
