package store

import (
	"container/list"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// AssetStore resolves IP addresses to Asset ids, creating assets on first
// observation and enriching them from ClassificationRules. A bounded LRU
// in front of the database avoids a round trip for every flow touching a
// recently-seen IP.
type AssetStore struct {
	db *sql.DB

	mu       sync.Mutex
	lru      *list.List
	index    map[string]*list.Element
	lruLimit int
}

type lruEntry struct {
	ip      string
	assetID string
}

// NewAssetStore wraps db with an LRU resolution cache of lruLimit entries.
func NewAssetStore(db *sql.DB, lruLimit int) *AssetStore {
	if lruLimit <= 0 {
		lruLimit = 50000
	}
	return &AssetStore{db: db, lru: list.New(), index: make(map[string]*list.Element), lruLimit: lruLimit}
}

func (s *AssetStore) cacheGet(ip string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[ip]
	if !ok {
		return "", false
	}
	s.lru.MoveToFront(el)
	return el.Value.(*lruEntry).assetID, true
}

func (s *AssetStore) cachePut(ip, assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[ip]; ok {
		el.Value.(*lruEntry).assetID = assetID
		s.lru.MoveToFront(el)
		return
	}
	el := s.lru.PushFront(&lruEntry{ip: ip, assetID: assetID})
	s.index[ip] = el
	if s.lru.Len() > s.lruLimit {
		oldest := s.lru.Back()
		if oldest != nil {
			s.lru.Remove(oldest)
			delete(s.index, oldest.Value.(*lruEntry).ip)
		}
	}
}

// Resolve returns the Asset id for ip, creating and classifying a new
// Asset when none exists. A soft-deleted asset is never resurrected: a new
// row is created for the next observation.
func (s *AssetStore) Resolve(ctx context.Context, ip net.IP, observedAt time.Time) (string, error) {
	key := ip.String()
	if id, ok := s.cacheGet(key); ok {
		if err := s.touchLastSeen(ctx, id, observedAt); err != nil {
			return "", err
		}
		return id, nil
	}

	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.StoreTransient("asset_resolve.begin", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM assets WHERE ip_address = $1 AND deleted_at IS NULL`, key,
	).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		id, err = s.createAssetLocked(ctx, tx, key, observedAt)
		if err != nil {
			return "", err
		}
	case err != nil:
		return "", errors.StoreTransient("asset_resolve.lookup", err)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE assets SET last_seen = $1 WHERE id = $2`, observedAt, id); err != nil {
			return "", errors.StoreTransient("asset_resolve.touch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", errors.StoreTransient("asset_resolve.commit", err)
	}
	s.cachePut(key, id)
	return id, nil
}

func (s *AssetStore) createAssetLocked(ctx context.Context, tx *sql.Tx, ip string, observedAt time.Time) (string, error) {
	rule, err := s.matchClassificationRuleLocked(ctx, tx, ip)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	assetType := "unknown"
	environment, datacenter, location, owner, team := "", "", "", "", ""
	isInternal := false
	if rule != nil {
		if rule.AssetTypeHint != "" {
			assetType = rule.AssetTypeHint
		}
		environment, datacenter, location = rule.Environment, rule.Datacenter, rule.Location
		owner, team = rule.DefaultOwner, rule.DefaultTeam
		isInternal = rule.IsInternal
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assets (id, ip_address, asset_type, is_internal, environment, datacenter, location,
		                     default_owner, default_team, first_seen, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		id, ip, assetType, isInternal, environment, datacenter, location, owner, team, observedAt)
	if err != nil {
		return "", errors.StoreTransient("asset_resolve.create", err)
	}
	return id, nil
}

// matchClassificationRuleLocked finds the longest-prefix matching active
// rule for ip, tie-broken by ascending priority.
func (s *AssetStore) matchClassificationRuleLocked(ctx context.Context, tx *sql.Tx, ip string) (*ClassificationRule, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, cidr, masklen(cidr::cidr) AS masklen, priority, environment, datacenter, location,
		       is_internal, default_owner, default_team, asset_type_hint
		FROM classification_rules
		WHERE active = true AND $1::inet <<= cidr::cidr
		ORDER BY masklen DESC, priority ASC
		LIMIT 1`, ip)
	if err != nil {
		return nil, errors.StoreTransient("classification_rule_match", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var r ClassificationRule
	if err := rows.Scan(&r.ID, &r.CIDR, &r.MaskLen, &r.Priority, &r.Environment, &r.Datacenter, &r.Location,
		&r.IsInternal, &r.DefaultOwner, &r.DefaultTeam, &r.AssetTypeHint); err != nil {
		return nil, errors.StoreTransient("classification_rule_match.scan", err)
	}
	return &r, nil
}

// CoveringNetwork returns the CIDR of the smallest active ClassificationRule
// covering destinationIP, or "" when none matches (the gateway rollup then
// groups that observation under the default route). It reuses the same
// longest-prefix-wins ordering as asset resolution (spec §4.7, §4.5).
func (s *AssetStore) CoveringNetwork(ctx context.Context, destinationIP string) (string, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	var cidr string
	err := s.db.QueryRowContext(ctx, `
		SELECT cidr FROM classification_rules
		WHERE active = true AND $1::inet <<= cidr::cidr
		ORDER BY masklen(cidr::cidr) DESC, priority ASC
		LIMIT 1`, destinationIP,
	).Scan(&cidr)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.StoreTransient("covering_network", err)
	}
	return cidr, nil
}

// EligibleForClassification returns unlocked assets first observed at
// least minObservationHours before now, for the classification ticker to
// drive C11 (spec §4.10's observation-window gate).
func (s *AssetStore) EligibleForClassification(ctx context.Context, minObservationHours int, now time.Time) ([]Asset, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	cutoff := now.Add(-time.Duration(minObservationHours) * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip_address, asset_type, is_internal, is_critical, environment, datacenter, location,
		       first_seen, last_seen
		FROM assets
		WHERE deleted_at IS NULL AND classification_locked = false AND first_seen <= $1
		ORDER BY first_seen ASC`, cutoff)
	if err != nil {
		return nil, errors.StoreTransient("asset_eligible_for_classification", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.IPAddress, &a.AssetType, &a.IsInternal, &a.IsCritical, &a.Environment,
			&a.Datacenter, &a.Location, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, errors.StoreTransient("asset_eligible_for_classification.scan", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AssetStore) touchLastSeen(ctx context.Context, id string, observedAt time.Time) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE assets SET last_seen = $1 WHERE id = $2`, observedAt, id)
	if err != nil {
		return errors.StoreTransient("asset_touch_last_seen", err)
	}
	return nil
}

// Get returns an asset by id.
func (s *AssetStore) Get(ctx context.Context, id string) (*Asset, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	var a Asset
	var scores []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ip_address, asset_type, is_internal, is_critical, environment, datacenter, location,
		       classification_locked, classification_confidence, classification_scores, classification_method,
		       first_seen, last_seen
		FROM assets WHERE id = $1`, id,
	).Scan(&a.ID, &a.IPAddress, &a.AssetType, &a.IsInternal, &a.IsCritical, &a.Environment, &a.Datacenter,
		&a.Location, &a.ClassificationLocked, &a.ClassificationConfidence, &scores, &a.ClassificationMethod,
		&a.FirstSeen, &a.LastSeen)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("asset", id)
	}
	if err != nil {
		return nil, errors.StoreTransient("asset_get", err)
	}
	if len(scores) > 0 {
		_ = json.Unmarshal(scores, &a.ClassificationScores)
	}
	return &a, nil
}

// Attributes returns a flat string map of asset fields, for the alert
// engine's structural-equality asset filter match and for template
// placeholder rendering.
func (s *AssetStore) Attributes(ctx context.Context, id string) (map[string]string, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"id":          a.ID,
		"ip_address":  a.IPAddress,
		"asset_type":  a.AssetType,
		"environment": a.Environment,
		"datacenter":  a.Datacenter,
		"location":    a.Location,
		"is_internal": boolString(a.IsInternal),
		"is_critical": boolString(a.IsCritical),
	}, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// MarkOffline flips is_offline on every live asset whose last_seen
// predates lastSeenBefore, returning the assets that transitioned so the
// change detector emits asset_offline exactly once per transition.
func (s *AssetStore) MarkOffline(ctx context.Context, lastSeenBefore time.Time) ([]Asset, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE assets SET is_offline = true
		WHERE deleted_at IS NULL AND is_offline = false AND last_seen < $1
		RETURNING id, ip_address, asset_type, is_internal, is_critical, last_seen`, lastSeenBefore)
	if err != nil {
		return nil, errors.StoreTransient("asset_mark_offline", err)
	}
	defer rows.Close()
	return scanAssetSummaries(rows, "asset_mark_offline.scan")
}

// MarkOnline clears is_offline on every asset seen again at or after
// lastSeenSince, returning the assets that came back.
func (s *AssetStore) MarkOnline(ctx context.Context, lastSeenSince time.Time) ([]Asset, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE assets SET is_offline = false
		WHERE deleted_at IS NULL AND is_offline = true AND last_seen >= $1
		RETURNING id, ip_address, asset_type, is_internal, is_critical, last_seen`, lastSeenSince)
	if err != nil {
		return nil, errors.StoreTransient("asset_mark_online", err)
	}
	defer rows.Close()
	return scanAssetSummaries(rows, "asset_mark_online.scan")
}

// RemovedSince returns assets soft-deleted at or after t, for the change
// detector's asset_removed scan.
func (s *AssetStore) RemovedSince(ctx context.Context, t time.Time) ([]Asset, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip_address, asset_type, is_internal, is_critical, last_seen
		FROM assets WHERE deleted_at IS NOT NULL AND deleted_at >= $1 ORDER BY deleted_at ASC`, t)
	if err != nil {
		return nil, errors.StoreTransient("asset_removed_since", err)
	}
	defer rows.Close()
	return scanAssetSummaries(rows, "asset_removed_since.scan")
}

func scanAssetSummaries(rows *sql.Rows, op string) ([]Asset, error) {
	var out []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.IPAddress, &a.AssetType, &a.IsInternal, &a.IsCritical, &a.LastSeen); err != nil {
			return nil, errors.StoreTransient(op, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DiscoveredSince returns assets first_seen at or after t, for the change
// detector's asset_discovered scan.
func (s *AssetStore) DiscoveredSince(ctx context.Context, t time.Time) ([]Asset, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip_address, asset_type, is_internal, is_critical, environment, datacenter, location,
		       first_seen, last_seen
		FROM assets WHERE first_seen >= $1 AND deleted_at IS NULL ORDER BY first_seen ASC`, t)
	if err != nil {
		return nil, errors.StoreTransient("asset_discovered_since", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.IPAddress, &a.AssetType, &a.IsInternal, &a.IsCritical, &a.Environment,
			&a.Datacenter, &a.Location, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, errors.StoreTransient("asset_discovered_since.scan", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateClassification applies an auto-classification or manual override,
// refreshing the asset's type, confidence, score map, and classification
// timestamp transactionally. A ClassificationHistory row is appended only
// when the type actually changed; a same-type reclassification still
// refreshes the confidence/scores/last_classified_at fields.
func (s *AssetStore) UpdateClassification(ctx context.Context, assetID, newType string, confidence float64,
	scores map[string]float64, method string, classifiedAt time.Time) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return errors.Internal("marshal classification scores", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreTransient("update_classification.begin", err)
	}
	defer tx.Rollback()

	var previousType string
	if err := tx.QueryRowContext(ctx, `SELECT asset_type FROM assets WHERE id = $1`, assetID).Scan(&previousType); err != nil {
		return errors.StoreTransient("update_classification.lookup", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE assets SET asset_type = $1, classification_confidence = $2, classification_scores = $3,
		                  last_classified_at = $4, classification_method = $5
		WHERE id = $6`, newType, confidence, scoresJSON, classifiedAt, method, assetID); err != nil {
		return errors.StoreTransient("update_classification.update", err)
	}

	if previousType != newType {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO classification_history (id, asset_id, previous_type, new_type, confidence, method, classified_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.NewString(), assetID, previousType, newType, confidence, method, classifiedAt); err != nil {
			return errors.StoreTransient("update_classification.history", err)
		}
	}

	return tx.Commit()
}
