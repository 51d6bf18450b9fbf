package store

import (
	"context"
	"database/sql"
	"net"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

func classificationRuleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "cidr", "masklen", "priority", "environment", "datacenter", "location",
		"is_internal", "default_owner", "default_team", "asset_type_hint",
	})
}

func TestResolveCreatesAssetFromMatchingRule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM assets`).WithArgs("10.1.2.3").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM classification_rules`).WithArgs("10.1.2.3").WillReturnRows(
		classificationRuleRows().AddRow("rule-1", "10.1.0.0/16", 16, 500, "staging", "dc-1", "", true, "", "", "server"))
	mock.ExpectExec(`INSERT INTO assets`).
		WithArgs(sqlmock.AnyArg(), "10.1.2.3", "server", true, "staging", "dc-1", "", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := NewAssetStore(db, 10)
	id, err := s.Resolve(context.Background(), net.ParseIP("10.1.2.3"), time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCreatesUnknownAssetWhenNoRuleMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM assets`).WithArgs("192.0.2.7").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM classification_rules`).WithArgs("192.0.2.7").WillReturnRows(classificationRuleRows())
	mock.ExpectExec(`INSERT INTO assets`).
		WithArgs(sqlmock.AnyArg(), "192.0.2.7", "unknown", false, "", "", "", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := NewAssetStore(db, 10)
	_, err = s.Resolve(context.Background(), net.ParseIP("192.0.2.7"), time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSecondLookupHitsLRUCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM assets`).WithArgs("10.0.0.5").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("asset-42"))
	mock.ExpectExec(`UPDATE assets SET last_seen`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Second resolution: only the last_seen touch, no transaction.
	mock.ExpectExec(`UPDATE assets SET last_seen`).WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewAssetStore(db, 10)
	first, err := s.Resolve(context.Background(), net.ParseIP("10.0.0.5"), time.Now())
	require.NoError(t, err)
	second, err := s.Resolve(context.Background(), net.ParseIP("10.0.0.5"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "asset-42", first)
	assert.Equal(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCoveringNetworkNoMatchIsDefaultRoute(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT cidr FROM classification_rules`).WithArgs("203.0.113.9").
		WillReturnError(sql.ErrNoRows)

	s := NewAssetStore(db, 10)
	cidr, err := s.CoveringNetwork(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Empty(t, cidr)
}

func TestUpdateClassificationWritesScoresAndHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT asset_type FROM assets`).WithArgs("asset-1").
		WillReturnRows(sqlmock.NewRows([]string{"asset_type"}).AddRow("unknown"))
	mock.ExpectExec(`UPDATE assets SET asset_type`).
		WithArgs("database", 0.92, []byte(`{"database":92.5}`), sqlmock.AnyArg(), "heuristic", "asset-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO classification_history`).
		WithArgs(sqlmock.AnyArg(), "asset-1", "unknown", "database", 0.92, "heuristic", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := NewAssetStore(db, 10)
	err = s.UpdateClassification(context.Background(), "asset-1", "database", 0.92,
		map[string]float64{"database": 92.5}, "heuristic", time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateClassificationUnchangedTypeRefreshesWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT asset_type FROM assets`).WithArgs("asset-1").
		WillReturnRows(sqlmock.NewRows([]string{"asset_type"}).AddRow("database"))
	mock.ExpectExec(`UPDATE assets SET asset_type`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// No classification_history insert: the type did not change.
	mock.ExpectCommit()

	s := NewAssetStore(db, 10)
	err = s.UpdateClassification(context.Background(), "asset-1", "database", 0.95,
		map[string]float64{"database": 95.0}, "heuristic", time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM assets WHERE id`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	s := NewAssetStore(db, 10)
	_, err = s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestAttributesFlattensAssetFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`FROM assets WHERE id`).WithArgs("asset-1").WillReturnRows(sqlmock.NewRows([]string{
		"id", "ip_address", "asset_type", "is_internal", "is_critical", "environment", "datacenter",
		"location", "classification_locked", "classification_confidence", "classification_scores",
		"classification_method", "first_seen", "last_seen",
	}).AddRow("asset-1", "10.0.0.2", "database", true, true, "prod", "dc-1", "", false, 0.9,
		[]byte(`{"database":90}`), "heuristic", now, now))

	s := NewAssetStore(db, 10)
	attrs, err := s.Attributes(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "database", attrs["asset_type"])
	assert.Equal(t, "prod", attrs["environment"])
	assert.Equal(t, "true", attrs["is_critical"])
}

func TestGetUnmarshalsClassificationScores(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`FROM assets WHERE id`).WithArgs("asset-1").WillReturnRows(sqlmock.NewRows([]string{
		"id", "ip_address", "asset_type", "is_internal", "is_critical", "environment", "datacenter",
		"location", "classification_locked", "classification_confidence", "classification_scores",
		"classification_method", "first_seen", "last_seen",
	}).AddRow("asset-1", "10.0.0.2", "database", true, false, "", "", "", false, 0.92,
		[]byte(`{"database":92.5,"web_server":12.0}`), "heuristic", now, now))

	s := NewAssetStore(db, 10)
	a, err := s.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 92.5, a.ClassificationScores["database"])
	assert.Equal(t, 12.0, a.ClassificationScores["web_server"])
}
