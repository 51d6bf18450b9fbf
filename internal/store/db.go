package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// DBConfig configures the shared Postgres connection pool every store
// draws from.
type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DefaultDBConfig returns conservative pool sizing suitable for a single
// ingestion node.
func DefaultDBConfig(dsn string) DBConfig {
	return DBConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Open opens and pings a Postgres connection pool shared by every store in
// this package.
func Open(cfg DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorePermanent, "open postgres connection", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.CodeStorePermanent, "ping postgres", err)
	}
	return db, nil
}

// commandTimeout bounds every individual store operation, per the
// concurrency model's "store operations use a fixed command timeout" rule.
const commandTimeout = 10 * time.Second

func withCommandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, commandTimeout)
}
