package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// _schema holds the warm cache tier and durable job state. The cache
// table is append-mostly; expired rows are swept in the background rather
// than on read.
var _schema = []string{
	`CREATE TABLE IF NOT EXISTS cache (
		key     TEXT PRIMARY KEY,
		value   BYTEA NOT NULL,
		expires TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (expires)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id      UUID PRIMARY KEY,
		state   JSONB NOT NULL,
		updated TIMESTAMPTZ NOT NULL
	)`,
}

// newDB connects a pool and ensures the schema exists.
func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging: %w", err)
	}
	for _, stmt := range _schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensuring schema: %w", err)
		}
	}

	// Sweep expired cache rows hourly so the table doesn't grow without
	// bound. Reads already filter on expiry, so this is only hygiene.
	go func() {
		ctx := context.Background()
		for {
			time.Sleep(time.Hour)
			tag, err := db.Exec(ctx, `DELETE FROM cache WHERE expires < now()`)
			if err != nil {
				Log(ctx).Warn("problem sweeping expired cache rows", "err", err)
				continue
			}
			if tag.RowsAffected() > 0 {
				Log(ctx).Debug("swept expired cache rows", "count", tag.RowsAffected())
			}
		}
	}()

	return db, nil
}
