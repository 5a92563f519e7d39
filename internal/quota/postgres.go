package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createCountersTable = `CREATE TABLE IF NOT EXISTS quota_counters (
	key        TEXT PRIMARY KEY,
	value      BIGINT NOT NULL,
	expires_at TIMESTAMPTZ
)`

// incrementSQL resets an expired row in the same statement that bumps it, so
// concurrent increments from several instances stay consistent.
const incrementSQL = `INSERT INTO quota_counters (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET
	value = CASE
		WHEN quota_counters.expires_at IS NOT NULL AND quota_counters.expires_at <= now() THEN EXCLUDED.value
		ELSE quota_counters.value + EXCLUDED.value
	END,
	expires_at = CASE
		WHEN quota_counters.expires_at IS NOT NULL AND quota_counters.expires_at <= now() THEN EXCLUDED.expires_at
		ELSE quota_counters.expires_at
	END
RETURNING value`

// PostgresCounter shares counters between engine instances through Postgres.
type PostgresCounter struct {
	db *pgxpool.Pool
}

func NewPostgresCounter(db *pgxpool.Pool) *PostgresCounter {
	return &PostgresCounter{db: db}
}

// OpenPostgresCounter connects to dsn and creates the counters table.
func OpenPostgresCounter(ctx context.Context, dsn string) (*PostgresCounter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect quota store: %w", err)
	}
	c := NewPostgresCounter(pool)
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCounter) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, createCountersTable); err != nil {
		return fmt.Errorf("create quota_counters: %w", err)
	}
	return nil
}

func (c *PostgresCounter) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl).UTC()
		expiresAt = &t
	}

	var value int64
	if err := c.db.QueryRow(ctx, incrementSQL, key, delta, expiresAt).Scan(&value); err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return value, nil
}

func (c *PostgresCounter) Get(ctx context.Context, key string) (int64, error) {
	var value int64
	err := c.db.QueryRow(ctx,
		`SELECT value FROM quota_counters WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).
		Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (c *PostgresCounter) Close() {
	c.db.Close()
}

var _ Counter = (*PostgresCounter)(nil)
