package quota

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresCounter(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("toolflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	c := NewPostgresCounter(pool)
	require.NoError(t, c.Migrate(ctx))

	t.Run("increment accumulates", func(t *testing.T) {
		n, err := c.Increment(ctx, "tool:a", 1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = c.Increment(ctx, "tool:a", 4, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		got, err := c.Get(ctx, "tool:a")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got)
	})

	t.Run("unknown key reads zero", func(t *testing.T) {
		got, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, int64(0), got)
	})

	t.Run("expired key restarts", func(t *testing.T) {
		_, err := c.Increment(ctx, "tool:b", 7, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		n, err := c.Increment(ctx, "tool:b", 1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
