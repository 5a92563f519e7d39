package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter_IncrementAndExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCounter()
	c.now = func() time.Time { return now }

	n, err := c.Increment(ctx, "tool:http.request", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, _ = c.Increment(ctx, "tool:http.request", 2, time.Minute)
	assert.Equal(t, int64(3), n)

	got, _ := c.Get(ctx, "tool:http.request")
	assert.Equal(t, int64(3), got)

	now = now.Add(time.Minute)
	got, _ = c.Get(ctx, "tool:http.request")
	assert.Equal(t, int64(0), got, "expired keys read as zero")

	n, _ = c.Increment(ctx, "tool:http.request", 1, time.Minute)
	assert.Equal(t, int64(1), n, "expired keys restart from zero")
}

func TestMemoryCounter_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Increment(ctx, "shared", 1, 0)
		}()
	}
	wg.Wait()

	got, err := c.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)
}
