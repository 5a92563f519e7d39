package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/pkg/schema"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextRun_EveryFiveMinutes(t *testing.T) {
	from := at("2026-03-01T12:03:27Z")
	next := NextRun("*/5 * * * *", "UTC", from)
	assert.Equal(t, at("2026-03-01T12:05:00Z"), next)

	// Each activation computed from the previous one is exactly five minutes later.
	last := next
	for range 20 {
		n := NextRun("*/5 * * * *", "UTC", last)
		assert.Equal(t, 5*time.Minute, n.Sub(last))
		assert.True(t, n.After(last))
		last = n
	}
}

func TestNextRun_StrictlyAfterBoundary(t *testing.T) {
	from := at("2026-03-01T12:05:00Z")
	assert.Equal(t, at("2026-03-01T12:10:00Z"), NextRun("*/5 * * * *", "", from))
}

func TestNextRun_Patterns(t *testing.T) {
	from := at("2026-03-01T12:03:27Z")
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", at("2026-03-01T12:04:00Z")},
		{"*/15 * * * *", at("2026-03-01T12:15:00Z")},
		{"0 * * * *", at("2026-03-01T13:00:00Z")},
		{"0 0 * * *", at("2026-03-02T00:00:00Z")},
		{"@hourly", at("2026-03-01T13:00:00Z")},
		{"30 9 * * 1", at("2026-03-02T09:30:00Z")},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRun(tt.expr, "UTC", from))
		})
	}
}

func TestNextRun_InvalidFallsBackToNextMinute(t *testing.T) {
	from := at("2026-03-01T12:03:27Z")
	for _, expr := range []string{"", "every tuesday", "61 * * * *", "* * * *"} {
		t.Run(expr, func(t *testing.T) {
			next := NextRun(expr, "UTC", from)
			assert.Equal(t, at("2026-03-01T12:04:00Z"), next)
			assert.True(t, next.After(from))
		})
	}
}

func TestNextRun_Timezone(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tzdata not available")
	}
	from := at("2026-01-15T00:00:00Z")

	next := NextRun("0 9 * * *", "America/New_York", from)
	assert.Equal(t, at("2026-01-15T14:00:00Z"), next)
	assert.Equal(t, time.UTC, next.Location())

	assert.Equal(t, at("2026-01-15T09:00:00Z"), NextRun("0 9 * * *", "Mars/Olympus", from))
}

func TestValidateExpression(t *testing.T) {
	require.NoError(t, ValidateExpression("*/5 * * * *", "UTC"))
	require.NoError(t, ValidateExpression("@daily", ""))

	err := ValidateExpression("every tuesday", "UTC")
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	err = ValidateExpression("* * * * *", "Mars/Olympus")
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
