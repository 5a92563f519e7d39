package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/toolflow/internal/quota"
	"github.com/rendis/toolflow/pkg/schema"
)

// QuotaLimit caps invocations of a tool per fixed window.
type QuotaLimit struct {
	Max    int64         `mapstructure:"max" json:"max"`
	Window time.Duration `mapstructure:"window" json:"window"`
}

// WithQuota enforces limits keyed by tool id; the "*" entry applies to tools
// without their own limit. Counting goes through the injected counter so
// several engine instances share one budget.
func WithQuota(counter quota.Counter, limits map[string]QuotaLimit, now func() time.Time) Middleware {
	if now == nil {
		now = time.Now
	}
	return func(next Executor) Executor {
		if counter == nil || len(limits) == 0 {
			return next
		}
		return ExecutorFunc(func(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error) {
			limit, ok := limits[toolID]
			if !ok {
				limit, ok = limits["*"]
			}
			if !ok || limit.Max <= 0 || limit.Window <= 0 {
				return next.Execute(ctx, toolID, params)
			}

			windowStart := now().Truncate(limit.Window)
			key := fmt.Sprintf("tool:%s:%d", toolID, windowStart.Unix())
			count, err := counter.Increment(ctx, key, 1, limit.Window)
			if err != nil {
				return schema.Value{}, schema.NewErrorf(schema.ErrCodeStore, "quota counter: %s", err.Error()).WithCause(err)
			}
			if count > limit.Max {
				return schema.Value{}, schema.NewErrorf(schema.ErrCodeQuotaExceeded,
					"tool %q exceeded %d calls per %s", toolID, limit.Max, limit.Window).
					WithDetails(map[string]any{"tool": toolID, "limit": limit.Max, "window": limit.Window.String()})
			}
			return next.Execute(ctx, toolID, params)
		})
	}
}
