package tools

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// CircuitState is the state of one tool's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-tool breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// CircuitBreakers tracks one breaker per tool id.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
	logger   *slog.Logger
}

func NewCircuitBreakers(config CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
		logger:   logger,
	}
}

// Allow returns a CIRCUIT_OPEN error while the tool's circuit rejects calls.
func (c *CircuitBreakers) Allow(toolID string) error {
	b := c.get(toolID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if c.now().Sub(b.lastFailure) >= c.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for tool %q after %d consecutive failures", toolID, b.failures).
			WithDetails(map[string]any{
				"tool":                 toolID,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (c.config.Cooldown - c.now().Sub(b.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= c.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for tool %q: probe in flight", toolID)
		}
		b.halfOpenAttempts++
	}
	return nil
}

func (c *CircuitBreakers) RecordSuccess(toolID string) {
	b := c.get(toolID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (c *CircuitBreakers) RecordFailure(toolID string) CircuitState {
	b := c.get(toolID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = c.now()
	if b.state == CircuitHalfOpen || b.failures >= c.config.FailureThreshold {
		if b.state != CircuitOpen {
			c.logger.Warn("tool circuit opened", "tool", toolID, "failures", b.failures)
		}
		b.state = CircuitOpen
	}
	return b.state
}

func (c *CircuitBreakers) State(toolID string) CircuitState {
	b := c.get(toolID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (c *CircuitBreakers) get(toolID string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[toolID]
	if !ok {
		b = &breaker{}
		c.breakers[toolID] = b
	}
	return b
}

// WithCircuitBreaker rejects calls to tools that keep failing. Validation
// failures do not count against the tool.
func WithCircuitBreaker(c *CircuitBreakers) Middleware {
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error) {
			if err := c.Allow(toolID); err != nil {
				return schema.Value{}, err
			}
			out, err := next.Execute(ctx, toolID, params)
			switch {
			case err == nil:
				c.RecordSuccess(toolID)
			case schema.ErrorCode(err) == schema.ErrCodeValidation, schema.ErrorCode(err) == schema.ErrCodeToolNotFound:
			default:
				c.RecordFailure(toolID)
			}
			return out, err
		})
	}
}
