package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the per-agent-ref circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Trip after this many consecutive failures (default 5)
	OpenTimeout         time.Duration // Stay open this long before probing (default 30s)
	HalfOpenRequests    uint32        // Probes allowed while half-open (default 3)
}

// DefaultBreakerSettings returns the default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// BreakerExecutor wraps an Executor with one circuit breaker per agent ref, so
// an agent that keeps failing stops receiving work for a while. Breaker state
// is shared by every workflow that uses the executor.
type BreakerExecutor struct {
	inner    Executor
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerExecutor wraps inner. A nil logger uses slog.Default().
func NewBreakerExecutor(inner Executor, settings BreakerSettings, logger *slog.Logger) *BreakerExecutor {
	defaults := DefaultBreakerSettings()
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = defaults.ConsecutiveFailures
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = defaults.OpenTimeout
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = defaults.HalfOpenRequests
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerExecutor{
		inner:    inner,
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for agentRef, creating it on first use.
func (b *BreakerExecutor) breaker(agentRef string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[agentRef]; ok {
		return cb
	}

	threshold := b.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentRef,
		MaxRequests: b.settings.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     b.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"agent_ref", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not the agent's fault
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	b.breakers[agentRef] = cb
	return cb
}

// State returns the breaker state for agentRef.
func (b *BreakerExecutor) State(agentRef string) gobreaker.State {
	return b.breaker(agentRef).State()
}

// Run executes through the agent ref's breaker. While the breaker is open the
// call fails immediately with gobreaker.ErrOpenState.
func (b *BreakerExecutor) Run(ctx context.Context, agentRef string, opts Options) (Result, error) {
	out, err := b.breaker(agentRef).Execute(func() (interface{}, error) {
		return b.inner.Run(ctx, agentRef, opts)
	})
	if err != nil {
		if res, ok := out.(Result); ok {
			return res, err
		}
		return Result{}, err
	}
	return out.(Result), nil
}
