package recovery

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/selfheal/internal/agent"
	"github.com/aristath/selfheal/internal/scheduler"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryConfig configures BackoffRetry.
type RetryConfig struct {
	Unit        time.Duration // Delay before the first retry (default 1s)
	MaxAttempts int           // Retries before giving up (default 5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Unit:        time.Second,
		MaxAttempts: 5,
	}
}

// BackoffRetry re-runs the node on the same agent, waiting 2^i units before
// retry i (1, 2, 4, 8, 16 units with the defaults).
type BackoffRetry struct {
	exec    agent.Executor
	cfg     RetryConfig
	sleep   Sleeper
	isFatal func(error) bool
}

// NewBackoffRetry creates the retry strategy. A nil sleep uses SleepContext.
func NewBackoffRetry(exec agent.Executor, cfg RetryConfig, sleep Sleeper) *BackoffRetry {
	defaults := DefaultRetryConfig()
	if cfg.Unit <= 0 {
		cfg.Unit = defaults.Unit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if sleep == nil {
		sleep = SleepContext
	}
	return &BackoffRetry{exec: exec, cfg: cfg, sleep: sleep, isFatal: scheduler.IsFatal}
}

// WithFatal adds caller-defined non-retryable error classes.
func (r *BackoffRetry) WithFatal(isFatal func(error) bool) *BackoffRetry {
	if isFatal != nil {
		r.isFatal = func(err error) bool { return scheduler.IsFatal(err) || isFatal(err) }
	}
	return r
}

func (r *BackoffRetry) Name() string    { return NameBackoffRetry }
func (r *BackoffRetry) Weight() float64 { return 0.9 }

// schedule builds the delay sequence: no jitter, doubling, never reset by
// elapsed time, capped at MaxAttempts.
func (r *BackoffRetry) schedule() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Unit
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = time.Duration(math.MaxInt64)
	policy.MaxElapsedTime = 0
	policy.Reset()
	return backoff.WithMaxRetries(policy, uint64(r.cfg.MaxAttempts))
}

// Attempt retries the node until it succeeds, a fatal error occurs, or the
// retries run out.
func (r *BackoffRetry) Attempt(ctx context.Context, a Attempt) (agent.Result, error) {
	b := r.schedule()
	lastErr := a.Err

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if err := r.sleep(ctx, delay); err != nil {
			return agent.Result{}, err
		}

		res, err := invoke(ctx, r.exec, a, a.Node.AgentRef, agent.Options{
			Attempt: attempt,
			Params:  a.Node.Params,
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if r.isFatal(err) || ctx.Err() != nil {
			return agent.Result{}, err
		}
	}
	return agent.Result{}, fmt.Errorf("%d retries failed: %w", r.cfg.MaxAttempts, lastErr)
}
