package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls the per-job attempt budget and exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first try.
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = none, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// AttemptTimeout bounds each attempt. A timed-out attempt counts as a
	// failure. Zero means no per-attempt deadline.
	AttemptTimeout time.Duration

	// ShouldRetry decides whether a failed attempt may be retried. If nil,
	// every error except a permanent one is retried.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt number that
	// just failed and its error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the default stage job budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. It returns the number of attempts made and the last error.
// Context cancellation stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) (int, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !IsPermanent(err) }
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = runAttempt(ctx, cfg.AttemptTimeout, attempt, fn)
		if lastErr == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, lastErr
		}
		if !shouldRetry(lastErr) {
			return attempts, lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(Backoff(attempt-1, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, lastErr
		case <-timer.C:
		}
	}
	return attempts, lastErr
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// Backoff returns the delay after the given zero-based retry index.
func Backoff(retry int, cfg RetryConfig) time.Duration {
	cfg = applyDefaults(cfg)
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(retry))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry of a stage job.
func RetryLogger(stage, jobID string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying stage job",
			zap.String("stage", stage),
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
