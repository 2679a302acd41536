package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls the backoff schedule of Retry. Zero fields take their
// defaults.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Retryable reports whether a failed attempt may be repeated. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.1
	}
	if c.Retryable == nil {
		c.Retryable = func(error) bool { return true }
	}
	return c
}

// delay is the jittered backoff before attempt+1.
func (c RetryConfig) delay(attempt int) time.Duration {
	backoff := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	backoff += backoff * c.JitterFraction * (2*rand.Float64() - 1)
	return time.Duration(min(max(backoff, float64(c.InitialDelay)/2), float64(c.MaxDelay)))
}

// Retry calls fn until it succeeds, the attempts run out, ctx is done or
// cfg.Retryable rejects the error. The last error is wrapped in the result.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", name)

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if attempt == cfg.MaxAttempts {
			return fmt.Errorf("all %d attempts failed for %s: %w", cfg.MaxAttempts, name, err)
		}
		if !cfg.Retryable(err) {
			return fmt.Errorf("%s failed with a permanent error: %w", name, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}

		wait := cfg.delay(attempt)
		logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"error", err,
			"next_delay", wait,
		)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted during backoff: %w", ctx.Err())
		}
	}
}
