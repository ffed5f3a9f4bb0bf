package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/flowplane/flowplane/core"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides the reference defaults: 100ms base, factor 2,
// 5s cap.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retryable decides whether an error is worth another attempt.
type Retryable func(error) bool

// Retry executes fn with exponential backoff. Only errors the classifier
// accepts are retried; the first non-retryable error returns immediately.
// The attempt count is MaxAttempts retries on top of the initial call.
// When the retry budget is spent on a retryable error, the returned error
// wraps both ErrMaxRetriesExceeded and the last attempt's error.
func Retry(ctx context.Context, config *RetryConfig, retryable Retryable, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if retryable == nil {
		retryable = core.IsTransient
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt == config.MaxAttempts {
			break
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		wait := delay
		if config.JitterEnabled {
			// Deterministic phase jitter keeps synchronized clients
			// from retrying in lockstep.
			wait += time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt+1)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if config.MaxAttempts > 0 && retryable(lastErr) {
		return fmt.Errorf("%w: %w", core.ErrMaxRetriesExceeded, lastErr)
	}
	return lastErr
}
