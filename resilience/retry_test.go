package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowplane/flowplane/core"
)

func fastRetryConfig(maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), core.IsTransient, func() error {
		calls++
		if calls < 3 {
			return core.ErrTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), core.IsTransient, func() error {
		calls++
		return core.ErrPermanent
	})
	if !errors.Is(err, core.ErrPermanent) {
		t.Fatalf("Retry() = %v, want ErrPermanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent error)", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), core.IsTransient, func() error {
		calls++
		return core.ErrTransient
	})
	if !errors.Is(err, core.ErrTransient) {
		t.Fatalf("Retry() = %v, want last transient error", err)
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Retry() = %v, want ErrMaxRetriesExceeded on exhaustion", err)
	}
	// Initial call plus three retries.
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestRetryZeroAttemptsMeansSingleCall(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), fastRetryConfig(0), core.IsTransient, func() error {
		calls++
		return core.ErrTransient
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := &RetryConfig{
		MaxAttempts:   10,
		InitialDelay:  time.Hour, // only cancellation can end the wait
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, core.IsTransient, func() error {
			return core.ErrTransient
		})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Retry() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not observe cancellation")
	}
}

func TestRetryDefaultsWhenConfigNil(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), nil, nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("Retry() = %v with %d calls, want nil and 1", err, calls)
	}
}
