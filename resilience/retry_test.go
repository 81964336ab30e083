package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartmaint/backbone/core"
)

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), ConstantRetryConfig(3, time.Millisecond), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), ConstantRetryConfig(3, time.Millisecond), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
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

func TestRetry_ExhaustsAttemptsAndWrapsMaxRetriesExceeded(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), ConstantRetryConfig(3, time.Millisecond), func() error {
		calls++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting all attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("expected errors.Is(err, core.ErrMaxRetriesExceeded), got %v", err)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, ConstantRetryConfig(5, time.Millisecond), func() error {
		calls++
		return errors.New("should not matter")
	})
	if err == nil {
		t.Fatal("expected a context-cancellation error")
	}
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1 after a pre-cancelled context", calls)
	}
}
