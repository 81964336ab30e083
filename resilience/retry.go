// Package resilience provides retry and circuit-breaking helpers shared by
// the code that calls out to collaborators (historical-reading fetches,
// notification providers, the anomaly-detection agent's publish path). It is kept
// independent of package core's internals beyond the error taxonomy so it
// can be imported freely without creating an import cycle back into core.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/smartmaint/backbone/core"
)

// RetryConfig configures Retry's backoff behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig backs off exponentially with jitter, sensible for
// calls to an external service whose failures are likely transient.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// ConstantRetryConfig makes up to maxAttempts attempts in total, with a
// fixed delay between them and no backoff — the shape the anomaly-detection ensemble's publish path uses:
// up to 3 attempts, 100 ms delay.
func ConstantRetryConfig(maxAttempts int, delay time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1.0,
		JitterEnabled: false,
	}
}

// Retry executes fn up to config.MaxAttempts times, sleeping between
// attempts per the configured backoff, and returns the final error wrapped
// with core.ErrMaxRetriesExceeded when every attempt fails.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
