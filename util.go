package secevents

import (
	"context"
	"fmt"
	mrand "math/rand"
	"time"

	"southwinds.dev/secevents/persist"
)

const (
	maxRetries = 5
	baseDelay  = 20 * time.Millisecond
	maxDelay   = 500 * time.Millisecond
)

// RetryConfig controls how document writes are retried after a version conflict
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry configuration used by the stores
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func withRetry(ctx context.Context, operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !persist.IsConcurrencyError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * time.Duration(1<<attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		// 25% jitter
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}
