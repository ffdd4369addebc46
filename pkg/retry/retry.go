// pkg/retry/retry.go - functions for retrying actions with exponential backoff.

package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/windowsadmins/autopackager/pkg/logging"
)

// NonRetryableError interface for errors that should not be retried
type NonRetryableError interface {
	error
	NonRetryable()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) NonRetryable() {}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryConfig defines the configuration for retry attempts
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
}

// sleep waits for d or until ctx is done; replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry retries a given function with exponential backoff
func Retry(ctx context.Context, config RetryConfig, action func() error) error {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1
	}
	interval := config.InitialInterval

	var lastErr error
	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		err := action()
		if err == nil {
			return nil
		}
		lastErr = err

		var nonRetryableErr NonRetryableError
		if errors.As(err, &nonRetryableErr) {
			logging.Warn("Non-retryable error encountered", "error", err, "attempt", attempt)
			return err
		}

		// Improve error message for common 404 errors
		errorMsg := err.Error()
		if strings.Contains(strings.ToLower(errorMsg), "unexpected http status code: 404") {
			errorMsg = "file not found (404): resource may have been moved or deleted"
		}

		if attempt == config.MaxRetries {
			logging.Warn(fmt.Sprintf("Attempt %d/%d failed: %s. No more retries.", attempt, config.MaxRetries, errorMsg),
				"attempt", attempt, "max_attempts", config.MaxRetries, "final_failure", true)
			break
		}

		logging.Warn(fmt.Sprintf("Attempt %d/%d failed: %s. Retrying in %s...", attempt, config.MaxRetries, errorMsg, interval),
			"attempt", attempt, "max_attempts", config.MaxRetries, "retry_delay", interval.String())

		if err := sleep(ctx, interval); err != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
		}
		interval = time.Duration(float64(interval) * config.Multiplier)
	}

	return fmt.Errorf("action failed after %d attempts: %w", config.MaxRetries, lastErr)
}
