package util

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry and reconnect behavior
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Delay before the first retry
	MaxBackoff     time.Duration // Upper bound for any single delay
	Multiplier     float64       // Backoff multiplier
	Jitter         bool          // Randomize each delay by +/-25%
}

// DefaultRetryConfig is used for REST calls to the hub
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// ReconnectConfig is the hub websocket reconnect schedule:
// 2s, 4s, 8s, ... capped at 60s. MaxRetries is unused by reconnects.
func ReconnectConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// ShouldRetryFunc determines if an error should trigger a retry
type ShouldRetryFunc func(error) bool

// ErrPermanent marks an error that must not be retried
var ErrPermanent = errors.New("permanent error")

// Permanent wraps err so that DefaultShouldRetry rejects it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// DefaultShouldRetry retries everything except context errors and Permanent errors
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Retry executes fn with exponential backoff
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc, shouldRetry ShouldRetryFunc) error {
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Debug("Retry succeeded", "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			slog.Debug("Error not retryable", "error", err)
			return err
		}
		if attempt >= config.MaxRetries {
			slog.Debug("Max retries exhausted", "attempts", attempt+1, "error", err)
			break
		}

		backoff := CalculateBackoff(attempt, config)
		if config.Jitter {
			backoff = time.Duration(float64(backoff) * (0.75 + 0.5*rand.Float64()))
		}
		slog.Debug("Operation failed, retrying",
			"attempt", attempt+1,
			"maxRetries", config.MaxRetries,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// CalculateBackoff returns the delay before retry number attempt (zero based)
func CalculateBackoff(attempt int, config RetryConfig) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(config.InitialBackoff) * math.Pow(config.Multiplier, float64(attempt))
	if backoff > float64(config.MaxBackoff) || math.IsInf(backoff, 0) {
		backoff = float64(config.MaxBackoff)
	}
	return time.Duration(backoff)
}
