package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines retry behavior for outbound calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
	// RetryableStatusCodes defines which HTTP status codes should trigger retries.
	RetryableStatusCodes map[int]bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusTooManyRequests:    true, // 429
			http.StatusBadGateway:         true, // 502
			http.StatusServiceUnavailable: true, // 503
			http.StatusGatewayTimeout:     true, // 504
		},
	}
}

// RetryPolicy determines if a call should be retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 2 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = DefaultRetryConfig().RetryableStatusCodes
	}

	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether another attempt is allowed for the observed
// status code or transport error.
func (rp *RetryPolicy) ShouldRetry(statusCode int, err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if err != nil {
		// The caller's deadline is shared by every attempt.
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return rp.config.RetryableStatusCodes[statusCode]
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Do runs fn until it reports a 2xx status, a non-retryable outcome, or the
// attempts are exhausted. The last status code is always returned.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (int, error)) (int, error) {
	var (
		statusCode int
		lastErr    error
	)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return statusCode, err
		}

		statusCode, lastErr = fn(ctx)
		if lastErr == nil && statusCode >= 200 && statusCode < 300 {
			return statusCode, nil
		}

		if !rp.ShouldRetry(statusCode, lastErr, attempt) {
			if attempt == 0 || attempt < rp.config.MaxRetries {
				// Not a retryable outcome: hand it back untouched.
				return statusCode, lastErr
			}
			if lastErr != nil {
				return statusCode, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
			}
			return statusCode, nil
		}

		select {
		case <-ctx.Done():
			return statusCode, ctx.Err()
		case <-time.After(rp.CalculateBackoff(attempt)):
		}
	}
}
