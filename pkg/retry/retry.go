// Package retry implements the capped exponential backoff shared by the
// viewer reconnection loop and the reporter's direct channel.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Unlimited as MaxRetries keeps retrying until the context ends.
const Unlimited = -1

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first
	// call (default: Unlimited)
	MaxRetries int

	// InitialDelay is the delay before the first retry (default: 1 second)
	InitialDelay time.Duration

	// MaxDelay caps every delay (default: 30 seconds)
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (default: 2.0 for exponential)
	Multiplier float64

	// RespectRetryAfter uses the delay carried by a *RetryAfterError
	// instead of the computed one (default: true)
	RespectRetryAfter bool

	// OnRetry, if set, is called before each wait with the number of the
	// upcoming attempt, the delay and the error that caused it
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the 1s, 2s, 4s ... 30s schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        Unlimited,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		RespectRetryAfter: true,
	}
}

// Delay returns the wait after the given zero-based failed attempt:
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if c.MaxDelay > 0 && (d > float64(c.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d)) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// RetryAfterError asks the caller to wait a specific time before retrying,
// typically from a Retry-After header on a 429 or 503 response.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// FromResponse wraps err in a *RetryAfterError when resp is a 429 or 503
// carrying a usable Retry-After header. Otherwise err is returned as is.
func FromResponse(resp *http.Response, err error) error {
	if resp == nil || err == nil {
		return err
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return err
	}
	after, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	if !ok {
		return err
	}
	return &RetryAfterError{After: after, Err: err}
}

// ParseRetryAfter reads a Retry-After value given either in seconds or as
// an HTTP date. A date in the past yields zero.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(t.Sub(now), 0), true
}

// RetryableFunc is a function that can be retried.
// It should return an error if the operation failed.
type RetryableFunc func() error

// RetryWithBackoff executes fn with exponential backoff between failures.
//
// Example usage:
//
//	err := retry.RetryWithBackoff(ctx, retry.DefaultRetryConfig(), func() error {
//	    return ch.Dial(ctx)
//	})
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithBackoffResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithBackoffResult executes a function with exponential backoff and
// returns its result.
func RetryWithBackoffResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; cfg.MaxRetries < 0 || attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt - 1)

			var rae *RetryAfterError
			if cfg.RespectRetryAfter && errors.As(lastErr, &rae) && rae.After > 0 {
				delay = rae.After
			}
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, delay, lastErr)
			}

			select {
			case <-ctx.Done():
				return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}
		result = res
		lastErr = err
	}

	return result, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}
