package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// APIError is a vendor response that carried an application-level error
// code. Retryable is false for permission/validation codes, which must
// propagate immediately.
type APIError struct {
	Provider  string
	Code      int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: code=%d msg=%s", e.Provider, e.Code, e.Message)
}

// RateLimitError signals a vendor throttling response. Wait is the pause the
// vendor's protocol calls for before the next attempt; a rate-limited
// attempt is not treated as a hard failure.
type RateLimitError struct {
	Provider string
	Code     int
	Wait     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited: code=%d wait=%s", e.Provider, e.Code, e.Wait)
}

// AuthError signals an authentication or session-expiry response. Clients
// re-authenticate once and retry before surfacing it.
type AuthError struct {
	Provider string
	Code     int
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth error: code=%d msg=%s", e.Provider, e.Code, e.Message)
}

// IsRateLimit reports whether err is a vendor rate-limit signal
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsNonRetryable reports whether err is a permanent vendor error
// (permission denied, validation failure).
func IsNonRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable
	}
	return false
}

// MaxAttempts is the bounded retry budget for transient failures
const MaxAttempts = 3

// RetryDelay returns the exponential backoff before the given retry
// (1s, 2s, 4s for attempts 1..3).
func RetryDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// WithRetry runs call up to MaxAttempts times. Transient errors back off
// exponentially; rate-limit errors wait the vendor-signaled duration without
// escalating; non-retryable API errors propagate immediately.
func WithRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err

		var rle *RateLimitError
		if errors.As(err, &rle) {
			wait := rle.Wait
			if wait <= 0 {
				wait = 30 * time.Second
			}
			if err := Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if IsNonRetryable(err) {
			return err
		}

		if attempt < MaxAttempts {
			if err := Sleep(ctx, RetryDelay(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// Sleep waits for d or until the context is cancelled
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
