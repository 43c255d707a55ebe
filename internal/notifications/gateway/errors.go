package gateway

import (
	"errors"
	"fmt"
	"time"
)

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Provider string
	Code     int
	Message  string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Provider string
	Code     int
	Message  string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// RateLimitError indicates the provider throttled the request.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// IsRetryable returns true as rate limits are temporary.
func (e *RateLimitError) IsRetryable() bool { return true }

// IsRetryable reports whether err is a provider error that may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// GetRetryAfter returns the provider's requested delay, if any.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
