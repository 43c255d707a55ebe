package notifications

import "errors"

// Engine errors.
var (
	ErrInvalidNotification = errors.New("invalid notification data")
	ErrTypeDisabled        = errors.New("type disabled by user")
	ErrBudgetExceeded      = errors.New("sms monthly budget exceeded")
	ErrNoTransport         = errors.New("no transport configured for channel")
	ErrUnknownPriority     = errors.New("unknown priority")
	ErrDeferFailed         = errors.New("notification could not be deferred")
)

// Store errors.
var (
	ErrPreferencesNotFound = errors.New("recipient preferences not found")
	ErrQueueItemNotFound   = errors.New("deferred notification not found")
)

// RetryableError wraps a transport error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
