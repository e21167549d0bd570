package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Kind classifies a failure for retry and recovery purposes.
type Kind string

const (
	// KindTransient matches failures that are expected to clear on their own,
	// such as network timeouts and remote rate limits.
	KindTransient Kind = "transient"

	// KindValidation matches malformed or contradictory input. Never retried.
	KindValidation Kind = "validation"

	// KindDegradable matches failures of optional sub-operations that the
	// pipeline can continue without.
	KindDegradable Kind = "degradable"

	// KindFatal matches failures that cannot be recovered from, such as auth
	// failures or a dependency that is permanently down.
	KindFatal Kind = "fatal"
)

// Action is the terminal recovery action chosen once retries are exhausted or
// disallowed.
type Action string

const (
	ActionManualRetry        Action = "manual_retry"
	ActionUserInputRequired  Action = "user_input_required"
	ActionSkipAndContinue    Action = "skip_and_continue"
	ActionDegradeAndContinue Action = "degrade_and_continue"
	ActionAbortWithPartial   Action = "abort_with_partial"
	ActionCircuitBreakerOpen Action = "circuit_breaker_open"
)

// Error is a classified error. It supports Go's error wrapping patterns.
type Error struct {
	Kind    Kind   `json:"kind"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a classified error with the given kind and cause.
func NewError(kind Kind, cause string) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WrapError wraps err with an explicit classification.
func WrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Cause: err.Error(), Wrapped: err}
}

// ErrorRecord captures the outcome of a failed operation: what failed, how it
// was classified, how many attempts were made, and the recovery action chosen.
type ErrorRecord struct {
	OperationID string    `json:"operation_id"`
	Kind        Kind      `json:"kind"`
	Attempts    int       `json:"attempts"`
	Action      Action    `json:"action"`
	Cause       string    `json:"cause"`
	Timestamp   time.Time `json:"timestamp"`
}

// Classify maps an arbitrary error onto the four-kind taxonomy. Errors that
// are already classified pass through unchanged. Unknown errors default to
// transient so they are retried.
func Classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// A context deadline is the stage's own time budget expiring, not a
		// flaky dependency; retrying under a dead context cannot succeed.
		return &Error{Kind: KindFatal, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, context.Canceled):
		// Cancellation is intentional, don't retry
		return &Error{Kind: KindFatal, Cause: err.Error(), Wrapped: err}
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() || netErr.Temporary() {
			return &Error{Kind: KindTransient, Cause: err.Error(), Wrapped: err}
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		inner := Classify(urlErr.Err)
		return &Error{Kind: inner.Kind, Cause: err.Error(), Wrapped: err}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			return &Error{Kind: KindFatal, Cause: err.Error(), Wrapped: err}
		}
	}
	for _, pattern := range validationPatterns {
		if strings.Contains(msg, pattern) {
			return &Error{Kind: KindValidation, Cause: err.Error(), Wrapped: err}
		}
	}

	// Unknown errors are retried by default
	return &Error{Kind: KindTransient, Cause: err.Error(), Wrapped: err}
}

var fatalPatterns = []string{
	"unauthorized",
	"forbidden",
	"authentication failed",
	"permission denied",
	"permanently",
}

var validationPatterns = []string{
	"invalid",
	"malformed",
	"contradictory",
	"missing required",
	"validation failed",
	"out of range",
}
