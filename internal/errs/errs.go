// Package errs defines the typed error taxonomy surfaced to clients.
//
// Every failure a client can act on is an *Error carrying a stable Code.
// The HTTP layer maps codes to status codes with HTTPStatus; everything
// else inspects errors with Is or As.
//
// Taxonomy:
//   - Malformed request (ACTION_*, TIME_SPEC_INVALID): fix the payload and retry
//     with a fresh idempotency key.
//   - Policy (MODULE_LOCKED, RISK_EXCEEDS_POLICY, DEPENDENCY_VIOLATION): terminal
//     for the bundle.
//   - Concurrency (STALE_STATE_VERSION, IDEMPOTENCY_KEY_CONFLICT): refresh state
//     and re-plan.
//   - Capacity (QUEUE_FULL_RETRY): retry after RetryAfterMs.
//   - CONFIRMATION_TOKEN_EXPIRED: re-validate.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes client-visible errors.
type Code string

const (
	CodeActionOutOfRange      Code = "ACTION_OUT_OF_RANGE"
	CodeActionPathUnknown     Code = "ACTION_PATH_UNKNOWN"
	CodeActionTypeUnsupported Code = "ACTION_TYPE_UNSUPPORTED"
	CodeTimeSpecInvalid       Code = "TIME_SPEC_INVALID"

	CodeModuleLocked        Code = "MODULE_LOCKED"
	CodeRiskExceedsPolicy   Code = "RISK_EXCEEDS_POLICY"
	CodeDependencyViolation Code = "DEPENDENCY_VIOLATION"

	CodeStaleStateVersion      Code = "STALE_STATE_VERSION"
	CodeIdempotencyKeyConflict Code = "IDEMPOTENCY_KEY_CONFLICT"

	CodeQueueFullRetry Code = "QUEUE_FULL_RETRY"

	CodeConfirmationTokenExpired Code = "CONFIRMATION_TOKEN_EXPIRED"
	CodeConfirmationRequired     Code = "CONFIRMATION_REQUIRED"
	CodeValidationNotFound       Code = "VALIDATION_NOT_FOUND"
	CodeValidationMismatch       Code = "VALIDATION_MISMATCH"
	CodeValidationFailed         Code = "VALIDATION_FAILED"

	CodeBundleNotFound Code = "BUNDLE_NOT_FOUND"
	CodeHistoryEmpty   Code = "HISTORY_EMPTY"

	CodeBadRequest     Code = "BAD_REQUEST"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeSessionExpired Code = "SESSION_EXPIRED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
)

// Error is the structured error returned by the core and serialized as
// {code, message, details, suggestions?}.
type Error struct {
	Code         Code           `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Suggestions  []string       `json:"suggestions,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`

	// Err is the underlying cause, if any. Not serialized.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns e after setting a detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion returns e after appending a remediation hint.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestions = append(e.Suggestions, s)
	return e
}

// New creates an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts an *Error from err. Uses errors.As so wrapped errors match.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// StaleStateVersion reports an optimistic-concurrency precondition failure.
func StaleStateVersion(expected, current int64) *Error {
	return New(CodeStaleStateVersion, "state version %d is stale (current %d)", expected, current).
		WithDetail("expected", expected).
		WithDetail("current", current).
		WithSuggestion("refetch state and re-plan the bundle")
}

// IdempotencyConflict reports reuse of a key with a different payload.
func IdempotencyConflict(key string) *Error {
	return New(CodeIdempotencyKeyConflict, "idempotency key %q was used with a different payload", key).
		WithDetail("idempotencyKey", key).
		WithSuggestion("use a fresh idempotency key for a changed bundle")
}

// QueueFull reports that the command queue cannot admit the bundle.
func QueueFull(capacity int, retryAfterMs int64) *Error {
	e := New(CodeQueueFullRetry, "command queue is full (capacity %d)", capacity).
		WithDetail("capacity", capacity)
	e.RetryAfterMs = retryAfterMs
	return e
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeActionOutOfRange, CodeActionPathUnknown, CodeActionTypeUnsupported,
		CodeTimeSpecInvalid, CodeConfirmationTokenExpired, CodeConfirmationRequired,
		CodeValidationMismatch, CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case CodeModuleLocked, CodeRiskExceedsPolicy, CodeDependencyViolation, CodeForbidden:
		return http.StatusForbidden
	case CodeStaleStateVersion, CodeIdempotencyKeyConflict, CodeHistoryEmpty:
		return http.StatusConflict
	case CodeQueueFullRetry:
		return http.StatusTooManyRequests
	case CodeValidationNotFound, CodeBundleNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeSessionExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
