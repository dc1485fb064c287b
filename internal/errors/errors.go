package errors

import (
	stderrors "errors"
	"fmt"
)

// MatchError is the structured error type for FaultMatch.
// It carries a stable machine-readable code so HTTP handlers can map
// failures to status codes without string matching.
type MatchError struct {
	// Code is the unique error code (e.g., "ERR_401_EMPTY_QUERY").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *MatchError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *MatchError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *MatchError) Is(target error) bool {
	if t, ok := target.(*MatchError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *MatchError) WithDetail(key, value string) *MatchError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new MatchError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *MatchError {
	return &MatchError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a MatchError from an existing error.
func Wrap(code string, err error) *MatchError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates an input validation error.
func ValidationError(message string) *MatchError {
	return New(ErrCodeInvalidInput, message, nil)
}

// NetworkError creates a network-related error. Network errors are retryable.
func NetworkError(message string, cause error) *MatchError {
	return New(ErrCodeNetworkTimeout, message, cause)
}

// CodeOf returns the error code of err, or ERR_501_INTERNAL when err is
// not a MatchError.
func CodeOf(err error) string {
	var me *MatchError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	var me *MatchError
	if stderrors.As(err, &me) {
		return me.Retryable
	}
	return false
}
