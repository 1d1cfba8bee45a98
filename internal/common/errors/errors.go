// Package errors provides the orchestrator's error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeStateConflict       = "STATE_CONFLICT"
	CodeOptimisticLock      = "OPTIMISTIC_LOCK"
	CodeBudgetExceeded      = "BUDGET_EXCEEDED"
	CodeRetryExhausted      = "RETRY_EXHAUSTED"
	CodeTimeout             = "TIMEOUT"
	CodeConnectionError     = "CONNECTION_ERROR"
	CodeAuthenticationError = "AUTHENTICATION_ERROR"
	CodePartialScale        = "PARTIAL_SCALE"
	CodeInternal             = "INTERNAL"
)

// AppError is the orchestrator's error type: a stable code, a human message,
// optional structured detail, and an optionally wrapped cause.
type AppError struct {
	Code    string
	Message string
	Detail  map[string]interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound builds a NotFound error for the given resource/id.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// StateConflict builds a StateConflict error, typically an illegal transition.
func StateConflict(message string) *AppError {
	return &AppError{Code: CodeStateConflict, Message: message}
}

// OptimisticLock builds an OptimisticLock error carrying the expected and
// actual versions observed after exhausting retries.
func OptimisticLock(expected, actual int64) *AppError {
	return &AppError{
		Code:    CodeOptimisticLock,
		Message: fmt.Sprintf("version mismatch: expected %d, actual %d", expected, actual),
		Detail:  map[string]interface{}{"expected": expected, "actual": actual},
	}
}

// BudgetExceeded builds a BudgetExceeded error.
func BudgetExceeded(message string) *AppError {
	return &AppError{Code: CodeBudgetExceeded, Message: message}
}

// RetryExhausted builds a RetryExhausted error.
func RetryExhausted(agentID string, retryCount, maxRetries int) *AppError {
	return &AppError{
		Code:    CodeRetryExhausted,
		Message: fmt.Sprintf("agent %q exhausted retries (%d/%d)", agentID, retryCount, maxRetries),
		Detail:  map[string]interface{}{"retry_count": retryCount, "max_retries": maxRetries},
	}
}

// Timeout builds a Timeout error.
func Timeout(operation string) *AppError {
	return &AppError{Code: CodeTimeout, Message: fmt.Sprintf("%s: deadline exceeded", operation)}
}

// ConnectionError builds a ConnectionError, optionally wrapping a cause.
func ConnectionError(message string, err error) *AppError {
	return &AppError{Code: CodeConnectionError, Message: message, Err: err}
}

// AuthenticationError builds an AuthenticationError.
func AuthenticationError(message string) *AppError {
	return &AppError{Code: CodeAuthenticationError, Message: message}
}

// PartialScale builds a PartialScale error carrying how many spawns/kills
// succeeded and the per-item errors that did not.
func PartialScale(created int, errs []error) *AppError {
	detail := make(map[string]interface{}, 2)
	detail["created"] = created
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	detail["errors"] = msgs
	return &AppError{
		Code:    CodePartialScale,
		Message: fmt.Sprintf("partial scale: %d succeeded, %d failed", created, len(errs)),
		Detail:  detail,
	}
}

// Internal builds an Internal error: an invariant violation, logged at error
// level by the caller and surfaced unchanged.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Wrap wraps err with additional context, preserving its AppError code if it
// already has one; otherwise wraps as Internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Detail:  appErr.Detail,
			Err:     err,
		}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Is reports whether err is an AppError of the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsStateConflict reports whether err is a StateConflict error.
func IsStateConflict(err error) bool { return Is(err, CodeStateConflict) }

// IsOptimisticLock reports whether err is an OptimisticLock error.
func IsOptimisticLock(err error) bool { return Is(err, CodeOptimisticLock) }

// IsBudgetExceeded reports whether err is a BudgetExceeded error.
func IsBudgetExceeded(err error) bool { return Is(err, CodeBudgetExceeded) }

// Code returns the AppError code of err, or "" if err is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
