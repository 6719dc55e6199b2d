package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the worker budget or a quota was exhausted.
	// Callers may retry later.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict such as an identity collision.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Validation and identity errors are always permanent.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the identifier of the entity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s", e.Resource)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when they share class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// CodeOf returns the code of the first EngineError in the chain, or ErrCodeInternal.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// Error codes.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeInvalidIdentity       = "INVALID_IDENTITY"
	ErrCodeInvalidScope          = "INVALID_SCOPE"
	ErrCodeInvalidGoal           = "INVALID_GOAL"
	ErrCodeStrategyNotFound      = "STRATEGY_NOT_FOUND"
	ErrCodeIncompatibleStrategy  = "INCOMPATIBLE_STRATEGY"
	ErrCodeDuplicateEntry        = "DUPLICATE_ENTRY"
	ErrCodeOverloaded            = "OVERLOADED"
	ErrCodeStrategyFailed        = "STRATEGY_EXECUTION_FAILED"
	ErrCodeInvalidTransition     = "INVALID_STATE_TRANSITION"
	ErrCodeOperationNotPermitted = "OPERATION_NOT_PERMITTED"
	ErrCodePermissionDenied      = "PERMISSION_DENIED"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They carry only class and code.
var (
	ErrNotFound              = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrInvalidIdentity       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidIdentity}
	ErrInvalidScope          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidScope}
	ErrGoalNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidGoal}
	ErrStrategyNotFound      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStrategyNotFound}
	ErrIncompatibleStrategy  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeIncompatibleStrategy}
	ErrDuplicateEntry        = &EngineError{Class: ErrorClassConflict, Code: ErrCodeDuplicateEntry}
	ErrOverloaded            = &EngineError{Class: ErrorClassThrottled, Code: ErrCodeOverloaded}
	ErrStrategyFailed        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStrategyFailed}
	ErrInvalidTransition     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidTransition}
	ErrOperationNotPermitted = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeOperationNotPermitted}
	ErrPermissionDenied      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePermissionDenied}
	ErrCancelled             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCancelled}
	ErrValidation            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
)

// NotFound builds a NOT_FOUND error for the given kind of entity.
func NotFound(kind, ref string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s %s could not be found", kind, ref), nil).
		WithCode(ErrCodeNotFound).
		WithResource(ref)
}

// InvalidIdentity builds an INVALID_IDENTITY error.
func InvalidIdentity(ref string) *EngineError {
	return NewPermanentError(fmt.Sprintf("expected a uuid or int but received %q", ref), nil).
		WithCode(ErrCodeInvalidIdentity).
		WithResource(ref)
}

// DuplicateEntry builds a DUPLICATE_ENTRY error.
func DuplicateEntry(kind, ref string, err error) *EngineError {
	return NewConflictError(fmt.Sprintf("%s with uuid %s already exists", kind, ref), err).
		WithCode(ErrCodeDuplicateEntry).
		WithResource(ref)
}

// InvalidScope builds an INVALID_SCOPE error.
func InvalidScope(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeInvalidScope)
}

// Overloaded builds an OVERLOADED error.
func Overloaded(message string, err error) *EngineError {
	return NewThrottledError(message, err).WithCode(ErrCodeOverloaded)
}

// StrategyFailed wraps a failure raised by a strategy or collector.
func StrategyFailed(strategy string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("strategy %s failed", strategy), err).
		WithCode(ErrCodeStrategyFailed).
		WithResource(strategy)
}
