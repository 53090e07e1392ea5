package types

import "fmt"

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// AppError represents a structured error in the clinic scheduler
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so errors.Is works against the sentinels below
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of e carrying details and cause
func (e *AppError) WithDetails(details map[string]interface{}, cause error) *AppError {
	return &AppError{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Common error codes
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeSlotAlreadyTaken     = "SLOT_ALREADY_TAKEN"
	ErrCodeQueueRecomputeFailed = "QUEUE_RECOMPUTE_FAILED"
	ErrCodeQueueSnapshotStale   = "QUEUE_SNAPSHOT_STALE"
	ErrCodeInvariantViolation   = "INVARIANT_VIOLATION"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
)

// Sentinel errors; compare with errors.Is
var (
	ErrSlotAlreadyTaken     = NewConflictError(ErrCodeSlotAlreadyTaken, "slot already taken", nil)
	ErrQueueRecomputeFailed = NewInternalError(ErrCodeQueueRecomputeFailed, "queue recompute failed", nil)
	ErrQueueSnapshotStale   = NewConflictError(ErrCodeQueueSnapshotStale, "waiting list changed during recompute", nil)
	ErrInvariantViolation   = NewConflictError(ErrCodeInvariantViolation, "scheduling invariant violated", nil)
	ErrInvalidTransition    = NewConflictError(ErrCodeInvalidTransition, "invalid status transition", nil)
	ErrNotFound             = NewNotFoundError(ErrCodeNotFound, "resource not found")
)
