// Package errors provides structured error types for the Vigil ingestion
// core. All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryDedup      ErrorCategory = "DEDUP"
	ErrCategoryBudget     ErrorCategory = "BUDGET"
	ErrCategoryDispatch   ErrorCategory = "DISPATCH"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidEnvelope = "INVALID_ENVELOPE"
	CodeEmptyDeviceID   = "EMPTY_DEVICE_ID"
	CodeBadTimestamp    = "BAD_TIMESTAMP"

	// Schema codes
	CodeSchemaConflict   = "SCHEMA_CONFLICT"
	CodeSchemaRegression = "SCHEMA_REGRESSION"
	CodeUnknownSchema    = "UNKNOWN_SCHEMA"

	// Dedup codes. DuplicateEvent is an idempotent no-op for callers, not a
	// failure; it carries the prior decision.
	CodeDuplicateEvent = "DUPLICATE_EVENT"

	// Budget codes
	CodeBudgetExceeded = "BUDGET_EXCEEDED"

	// Dispatch codes
	CodeDispatchFailed  = "DISPATCH_FAILED"
	CodeDispatchTimeout = "DISPATCH_TIMEOUT"

	// Storage codes
	CodeWriteFailed    = "WRITE_FAILED"
	CodeReadFailed     = "READ_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeAuditConflict  = "AUDIT_CONFLICT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// VigilError is the structured error type used throughout the system.
type VigilError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *VigilError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *VigilError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *VigilError) Is(target error) bool {
	var t *VigilError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new VigilError.
func New(category ErrorCategory, code, message string) *VigilError {
	return &VigilError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new VigilError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *VigilError {
	return &VigilError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *VigilError) WithDetails(details map[string]interface{}) *VigilError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ve *VigilError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a VigilError.
func GetCategory(err error) ErrorCategory {
	var ve *VigilError
	if errors.As(err, &ve) {
		return ve.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a VigilError.
func GetCode(err error) string {
	var ve *VigilError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// isRetryable determines if an error code represents a transient condition.
// Structural rejections (bad input, schema conflicts, budget sheds) must be
// surfaced to the caller, never retried locally.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryDispatch && code == CodeDispatchFailed:
		return true
	case category == ErrCategoryDispatch && code == CodeDispatchTimeout:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *VigilError {
	return New(ErrCategoryValidation, code, message)
}

func NewSchemaConflict(message string) *VigilError {
	return New(ErrCategorySchema, CodeSchemaConflict, message)
}

func NewDuplicateEvent(message string) *VigilError {
	return New(ErrCategoryDedup, CodeDuplicateEvent, message)
}

func NewBudgetExceeded(message string) *VigilError {
	return New(ErrCategoryBudget, CodeBudgetExceeded, message)
}

func NewDispatchError(code, message string, cause error) *VigilError {
	return Wrap(ErrCategoryDispatch, code, message, cause)
}

func NewStorageError(code, message string, cause error) *VigilError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *VigilError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
