package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestVigilError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeWriteFailed, "write failed")
	expected := "[STORAGE:WRITE_FAILED] write failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestVigilError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryDispatch, CodeDispatchFailed, "delivery failed", cause)
	expected := "[DISPATCH:DISPATCH_FAILED] delivery failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestVigilError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeWriteFailed, "append failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestVigilError_Is(t *testing.T) {
	err1 := New(ErrCategorySchema, CodeSchemaConflict, "first")
	err2 := New(ErrCategorySchema, CodeSchemaConflict, "second")
	err3 := New(ErrCategorySchema, CodeSchemaRegression, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryDispatch, CodeDispatchFailed, true},
		{ErrCategoryDispatch, CodeDispatchTimeout, true},
		{ErrCategoryStorage, CodeWriteFailed, true},
		{ErrCategoryStorage, CodeReadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryStorage, CodeAuditConflict, false},
		{ErrCategoryValidation, CodeInvalidEnvelope, false},
		{ErrCategorySchema, CodeSchemaConflict, false},
		{ErrCategoryBudget, CodeBudgetExceeded, false},
		{ErrCategoryDedup, CodeDuplicateEvent, false},
	}

	for _, tc := range tests {
		err := New(tc.category, tc.code, "test")
		if IsRetryable(err) != tc.retryable {
			t.Errorf("%s:%s retryable = %v, want %v", tc.category, tc.code, IsRetryable(err), tc.retryable)
		}
	}
}

func TestIsRetryable_NonVigilError(t *testing.T) {
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := NewSchemaConflict("field removed")
	if GetCategory(err) != ErrCategorySchema {
		t.Errorf("got category %s, want %s", GetCategory(err), ErrCategorySchema)
	}
	if GetCode(err) != CodeSchemaConflict {
		t.Errorf("got code %s, want %s", GetCode(err), CodeSchemaConflict)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if GetCategory(wrapped) != ErrCategorySchema {
		t.Error("category should be found through wrapping")
	}

	if GetCategory(fmt.Errorf("plain")) != "" {
		t.Error("plain errors should have no category")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewBudgetExceeded("alerts exhausted")
	detailed := err.WithDetails(map[string]interface{}{"dimension": "alerts"})

	if detailed.Details["dimension"] != "alerts" {
		t.Error("details not attached")
	}
	if err.Details != nil {
		t.Error("WithDetails must not mutate the original error")
	}
}
