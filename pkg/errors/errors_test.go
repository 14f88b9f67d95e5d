package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should see through AppError to the cause")
	}
	errorMsg := err.Error()
	if !contains(errorMsg, "original error") {
		t.Errorf("Error() should contain cause, got: %v", errorMsg)
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("channel", "voice-1").WithContext("attempt", 2)

	if err.Context["channel"] != "voice-1" {
		t.Errorf("Context[channel] = %v, want 'voice-1'", err.Context["channel"])
	}
	if err.Context["attempt"] != 2 {
		t.Errorf("Context[attempt] = %v, want 2", err.Context["attempt"])
	}
}

func TestNewConflictError(t *testing.T) {
	err := NewConflictError("already in a call")
	if err.Code != ErrCodeConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConflict)
	}
	if err.HTTPStatus != 409 {
		t.Errorf("HTTPStatus = %v, want 409", err.HTTPStatus)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("call")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.Message != "call not found" {
		t.Errorf("Message = %v, want 'call not found'", err.Message)
	}
	if err.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
}

func TestGetAppError_ThroughWrapping(t *testing.T) {
	appErr := NewInvalidInputError("bad request")
	wrapped := fmt.Errorf("handler failed: %w", appErr)

	got := GetAppError(wrapped)
	if got == nil {
		t.Fatal("GetAppError returned nil for wrapped AppError")
	}
	if got.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", got.Code, ErrCodeInvalidInput)
	}
}

func TestGetAppError_PlainError(t *testing.T) {
	if got := GetAppError(errors.New("plain")); got != nil {
		t.Errorf("GetAppError = %v, want nil for plain error", got)
	}
	if got := GetAppError(nil); got != nil {
		t.Errorf("GetAppError(nil) = %v, want nil", got)
	}
}

func TestIsAppError(t *testing.T) {
	if !IsAppError(NewInternalError("boom")) {
		t.Error("IsAppError should be true for AppError")
	}
	if IsAppError(errors.New("plain")) {
		t.Error("IsAppError should be false for plain error")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
