package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"livecast/internal/core/domain"
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

	// Check error message includes cause
	errorMsg := err.Error()
	if !strings.Contains(errorMsg, "original error") {
		t.Errorf("Error() should contain cause, got: %v", errorMsg)
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestNewInvalidInputError(t *testing.T) {
	err := NewInvalidInputError("invalid input")
	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}
	if err.HTTPStatus != 400 {
		t.Errorf("HTTPStatus = %v, want 400", err.HTTPStatus)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("device")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	// Direct AppError
	result := GetAppError(appErr)
	if result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	// Wrapped error
	wrapped := WrapError(errors.New("cause"), ErrCodeInternal, "wrapped", 500)
	result = GetAppError(wrapped)
	if result == nil {
		t.Error("GetAppError() should extract AppError from wrapped error")
	}

	// Regular error
	regularErr := errors.New("regular error")
	result = GetAppError(regularErr)
	if result != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
}

func TestGetAppError_FmtWrapped(t *testing.T) {
	appErr := NewConflictError("busy")
	if GetAppError(fmt.Errorf("handler: %w", appErr)) != appErr {
		t.Error("GetAppError() should see through fmt.Errorf wrapping")
	}
}

func TestFromDomain(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"device not found", domain.ErrDeviceNotFound.WithSource("camera:x"), ErrCodeNotFound, http.StatusNotFound},
		{"already attached", domain.ErrDeviceAlreadyAttached, ErrCodeConflict, http.StatusConflict},
		{"not ready", domain.ErrSessionIsNotReady, ErrCodeInvalidState, http.StatusConflict},
		{"metadata too large", domain.ErrMetadataTooLarge, ErrCodeTooLarge, http.StatusRequestEntityTooLarge},
		{"metadata rate", domain.ErrMetadataRateExceeded, ErrCodeRateLimit, http.StatusTooManyRequests},
		{"handshake", domain.ErrHandshakeFailed.AsFatal(), ErrCodeBadGateway, http.StatusBadGateway},
		{"configuration", domain.Errorf(domain.ErrCodeInvalidTargetFramerate, "bad fps"), ErrCodeInvalidConfig, http.StatusUnprocessableEntity},
		{"wrapped", fmt.Errorf("attach: %w", domain.ErrUnsupportedDeviceType), ErrCodeInvalidInput, http.StatusBadRequest},
		{"plain", errors.New("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromDomain(tc.err)
			if got.Code != tc.code || got.HTTPStatus != tc.status {
				t.Fatalf("FromDomain() = %s/%d, want %s/%d", got.Code, got.HTTPStatus, tc.code, tc.status)
			}
			if !errors.Is(got, tc.err) {
				t.Errorf("FromDomain() should keep the original error as cause")
			}
		})
	}
}

func TestFromDomain_Context(t *testing.T) {
	got := FromDomain(domain.ErrHandshakeFailed.WithSource("transport").AsFatal())
	if got.Context["code"] != int(domain.ErrCodeHandshakeFailed) {
		t.Errorf("Context[code] = %v", got.Context["code"])
	}
	if got.Context["source"] != "transport" || got.Context["fatal"] != true || got.Context["origin"] != "session" {
		t.Errorf("unexpected context: %v", got.Context)
	}
	if FromDomain(nil) != nil {
		t.Error("FromDomain(nil) should be nil")
	}
}
