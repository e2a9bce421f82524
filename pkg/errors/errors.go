package errors

import (
	"errors"
	"fmt"
	"net/http"

	"livecast/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIGURATION"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeTooLarge           ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain maps a session error onto the HTTP surface. The numeric code,
// origin and source travel in Context. Errors that are not *domain.Error
// become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	var de *domain.Error
	if !errors.As(err, &de) {
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}

	code, status := classify(de.Code)
	appErr := WrapError(err, code, de.Message, status)
	appErr.WithContext("code", int(de.Code)).WithContext("origin", de.Code.Origin())
	if de.Source != "" {
		appErr.WithContext("source", de.Source)
	}
	if de.Fatal {
		appErr.WithContext("fatal", true)
	}
	return appErr
}

func classify(code domain.ErrorCode) (ErrorCode, int) {
	switch code {
	case domain.ErrCodeDeviceNotFound, domain.ErrCodeExchangeOldDeviceNotAttached:
		return ErrCodeNotFound, http.StatusNotFound
	case domain.ErrCodeTypeAlreadyAttached, domain.ErrCodeDeviceAlreadyAttached,
		domain.ErrCodeFoundNoMatchingSlot, domain.ErrCodeTooManyExternalAudioInputs,
		domain.ErrCodeDuplicateMixerNames:
		return ErrCodeConflict, http.StatusConflict
	case domain.ErrCodeSessionIsNotReady, domain.ErrCodeInvalidState:
		return ErrCodeInvalidState, http.StatusConflict
	case domain.ErrCodeImageTooLarge, domain.ErrCodePCMDataTooLong, domain.ErrCodeMetadataTooLarge:
		return ErrCodeTooLarge, http.StatusRequestEntityTooLarge
	case domain.ErrCodeMetadataRateExceeded:
		return ErrCodeRateLimit, http.StatusTooManyRequests
	case domain.ErrCodeHandshakeFailed, domain.ErrCodeNetworkConnectivityLost:
		return ErrCodeBadGateway, http.StatusBadGateway
	case domain.ErrCodeEncoderNotFound:
		return ErrCodeServiceUnavailable, http.StatusServiceUnavailable
	}
	if code.Origin() == "configuration" {
		return ErrCodeInvalidConfig, http.StatusUnprocessableEntity
	}
	return ErrCodeInvalidInput, http.StatusBadRequest
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
