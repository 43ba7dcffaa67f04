package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Call problems. These are the codes that reach the call problem slot.
	ErrCodeCallInvalidState      ErrorCode = "CALL_INVALID_STATE"
	ErrCodeSignalingUnreachable  ErrorCode = "SIGNALING_UNREACHABLE"
	ErrCodeMediaPermissionDenied ErrorCode = "MEDIA_PERMISSION_DENIED"
	ErrCodeMediaDeviceInUse      ErrorCode = "MEDIA_DEVICE_IN_USE"
	ErrCodeMediaUnsupported      ErrorCode = "MEDIA_UNSUPPORTED"
	ErrCodePeerConnectionFailed  ErrorCode = "PEER_CONNECTION_FAILED"
	ErrCodeCallRejected          ErrorCode = "CALL_REJECTED"
	ErrCodeCallCancelled         ErrorCode = "CALL_CANCELLED"
	ErrCodeNoAnswer              ErrorCode = "NO_ANSWER"
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

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
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

// NewInvalidStateError is returned when an intent does not fit the current call state.
func NewInvalidStateError(intent, state string) *AppError {
	return NewAppError(ErrCodeCallInvalidState,
		fmt.Sprintf("cannot %s while call is %s", intent, state), http.StatusConflict).
		WithContext("state", state)
}

func NewSignalingUnreachableError(cause error) *AppError {
	return WrapError(cause, ErrCodeSignalingUnreachable, "cannot reach signaling service", http.StatusServiceUnavailable)
}

func NewMediaPermissionError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaPermissionDenied, "microphone or screen access was denied", http.StatusForbidden)
}

func NewMediaDeviceInUseError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaDeviceInUse, "capture device is in use by another application", http.StatusConflict)
}

func NewMediaUnsupportedError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaUnsupported, "requested media constraints are not supported", http.StatusUnprocessableEntity)
}

func NewPeerConnectionFailedError(cause error) *AppError {
	return WrapError(cause, ErrCodePeerConnectionFailed, "connection to the other party was lost", http.StatusBadGateway)
}

func NewCallRejectedError() *AppError {
	return NewAppError(ErrCodeCallRejected, "call was declined", http.StatusOK)
}

func NewCallCancelledError() *AppError {
	return NewAppError(ErrCodeCallCancelled, "caller hung up before the call was answered", http.StatusOK)
}

func NewNoAnswerError() *AppError {
	return NewAppError(ErrCodeNoAnswer, "no answer", http.StatusOK)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
