package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrRateLimited    ErrorType = "RATE_LIMITED"
	ErrUserBanned     ErrorType = "USER_BANNED"
	ErrBotDetected    ErrorType = "BOT_BEHAVIOR_DETECTED"
	ErrIntegrity      ErrorType = "INTEGRITY_VIOLATION"
	ErrWriteFailed    ErrorType = "WRITE_FAILED"
	ErrReadFailed     ErrorType = "READ_FAILED"
	ErrInvalidConfig  ErrorType = "INVALID_CONFIG"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewRateLimited(msg string) *AppError {
	return New(ErrRateLimited, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewInvalidConfig(msg string) *AppError {
	return New(ErrInvalidConfig, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrRateLimited, ErrUserBanned, ErrBotDetected:
		return http.StatusTooManyRequests
	case ErrInvalidRequest, ErrInvalidConfig:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrIntegrity, ErrWriteFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrRateLimited:
		return "Slow down and retry after the indicated interval."
	case ErrUserBanned:
		return "Wait for the ban to expire or contact support."
	case ErrBotDetected:
		return "Vary request timing; automated traffic is throttled."
	case ErrIntegrity:
		return "Run the inspector against the affected log range."
	case ErrWriteFailed:
		return "Retry the flush; entries remain buffered."
	case ErrInvalidConfig:
		return "Fix the configuration file and restart."
	default:
		return ""
	}
}
