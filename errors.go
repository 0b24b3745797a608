package mangaflow

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeThrottling       = "THROTTLING"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeExternalService  = "EXTERNAL_SERVICE_ERROR"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeInternalError    = "INTERNAL_ERROR"

	// Continuation API codes
	ErrCodeStoryNotFound        = "STORY_NOT_FOUND"
	ErrCodeStoryNotCompleted    = "STORY_NOT_COMPLETED"
	ErrCodePreferencesNotFound  = "PREFERENCES_NOT_FOUND"
	ErrCodeWorkflowNotFound     = "WORKFLOW_NOT_FOUND"
	ErrCodeRequestNotFound      = "REQUEST_NOT_FOUND"
	ErrCodeEpisodeNumberClaimed = "EPISODE_NUMBER_CLAIMED"
)

// Store sentinels. Conditional-check failures are expected under races and
// are reported separately from every other store error.
var (
	ErrAlreadyExists   = errors.New("item already exists")
	ErrItemNotFound    = errors.New("item not found")
	ErrConditionFailed = errors.New("conditional check failed")
)

// AppError is the error type carried across component boundaries
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Retryable  bool                   `json:"-"`
	Cause      error                  `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the declared code, used by retry classification
func (e *AppError) ErrorCode() string {
	return e.Code
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause attaches the underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func newAppError(code, message string, status int, retryable bool) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
		Retryable:  retryable,
		Timestamp:  time.Now().UTC(),
	}
}

// NewAppError creates an error with an explicit code and HTTP status
func NewAppError(code, message string, status int) *AppError {
	return newAppError(code, message, status, false)
}

// ValidationError reports bad or missing input. Never retried.
func ValidationError(message string) *AppError {
	return newAppError(ErrCodeValidation, message, http.StatusBadRequest, false)
}

// AuthenticationError reports a missing or invalid identity. Never retried.
func AuthenticationError(message string) *AppError {
	return newAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized, false)
}

// AuthorizationError reports a permission failure. Never retried.
func AuthorizationError(message string) *AppError {
	return newAppError(ErrCodeForbidden, message, http.StatusForbidden, false)
}

// NotFoundError reports an absent resource. Never retried.
func NotFoundError(code, message string) *AppError {
	if code == "" {
		code = ErrCodeNotFound
	}
	return newAppError(code, message, http.StatusNotFound, false)
}

// ConflictError reports concurrent or duplicate state
func ConflictError(code, message string) *AppError {
	if code == "" {
		code = ErrCodeConflict
	}
	return newAppError(code, message, http.StatusConflict, false)
}

// RateLimitError reports that the caller is over its budget
func RateLimitError(message string) *AppError {
	return newAppError(ErrCodeRateLimited, message, http.StatusTooManyRequests, true)
}

// ThrottlingError reports that a collaborator is overloaded
func ThrottlingError(message string) *AppError {
	return newAppError(ErrCodeThrottling, message, http.StatusServiceUnavailable, true)
}

// TimeoutError reports an operation that ran out of time
func TimeoutError(message string) *AppError {
	return newAppError(ErrCodeTimeout, message, http.StatusGatewayTimeout, true)
}

// ExternalServiceError reports a collaborator failure. Only retried when flagged.
func ExternalServiceError(service, message string, retryable bool) *AppError {
	e := newAppError(ErrCodeExternalService, message, http.StatusBadGateway, retryable)
	e.Details = map[string]interface{}{"service": service}
	return e
}

// CircuitOpenError is returned when a breaker rejects a call without invoking it
func CircuitOpenError(dependency string) *AppError {
	e := newAppError(ErrCodeCircuitOpen, fmt.Sprintf("circuit open for %s", dependency), http.StatusServiceUnavailable, false)
	e.Details = map[string]interface{}{"dependency": dependency}
	return e
}

// InternalError is the default catch-all
func InternalError(message string, cause error) *AppError {
	e := newAppError(ErrCodeInternalError, message, http.StatusInternalServerError, true)
	e.Cause = cause
	return e
}

// AsAppError returns err as an *AppError, wrapping unknown errors as internal
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return InternalError(err.Error(), err)
}

// IsRetryable reports whether the error declares itself retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsPermanent reports whether redelivering the same input can never succeed
func IsPermanent(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeValidation, ErrCodeUnauthorized, ErrCodeForbidden, ErrCodeConflict,
		ErrCodeNotFound, ErrCodeMethodNotAllowed,
		ErrCodePreferencesNotFound, ErrCodeStoryNotFound, ErrCodeStoryNotCompleted,
		ErrCodeEpisodeNumberClaimed, ErrCodeWorkflowNotFound, ErrCodeRequestNotFound:
		return true
	}
	return false
}

// Sanitize returns the error as seen by an external caller. In production
// every 5xx error loses its message and details; the code is kept so
// callers can still tell a dependency outage from an internal fault.
func Sanitize(err error, production bool) *AppError {
	appErr := AsAppError(err)
	if appErr == nil {
		return nil
	}

	out := *appErr
	out.Cause = nil
	if out.HTTPStatus == 0 {
		out.HTTPStatus = http.StatusInternalServerError
	}
	if production && out.HTTPStatus >= http.StatusInternalServerError {
		out.Details = nil
		if out.HTTPStatus == http.StatusInternalServerError {
			out.Code = ErrCodeInternalError
			out.Message = "An internal error occurred"
		} else {
			out.Message = "A dependency is temporarily unavailable"
		}
	}
	return &out
}
