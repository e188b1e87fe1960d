package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants. Handlers and services MUST use these
// constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail ErrorCode = "validation_invalid_email"
	ErrCodeValidationBatchSize    ErrorCode = "validation_batch_size_invalid"
	ErrCodeValidationNoRecipients ErrorCode = "validation_campaign_has_no_recipients"
	ErrCodeValidationScheduleTime ErrorCode = "validation_schedule_time_in_past"

	// Conflict (409)
	ErrCodeConflictInProgress ErrorCode = "conflict_campaign_in_progress"
	ErrCodeConflictTerminal   ErrorCode = "conflict_campaign_terminal"

	// Not Found (404)
	ErrCodeNotFoundCampaign  ErrorCode = "not_found_campaign"
	ErrCodeNotFoundRecipient ErrorCode = "not_found_recipient"

	// Limits (429)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeInternalMemoryGuard ErrorCode = "internal_memory_ceiling_exceeded"
	ErrCodeUpstreamEmail       ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
	ErrCodeEmailBlocked        ErrorCode = "email_blocked"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodeRateLimit || c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the application error type carrying a typed code, a safe
// client-facing message, and the wrapped underlying error.
type AppError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// NewAppError creates an AppError wrapping the given underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates an AppError carrying structured details that
// are safe to expose to clients (field names, expected types).
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Details: details, Err: err}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status for the error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// IsRetryable reports whether the error represents a transient upstream
// condition the caller may retry. Blocked addresses and validation failures
// are permanent.
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeUpstreamRateLimited, ErrCodeUpstreamUnavailable,
		ErrCodeUpstreamEmail, ErrCodeUpstreamQueue:
		return true
	}
	return false
}
