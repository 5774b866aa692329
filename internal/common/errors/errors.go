// Package errors provides custom error types for the orchestrator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Session-manager operation failures.
	ErrCodeUnknownProject       = "UNKNOWN_PROJECT"
	ErrCodeSpawnPolicy          = "SPAWN_POLICY"
	ErrCodeTrackerAuthFailure   = "TRACKER_AUTH_FAILURE"
	ErrCodeSessionNotFound      = "SESSION_NOT_FOUND"
	ErrCodeSessionNotRestorable = "SESSION_NOT_RESTORABLE"
	ErrCodeWorkspaceMissing     = "WORKSPACE_MISSING"
	ErrCodePluginNotFound       = "PLUGIN_NOT_FOUND"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ServiceUnavailable creates an error for a subsystem that is not running.
func ServiceUnavailable(message string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnknownProject creates an error for a project id that is not configured.
func UnknownProject(projectID string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownProject,
		Message:    fmt.Sprintf("project '%s' is not configured", projectID),
		HTTPStatus: http.StatusBadRequest,
	}
}

// SpawnPolicy creates an error for a spawn blocked by policy before any side effects.
func SpawnPolicy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnPolicy,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// TrackerAuthFailure creates an error for a tracker lookup that failed for a
// reason other than the issue not existing. Spawn aborts without side effects.
func TrackerAuthFailure(issueID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTrackerAuthFailure,
		Message:    fmt.Sprintf("tracker lookup for issue '%s' failed", issueID),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// SessionNotFound creates an error for a session id with no active or archived metadata.
func SessionNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotFound,
		Message:    fmt.Sprintf("session '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionNotRestorable creates an error for a restore attempt on a session
// whose status does not permit restoration.
func SessionNotRestorable(id string, status string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotRestorable,
		Message:    fmt.Sprintf("session '%s' with status '%s' cannot be restored", id, status),
		HTTPStatus: http.StatusConflict,
	}
}

// WorkspaceMissing creates an error for a restore whose workspace is gone and
// whose workspace plugin cannot recreate it.
func WorkspaceMissing(id string, path string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkspaceMissing,
		Message:    fmt.Sprintf("workspace '%s' for session '%s' is missing and cannot be restored", path, id),
		HTTPStatus: http.StatusConflict,
	}
}

// PluginNotFound creates an error for a plugin slot/name with no registered instance.
func PluginNotFound(slot string, name string) *AppError {
	return &AppError{
		Code:       ErrCodePluginNotFound,
		Message:    fmt.Sprintf("no %s plugin registered under name '%s'", slot, name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error of any resource kind.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeSessionNotFound
	}
	return false
}

// IsSessionNotFound checks if the error is a session not found error.
func IsSessionNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeSessionNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict-class error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict ||
			appErr.Code == ErrCodeSessionNotRestorable ||
			appErr.Code == ErrCodeWorkspaceMissing
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
