package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Callers MUST use these instead of hardcoded strings.
const (
	// Validation (400). These are configuration errors raised while building
	// a threshold or an index configuration.
	ErrCodeValidationInvalidQuery         ErrorCode = "validation_invalid_query"
	ErrCodeValidationMissingVarName       ErrorCode = "validation_missing_threshold_var_name"
	ErrCodeValidationThresholdNotBuilt    ErrorCode = "validation_threshold_not_built"
	ErrCodeValidationUnknownOperator      ErrorCode = "validation_unknown_operator"
	ErrCodeValidationMixedSequence        ErrorCode = "validation_mixed_threshold_sequence"
	ErrCodeValidationInvalidPercentile    ErrorCode = "validation_invalid_percentile"
	ErrCodeValidationInvalidWindow        ErrorCode = "validation_invalid_window"
	ErrCodeValidationInvalidPeriod        ErrorCode = "validation_invalid_base_period"
	ErrCodeValidationInvalidInterpolation ErrorCode = "validation_invalid_interpolation"
	ErrCodeValidationInvalidFrequency     ErrorCode = "validation_invalid_frequency"
	ErrCodeValidationUnknownUnit          ErrorCode = "validation_unknown_unit"
	ErrCodeValidationIncompatibleUnits    ErrorCode = "validation_incompatible_units"
	ErrCodeValidationInvalidSeries        ErrorCode = "validation_invalid_series"
	ErrCodeValidationMissingField         ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON          ErrorCode = "validation_invalid_json"
	ErrCodeValidationBlockedHost          ErrorCode = "validation_blocked_dataset_host"
	ErrCodeValidationBlockedPath          ErrorCode = "validation_blocked_dataset_path"

	// Not Found (404)
	ErrCodeNotFoundDataset   ErrorCode = "not_found_dataset"
	ErrCodeNotFoundVariable  ErrorCode = "not_found_variable"
	ErrCodeNotFoundThreshold ErrorCode = "not_found_threshold"
	ErrCodeNotFoundField     ErrorCode = "not_found_percentile_field"

	// Internal/Upstream (500/502)
	ErrCodeInternalNotImplemented    ErrorCode = "internal_not_implemented"
	ErrCodeInternalUnexpected        ErrorCode = "internal_unexpected_error"
	ErrCodeInternalDB                ErrorCode = "internal_database_error"
	ErrCodeInternalDatasetCorruption ErrorCode = "internal_dataset_corruption"
	ErrCodeUpstreamDataset           ErrorCode = "upstream_dataset_unavailable"
	ErrCodeUpstreamQueue             ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamRateLimited       ErrorCode = "upstream_rate_limited"
)

// ErrorCategory groups error codes into the three failure families callers
// branch on.
type ErrorCategory string

const (
	// CategoryConfiguration covers malformed or inconsistent user input.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryInternal covers states the library does not know how to handle.
	CategoryInternal ErrorCategory = "internal"
	// CategoryCollaborator covers failures reported by data access or other
	// external collaborators.
	CategoryCollaborator ErrorCategory = "collaborator"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Category reports which failure family the code belongs to.
func (c ErrorCode) Category() ErrorCategory {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "not_found_"), strings.HasPrefix(s, "upstream_"):
		return CategoryCollaborator
	default:
		return CategoryInternal
	}
}

// AppError is the standard application error type used throughout climdex.
// Domain and handler errors are expressed as AppError so they format,
// map to HTTP statuses and unwrap consistently.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsCode reports whether err is, or wraps, an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CategoryOf returns the failure family of err. Errors that are not
// AppErrors are treated as internal.
func CategoryOf(err error) ErrorCategory {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Category()
	}
	return CategoryInternal
}
