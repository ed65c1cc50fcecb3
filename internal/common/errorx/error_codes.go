package errorx

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryConflict       ErrorCategory = "conflict"
	CategoryInternal       ErrorCategory = "internal"
	CategoryTooLarge       ErrorCategory = "too_large"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// APIError represents a structured API error
type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"category"`
	Severity   Severity       `json:"severity"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// Is matches API errors by code so wrapped copies still compare equal
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.Code == e.Code
}

// JSON returns the error as a JSON string
func (e *APIError) JSON() string {
	out, _ := json.Marshal(e)
	return string(out)
}

func (e *APIError) clone() *APIError {
	c := *e
	c.Details = maps.Clone(e.Details)
	return &c
}

// WithDetail returns a copy of the error carrying key=value
func (e *APIError) WithDetail(key string, value any) *APIError {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]any)
	}
	c.Details[key] = value
	return c
}

// WithMessage returns a copy of the error with a different message
func (e *APIError) WithMessage(msg string) *APIError {
	c := e.clone()
	c.Message = msg
	return c
}

var (
	// Validation Errors (E1000-E1999)
	ErrInvalidInput = &APIError{
		Code:       "E1001",
		Message:    "Invalid input provided",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingField = &APIError{
		Code:       "E1002",
		Message:    "Required field is missing",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	}

	ErrContentLengthMismatch = &APIError{
		Code:       "E1003",
		Message:    "Segment size does not match the presigned length",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	}

	ErrSegmentTooLarge = &APIError{
		Code:       "E1004",
		Message:    "Segment exceeds the maximum size",
		Category:   CategoryTooLarge,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// Authentication Errors (E2000-E2999)
	ErrInvalidUploadToken = &APIError{
		Code:       "E2001",
		Message:    "Upload url is invalid",
		Category:   CategoryAuthentication,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	}

	ErrUploadTokenExpired = &APIError{
		Code:       "E2002",
		Message:    "Upload url has expired",
		Category:   CategoryAuthentication,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusForbidden,
	}

	// Authorization Errors (E3000-E3999)
	ErrUnknownSite = &APIError{
		Code:       "E3001",
		Message:    "Site is not accepted by this server",
		Category:   CategoryAuthorization,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	}

	// Not Found Errors (E4000-E4999)
	ErrSessionNotFound = &APIError{
		Code:       "E4001",
		Message:    "Session not found",
		Category:   CategoryNotFound,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	}

	// Conflict Errors (E4090-E4099)
	ErrUploadTokenUsed = &APIError{
		Code:       "E4091",
		Message:    "Upload url was already used",
		Category:   CategoryConflict,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusConflict,
	}

	// Internal Server Errors (E5000-E5999)
	ErrInternalServer = &APIError{
		Code:       "E5001",
		Message:    "Internal server error occurred",
		Category:   CategoryInternal,
		Severity:   SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrDatabaseError = &APIError{
		Code:       "E5002",
		Message:    "Database operation failed",
		Category:   CategoryInternal,
		Severity:   SeverityError,
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrStorageError = &APIError{
		Code:       "E5003",
		Message:    "Segment storage failed",
		Category:   CategoryInternal,
		Severity:   SeverityError,
		HTTPStatus: http.StatusInternalServerError,
	}
)

// ValidationError creates a validation error for one field
func ValidationError(field string, reason string) *APIError {
	return ErrInvalidInput.WithDetail("field", field).WithDetail("reason", reason)
}

// MissingField creates an error naming the absent fields
func MissingField(fields ...string) *APIError {
	return ErrMissingField.WithDetail("fields", slices.Clone(fields))
}
