// Package apierrors defines the error taxonomy surfaced by the retrieval
// engine. Every error carried across the HTTP boundary is an APIError with a
// SCREAMING_SNAKE code; internal call sites wrap with %w and the handlers
// unwrap with errors.As.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Validation
	CodeScopeValidationFailed = "SCOPE_VALIDATION_FAILED"
	CodeInvalidScopeFilter    = "INVALID_SCOPE_FILTER"
	CodeInvalidTimeRange      = "INVALID_TIME_RANGE"
	CodeTenantHeaderRequired  = "TENANT_HEADER_REQUIRED"
	CodeTenantMismatch        = "TENANT_MISMATCH"
	CodeInvalidTenantID       = "INVALID_TENANT_ID"
	CodeInvalidRequest        = "INVALID_REQUEST"

	// Authorization
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeAuthEnvInconsistent = "AUTH_ENV_INCONSISTENT"

	// Safety
	CodeSecurityIsolationBreach = "SECURITY_ISOLATION_BREACH"

	// Availability
	CodeMultiQueryAllFailed   = "MULTI_QUERY_ALL_FAILED"
	CodeRetrievalChunksFailed = "RETRIEVAL_CHUNKS_FAILED"
	CodeInternal              = "INTERNAL_ERROR"

	// Partial (per-sub-query records, never a request-level failure)
	CodeSubqueryTimeout          = "SUBQUERY_TIMEOUT"
	CodeSubqueryFailed           = "SUBQUERY_FAILED"
	CodeSubqueryOutOfScope       = "SUBQUERY_OUT_OF_SCOPE"
	CodeSubquerySkippedDuplicate = "SUBQUERY_SKIPPED_DUPLICATE"

	// Rate limiting
	CodeRateLimited = "RATE_LIMITED"
)

// APIError is the error envelope returned by every failing endpoint
type APIError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`

	status int
	cause  error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *APIError) Unwrap() error { return e.cause }

// Status returns the HTTP status associated with the error
func (e *APIError) Status() int {
	if e.status != 0 {
		return e.status
	}
	return statusForCode(e.Code)
}

// WithDetails attaches structured details and returns the error
func (e *APIError) WithDetails(details interface{}) *APIError {
	e.Details = details
	return e
}

// WithCause attaches an underlying error and returns the error
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// WithRequestID stamps the correlation id and returns the error
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// New creates a new APIError with the given code and message
func New(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// Newf creates a new APIError with a formatted message
func Newf(code, format string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// As extracts an APIError from an error chain
func As(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code anywhere in its chain
func IsCode(err error, code string) bool {
	if apiErr, ok := As(err); ok {
		return apiErr.Code == code
	}
	return false
}

// statusForCode maps error codes to HTTP statuses. Safety errors always map
// to 500 and are never downgraded.
func statusForCode(code string) int {
	switch code {
	case CodeScopeValidationFailed, CodeInvalidScopeFilter, CodeInvalidTimeRange,
		CodeTenantHeaderRequired, CodeTenantMismatch, CodeInvalidTenantID,
		CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeMultiQueryAllFailed:
		return http.StatusBadGateway
	case CodeSecurityIsolationBreach, CodeAuthEnvInconsistent,
		CodeRetrievalChunksFailed, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
