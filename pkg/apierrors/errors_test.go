package apierrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Status(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeScopeValidationFailed, http.StatusBadRequest},
		{CodeTenantMismatch, http.StatusBadRequest},
		{CodeInvalidTimeRange, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeMultiQueryAllFailed, http.StatusBadGateway},
		{CodeSecurityIsolationBreach, http.StatusInternalServerError},
		{CodeRateLimited, http.StatusTooManyRequests},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.code, "msg").Status())
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeSubqueryFailed, "sub-query failed").WithCause(cause)

	wrapped := fmt.Errorf("outer: %w", err)

	apiErr, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeSubqueryFailed, apiErr.Code)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(CodeSecurityIsolationBreach, "leak"))
	assert.True(t, IsCode(err, CodeSecurityIsolationBreach))
	assert.False(t, IsCode(err, CodeTenantMismatch))
	assert.False(t, IsCode(errors.New("plain"), CodeTenantMismatch))
}

func TestWithDetailsAndRequestID(t *testing.T) {
	err := New(CodeMultiQueryAllFailed, "all failed").
		WithDetails(map[string]interface{}{"subqueries": 2}).
		WithRequestID("req-123")

	assert.Equal(t, "req-123", err.RequestID)
	assert.NotNil(t, err.Details)
	assert.Contains(t, err.Error(), CodeMultiQueryAllFailed)
}
