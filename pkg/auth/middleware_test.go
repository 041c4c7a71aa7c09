package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

func newTestRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.POST("/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"tenant":      GetTenantID(c.Request.Context()),
			"correlation": GetCorrelationID(c.Request.Context()),
		})
	})
	return r
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"tenant-demo", true},
		{"T1", true},
		{"a_b-c123", true},
		{"x", false},
		{"", false},
		{"-leading-dash", false},
		{"has space", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTenantID(tt.id))
		})
	}
}

func TestTenantMiddleware(t *testing.T) {
	r := newTestRouter(CorrelationMiddleware(), TenantMiddleware(observability.NewNoopLogger()))

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/probe", nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var body apierrors.APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, apierrors.CodeTenantHeaderRequired, body.Code)
		assert.NotEmpty(t, body.RequestID)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/probe", nil)
		req.Header.Set(HeaderTenantID, "not a tenant!!")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var body apierrors.APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, apierrors.CodeInvalidTenantID, body.Code)
	})

	t.Run("valid header reaches handler", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/probe", nil)
		req.Header.Set(HeaderTenantID, "tenant-demo")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "tenant-demo", body["tenant"])
		assert.NotEmpty(t, body["correlation"])
	})
}

func TestCorrelationMiddleware_PropagatesHeader(t *testing.T) {
	r := newTestRouter(CorrelationMiddleware())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/probe", nil)
	req.Header.Set(HeaderCorrelationID, "corr-42")
	r.ServeHTTP(w, req)

	assert.Equal(t, "corr-42", w.Header().Get(HeaderCorrelationID))
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "corr-42", body["correlation"])
}

func TestBearerSecretMiddleware(t *testing.T) {
	logger := observability.NewNoopLogger()

	t.Run("not deployed passes through", func(t *testing.T) {
		r := newTestRouter(BearerSecretMiddleware("", false, logger))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/probe", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("deployed without secret fails closed", func(t *testing.T) {
		r := newTestRouter(BearerSecretMiddleware("", true, logger))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/probe", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("deployed with wrong token", func(t *testing.T) {
		r := newTestRouter(BearerSecretMiddleware("s3cret", true, logger))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/probe", nil)
		req.Header.Set("Authorization", "Bearer nope")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("deployed with correct token", func(t *testing.T) {
		r := newTestRouter(BearerSecretMiddleware("s3cret", true, logger))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/probe", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	r := newTestRouter(
		CorrelationMiddleware(),
		TenantMiddleware(observability.NewNoopLogger()),
		RateLimitMiddleware(60, 2),
	)

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/probe", nil)
		req.Header.Set(HeaderTenantID, "tenant-burst")
		r.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Contains(t, statuses[2:], http.StatusTooManyRequests)
}
