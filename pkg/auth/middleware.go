package auth

import (
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

// Header names
const (
	HeaderTenantID      = "X-Tenant-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// CorrelationMiddleware propagates X-Correlation-ID, generating one if absent.
// The id is echoed on the response and stored in the request context.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(WithCorrelationID(c.Request.Context(), id))
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// TenantMiddleware requires a well-formed X-Tenant-ID header and stores it in
// the request context. Handlers compare it against the body tenant_id.
func TenantMiddleware(logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NewLogger("auth.tenant")
	}
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenantID == "" {
			abortWithError(c, apierrors.New(apierrors.CodeTenantHeaderRequired,
				"X-Tenant-ID header is required"))
			return
		}
		if !ValidTenantID(tenantID) {
			logger.Warn("Rejected malformed tenant id", map[string]interface{}{
				"tenant_id": tenantID,
				"path":      c.FullPath(),
			})
			abortWithError(c, apierrors.New(apierrors.CodeInvalidTenantID,
				"X-Tenant-ID header is not a valid tenant identifier"))
			return
		}
		c.Request = c.Request.WithContext(WithTenantID(c.Request.Context(), tenantID))
		c.Next()
	}
}

// BearerSecretMiddleware enforces a shared bearer secret. In a deployed
// environment an empty configured secret is a deployment error and every
// request fails closed.
func BearerSecretMiddleware(secret string, deployed bool, logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NewLogger("auth.bearer")
	}
	return func(c *gin.Context) {
		if !deployed {
			c.Next()
			return
		}
		if secret == "" {
			logger.Error("Bearer secret not configured in deployed environment", map[string]interface{}{
				"path": c.FullPath(),
			})
			abortWithError(c, apierrors.New(apierrors.CodeAuthEnvInconsistent,
				"service authentication is misconfigured"))
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			abortWithError(c, apierrors.New(apierrors.CodeUnauthorized,
				"missing or invalid bearer token"))
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware applies a per-tenant token bucket. Requests without an
// established tenant share the "anonymous" bucket.
func RateLimitMiddleware(perMinute, burst int) gin.HandlerFunc {
	if perMinute <= 0 {
		perMinute = 120
	}
	if burst <= 0 {
		burst = perMinute / 4
		if burst == 0 {
			burst = 1
		}
	}

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	limiterFor := func(tenant string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[tenant]
		if !ok {
			l = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
			limiters[tenant] = l
		}
		return l
	}

	return func(c *gin.Context) {
		tenant := GetTenantID(c.Request.Context())
		if tenant == "" {
			tenant = "anonymous"
		}
		if !limiterFor(tenant).Allow() {
			abortWithError(c, apierrors.New(apierrors.CodeRateLimited,
				"rate limit exceeded for tenant"))
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, err *apierrors.APIError) {
	err = err.WithRequestID(GetCorrelationID(c.Request.Context()))
	c.AbortWithStatusJSON(err.Status(), err)
}

// AbortWithAPIError renders an APIError envelope and aborts the request.
// Exposed for handlers outside this package.
func AbortWithAPIError(c *gin.Context, err *apierrors.APIError) {
	abortWithError(c, err)
}

// RespondError maps any error to an APIError envelope and writes it.
func RespondError(c *gin.Context, err error) {
	if apiErr, ok := apierrors.As(err); ok {
		abortWithError(c, apiErr)
		return
	}
	abortWithError(c, apierrors.New(apierrors.CodeInternal, "internal error").WithCause(err))
}
