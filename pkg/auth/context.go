// Package auth carries request identity through the engine: tenant ids,
// correlation ids, and the gin middleware that establishes both. Tenants are
// opaque strings validated against a strict pattern; the engine never
// interprets them.
package auth

import (
	"context"
	"regexp"
)

type contextKey string

// Context keys
const (
	tenantIDKey      contextKey = "tenant_id"
	correlationIDKey contextKey = "correlation_id"
)

// tenantIDPattern constrains tenant identifiers to 2-128 chars of a safe alphabet
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{1,127}$`)

// ValidTenantID reports whether id is a well-formed tenant identifier
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// WithTenantID adds the tenant id to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID gets the tenant id from the context, or "" when absent
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID adds the correlation id to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID gets the correlation id from the context, or "" when absent
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}
