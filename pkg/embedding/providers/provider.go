// Package providers contains embedding provider implementations and the
// interface the embedding service drives them through.
package providers

import (
	"context"
	"strings"
)

// Provider names
const (
	ProviderNameCloud = "cloud"
	ProviderNameLocal = "local"
)

// Provider generates embeddings for batches of texts
type Provider interface {
	// Name returns the provider identifier used in config and logs.
	Name() string

	// Embed returns one vector per input text, in input order. The task hint
	// ("retrieval.query", "retrieval.passage") is forwarded to providers that
	// produce task-specific embeddings.
	Embed(ctx context.Context, texts []string, task string) ([][]float32, error)

	// Dimensions returns the output vector width.
	Dimensions() int
}

// IsTechnicalFailure reports whether an embedding error is transient
// infrastructure trouble rather than a bad request. Only these errors are
// eligible for provider fallback.
func IsTechnicalFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"no such host",
		"rate limit",
		"too many requests",
		"status 429",
		"status 502",
		"status 503",
		"status 504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
