package retrieval

import (
	"fmt"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
	"github.com/norm-mesh/norm-mesh/pkg/observability"
)

// LeakCanary is the post-retrieval tenant-isolation check. Every returned
// item must carry the requesting tenant or be marked global; anything else is
// a fatal security error that callers must not recover from.
type LeakCanary struct {
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewLeakCanary creates a leak canary
func NewLeakCanary(logger observability.Logger, metrics observability.MetricsClient) *LeakCanary {
	if logger == nil {
		logger = observability.NewLogger("retrieval.leak_canary")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &LeakCanary{logger: logger, metrics: metrics}
}

// Verify checks every item against the requesting tenant
func (c *LeakCanary) Verify(tenantID string, items []Item) error {
	for _, item := range items {
		docTenant := documentTenant(item)
		isGlobal, _ := item.Metadata["is_global"].(bool)
		docID, _ := item.Metadata["id"].(string)

		if docTenant == "" && !isGlobal {
			c.metrics.IncrementCounter("retrieval.leak_canary.integrity_violation", 1)
			c.logger.Critical("Data-integrity violation: item without tenant or global marker", map[string]interface{}{
				"tenant_id":   tenantID,
				"document_id": docID,
			})
			return apierrors.New(apierrors.CodeSecurityIsolationBreach,
				"data-integrity violation: retrieved item carries no tenant and is not global").
				WithDetails(map[string]interface{}{"document_id": docID})
		}
		if docTenant != "" && docTenant != tenantID {
			c.metrics.IncrementCounter("retrieval.leak_canary.cross_tenant_leak", 1)
			c.logger.Critical("Cross-tenant leak detected", map[string]interface{}{
				"tenant_id":       tenantID,
				"document_tenant": docTenant,
				"document_id":     docID,
			})
			return apierrors.New(apierrors.CodeSecurityIsolationBreach,
				fmt.Sprintf("cross-tenant leak detected: document belongs to %q", docTenant)).
				WithDetails(map[string]interface{}{"document_id": docID})
		}
	}
	return nil
}

// documentTenant resolves the owning tenant of an item through the metadata
// fallback chain.
func documentTenant(item Item) string {
	for _, key := range []string{"tenant_id", "institution_id"} {
		if v, ok := item.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
