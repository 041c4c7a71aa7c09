package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
)

func TestLeakCanary_AcceptsOwnTenantAndGlobal(t *testing.T) {
	c := NewLeakCanary(nil, nil)

	items := []Item{
		{Metadata: map[string]interface{}{"tenant_id": "tenant-demo", "id": "a"}},
		{Metadata: map[string]interface{}{"is_global": true, "id": "b"}},
	}
	assert.NoError(t, c.Verify("tenant-demo", items))
}

func TestLeakCanary_CrossTenantLeak(t *testing.T) {
	c := NewLeakCanary(nil, nil)

	items := []Item{
		{Metadata: map[string]interface{}{"tenant_id": "tenant-other", "id": "doc-7"}},
	}
	err := c.Verify("tenant-demo", items)
	require.Error(t, err)

	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeSecurityIsolationBreach, apiErr.Code)
	assert.Equal(t, 500, apiErr.Status())
	assert.Contains(t, apiErr.Message, "cross-tenant leak")
}

func TestLeakCanary_MissingTenantWithoutGlobal(t *testing.T) {
	c := NewLeakCanary(nil, nil)

	err := c.Verify("tenant-demo", []Item{{Metadata: map[string]interface{}{"id": "x"}}})
	require.Error(t, err)
	assert.True(t, apierrors.IsCode(err, apierrors.CodeSecurityIsolationBreach))
	apiErr, _ := apierrors.As(err)
	assert.Contains(t, apiErr.Message, "data-integrity")
}

func TestLeakCanary_InstitutionIDFallback(t *testing.T) {
	c := NewLeakCanary(nil, nil)

	ok := []Item{{Metadata: map[string]interface{}{"institution_id": "tenant-demo"}}}
	assert.NoError(t, c.Verify("tenant-demo", ok))

	leak := []Item{{Metadata: map[string]interface{}{"institution_id": "tenant-other"}}}
	assert.Error(t, c.Verify("tenant-demo", leak))
}
