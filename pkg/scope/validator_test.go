package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
)

func violationCodes(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Code
	}
	return out
}

func TestValidator_RejectsUnknownFilterKeys(t *testing.T) {
	v := NewValidator(nil)

	result := v.Validate("query", map[string]interface{}{
		"metadata":    map[string]interface{}{"doc_type": "policy"},
		"raw_sql":     "drop table",
		"tenant_list": []string{"a"},
	})

	assert.False(t, result.Valid)
	assert.Len(t, result.Violations, 2)
	for _, code := range violationCodes(result.Violations) {
		assert.Equal(t, apierrors.CodeInvalidScopeFilter, code)
	}
	// The metadata filter itself survives.
	assert.Equal(t, "policy", result.NormalizedScope.Metadata["doc_type"])
}

func TestValidator_MetadataScalars(t *testing.T) {
	v := NewValidator(nil)

	result := v.Validate("query", map[string]interface{}{
		"metadata": map[string]interface{}{
			"doc_type": "policy",
			"version":  3,
			"score":    0.5,
			"active":   true,
			"nested":   map[string]interface{}{"no": "pe"},
			"list":     []interface{}{1, 2},
		},
	})

	assert.False(t, result.Valid)
	assert.Len(t, result.Violations, 2)
	assert.Len(t, result.NormalizedScope.Metadata, 4)
}

func TestValidator_TimeRange(t *testing.T) {
	v := NewValidator(nil)

	t.Run("valid range normalized to UTC", func(t *testing.T) {
		result := v.Validate("query", map[string]interface{}{
			"time_range": map[string]interface{}{
				"from":  "2024-01-01",
				"to":    "2024-06-30T12:00:00+02:00",
				"field": "effective_date",
			},
		})
		require.True(t, result.Valid)
		require.NotNil(t, result.NormalizedScope.TimeRange)
		assert.Equal(t, "2024-01-01T00:00:00Z", result.NormalizedScope.TimeRange.From)
		assert.Equal(t, "2024-06-30T10:00:00Z", result.NormalizedScope.TimeRange.To)
		assert.Equal(t, "effective_date", result.NormalizedScope.TimeRange.Field)
	})

	t.Run("garbage timestamp", func(t *testing.T) {
		result := v.Validate("query", map[string]interface{}{
			"time_range": map[string]interface{}{"from": "not-a-date"},
		})
		assert.False(t, result.Valid)
		assert.Contains(t, violationCodes(result.Violations), apierrors.CodeInvalidTimeRange)
	})

	t.Run("inverted range", func(t *testing.T) {
		result := v.Validate("query", map[string]interface{}{
			"time_range": map[string]interface{}{
				"from": "2024-06-01",
				"to":   "2024-01-01",
			},
		})
		assert.False(t, result.Valid)
	})
}

func TestValidator_SourceStandards(t *testing.T) {
	v := NewValidator(nil)

	t.Run("singular and plural merged canonical", func(t *testing.T) {
		result := v.Validate("query", map[string]interface{}{
			"source_standard":  "iso9001",
			"source_standards": []interface{}{"14001", "ISO 9001"},
		})
		require.True(t, result.Valid)
		assert.Equal(t, []string{"ISO 9001", "ISO 14001"}, result.NormalizedScope.SourceStandards)
	})

	t.Run("unrecognizable token", func(t *testing.T) {
		result := v.Validate("query", map[string]interface{}{
			"source_standards": []interface{}{"ISO 9001", "gibberish"},
		})
		assert.False(t, result.Valid)
		assert.Equal(t, []string{"ISO 9001"}, result.NormalizedScope.SourceStandards)
	})

	t.Run("query scope excluded by filters warns", func(t *testing.T) {
		result := v.Validate("compare with ISO 45001", map[string]interface{}{
			"source_standards": []interface{}{"ISO 9001"},
		})
		require.True(t, result.Valid)
		assert.NotEmpty(t, result.Warnings)
	})
}

func TestValidator_QueryScopeAlwaysResolved(t *testing.T) {
	v := NewValidator(nil)

	result := v.Validate("Que exige la clausula 9.1.2?", nil)
	assert.True(t, result.Valid)
	assert.True(t, result.QueryScope.RequiresScopeClarification)
	assert.NotEmpty(t, result.QueryScope.SuggestedScopes)
}
