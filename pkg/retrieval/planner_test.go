package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanner_Modes(t *testing.T) {
	p := NewPlanner(nil)

	tests := []struct {
		name  string
		query string
		mode  string
	}{
		{"ambiguous clause", "Que exige la clausula 9.1.2?", PlanModeAmbiguousScope},
		{"comparative two standards", "ISO 9001 vs ISO 14001 requisitos", PlanModeComparative},
		{"comparative marker", "difference between quality objectives and targets in ISO 9001", PlanModeComparative},
		{"literal list", "Lista los requisitos de la clausula 7.5 de ISO 9001", PlanModeLiteralList},
		{"literal normative", "ISO 9001 clausula 9.1.2 texto", PlanModeLiteralNormative},
		{"explanatory", "como funciona la mejora continua en ISO 9001", PlanModeExplanatory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := p.BuildPlan(tt.query)
			assert.Equal(t, tt.mode, plan.Mode)
			assert.Positive(t, plan.ChunkK)
			assert.GreaterOrEqual(t, plan.ChunkFetchK, plan.ChunkK)
		})
	}
}

func TestPlanner_LiteralModesRequireEvidence(t *testing.T) {
	p := NewPlanner(nil)

	assert.True(t, p.BuildPlan("enumera los requisitos de ISO 9001").RequireLiteralEvidence)
	assert.True(t, p.BuildPlan("ISO 9001 clausula 8.5.1").RequireLiteralEvidence)
	assert.False(t, p.BuildPlan("explica la politica de calidad ISO 9001").RequireLiteralEvidence)
}

func TestPlanner_CarriesRequestedStandards(t *testing.T) {
	p := NewPlanner(nil)

	plan := p.BuildPlan("ISO 14001 aspectos ambientales")
	assert.Equal(t, []string{"ISO 14001"}, plan.RequestedStandards)
}
