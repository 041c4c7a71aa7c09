package retrieval

import (
	"strings"

	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

// Plan modes
const (
	PlanModeLiteralList      = "literal_list"
	PlanModeLiteralNormative = "literal_normative"
	PlanModeComparative      = "comparative"
	PlanModeExplanatory      = "explanatory"
	PlanModeAmbiguousScope   = "ambiguous_scope"
)

// Plan is the outcome of query-intent classification
type Plan struct {
	Mode                   string   `json:"mode"`
	ChunkK                 int      `json:"chunk_k"`
	ChunkFetchK            int      `json:"chunk_fetch_k"`
	SummaryK               int      `json:"summary_k"`
	RequireLiteralEvidence bool     `json:"require_literal_evidence"`
	RequestedStandards     []string `json:"requested_standards,omitempty"`
}

// Planner classifies query intent into a retrieval plan
type Planner struct {
	resolver *scope.Resolver
}

// NewPlanner creates a planner over the given resolver
func NewPlanner(resolver *scope.Resolver) *Planner {
	if resolver == nil {
		resolver = scope.NewResolver(nil)
	}
	return &Planner{resolver: resolver}
}

var listMarkers = []string{
	"lista", "listar", "enumera", "enumerar", "cuales son", "cuáles son",
	"list the", "enumerate", "what are the",
}

var comparativeMarkers = []string{
	"versus", " vs ", "vs.", "difference", "differences", "compare",
	"comparison", "diferencia", "diferencias", "comparar", "comparacion",
	"comparación", "frente a",
}

// BuildPlan classifies the query and sizes the retrieval knobs per mode
func (p *Planner) BuildPlan(query string) *Plan {
	res := p.resolver.Resolve(query)
	lower := strings.ToLower(query)

	plan := &Plan{RequestedStandards: res.RequestedStandards}
	switch {
	case res.RequiresScopeClarification:
		plan.Mode = PlanModeAmbiguousScope
		plan.ChunkK, plan.ChunkFetchK, plan.SummaryK = 4, 16, 0
	case len(res.RequestedStandards) >= 2 || containsAny(lower, comparativeMarkers):
		plan.Mode = PlanModeComparative
		plan.ChunkK, plan.ChunkFetchK, plan.SummaryK = 10, 48, 3
	case containsAny(lower, listMarkers):
		plan.Mode = PlanModeLiteralList
		plan.ChunkK, plan.ChunkFetchK, plan.SummaryK = 12, 60, 0
		plan.RequireLiteralEvidence = true
	case len(scope.ClauseRefs(query)) > 0 && len(res.RequestedStandards) > 0:
		plan.Mode = PlanModeLiteralNormative
		plan.ChunkK, plan.ChunkFetchK, plan.SummaryK = 8, 40, 0
		plan.RequireLiteralEvidence = true
	default:
		plan.Mode = PlanModeExplanatory
		plan.ChunkK, plan.ChunkFetchK, plan.SummaryK = 8, 40, 2
	}
	return plan
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
