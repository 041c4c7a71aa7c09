package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandQuery(t *testing.T) {
	hints := []SearchHint{
		{Term: "no conformidad", ExpandTo: []string{"accion correctiva", "hallazgo"}},
		{Term: "unrelated", ExpandTo: []string{"never added"}},
	}

	expanded, applied := ExpandQuery("Como tratar una No Conformidad mayor", hints)

	assert.Contains(t, expanded, "accion correctiva")
	assert.Contains(t, expanded, "hallazgo")
	assert.NotContains(t, expanded, "never added")
	require.Len(t, applied, 1)
	assert.Equal(t, "no conformidad", applied[0].Term)
	assert.Equal(t, []string{"accion correctiva", "hallazgo"}, applied[0].AddedTerms)
}

func TestExpandQuery_SkipsTermsAlreadyPresent(t *testing.T) {
	hints := []SearchHint{{Term: "audit", ExpandTo: []string{"Audit Evidence"}}}

	expanded, applied := ExpandQuery("internal audit evidence review", hints)

	assert.Equal(t, "internal audit evidence review", expanded)
	assert.Empty(t, applied)
}

func TestApplyMinScore_BypassesRankDerivedScores(t *testing.T) {
	items := []Item{
		{Content: "A", Metadata: map[string]interface{}{"similarity": 0.9, "score_space": ScoreSpaceSimilarity}},
		{Content: "B", Score: 0.01, Metadata: map[string]interface{}{"score_space": ScoreSpaceRRF}},
	}

	kept, report := ApplyMinScore(items, 0.7)

	require.Len(t, kept, 2)
	assert.Equal(t, 0.7, report.Threshold)
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, 0, report.Dropped)
	assert.Equal(t, 1, report.ScoreSpaceBypassed)
}

func TestApplyMinScore_DropsBelowThreshold(t *testing.T) {
	items := []Item{
		{Content: "keep", Metadata: map[string]interface{}{"similarity": 0.8, "score_space": ScoreSpaceSimilarity}},
		{Content: "drop", Metadata: map[string]interface{}{"similarity": 0.2, "score_space": ScoreSpaceSimilarity}},
		{Content: "mixed", Score: 0.1, Metadata: map[string]interface{}{"score_space": ScoreSpaceMixed}},
	}

	kept, report := ApplyMinScore(items, 0.5)

	require.Len(t, kept, 2)
	assert.Equal(t, "keep", kept[0].Content)
	assert.Equal(t, "mixed", kept[1].Content)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.ScoreSpaceBypassed)
}

func TestReduceStructuralNoise_DropsTOC(t *testing.T) {
	items := []Item{
		{
			Content:  "9.1 Evaluacion ............ 14\n10 Mejora ............ 15",
			Metadata: map[string]interface{}{"is_toc": true},
		},
		{
			Content:  "La organizacion debe evaluar el desempeno ambiental.",
			Metadata: map[string]interface{}{},
		},
	}

	kept, dropped := ReduceStructuralNoise(items)

	require.Len(t, kept, 1)
	assert.Equal(t, 1, dropped)
	assert.Contains(t, kept[0].Content, "desempeno ambiental")
}

func TestReduceStructuralNoise_DotLeaderHeuristics(t *testing.T) {
	tests := []struct {
		name    string
		content string
		dropped bool
	}{
		{
			name:    "two dot-leader lines",
			content: "9.1 Evaluacion ............ 14\n10 Mejora ............ 15",
			dropped: true,
		},
		{
			name:    "one dot-leader with toc keyword",
			content: "Indice\n9.1 Evaluacion ............ 14",
			dropped: true,
		},
		{
			name:    "one dot-leader without keyword",
			content: "see also 9.1 Evaluacion ............ 14\nreal prose follows here",
			dropped: false,
		},
		{
			name:    "plain prose",
			content: "The organization shall evaluate performance.",
			dropped: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, dropped := ReduceStructuralNoise([]Item{{Content: tt.content, Metadata: map[string]interface{}{}}})
			if tt.dropped {
				assert.Empty(t, kept)
				assert.Equal(t, 1, dropped)
			} else {
				assert.Len(t, kept, 1)
			}
		})
	}
}

func TestReduceStructuralNoise_MetadataFlags(t *testing.T) {
	items := []Item{
		{Content: "x", Metadata: map[string]interface{}{"retrieval_eligible": false}},
		{Content: "y", Metadata: map[string]interface{}{"is_frontmatter": true}},
		{Content: "z", Metadata: map[string]interface{}{"retrieval_eligible": true}},
	}
	kept, dropped := ReduceStructuralNoise(items)
	assert.Len(t, kept, 1)
	assert.Equal(t, 2, dropped)
}

func TestCleanContent(t *testing.T) {
	raw := "|----|----|\nSee [clause 9.1](https://example.com/iso) for   details\n|::--|"
	assert.Equal(t, "See clause 9.1 for details", CleanContent(raw))
}
