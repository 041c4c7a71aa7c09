package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id, content string, score float64) Item {
	return Item{
		Source:  "C1",
		Content: content,
		Score:   score,
		Metadata: map[string]interface{}{
			"id":          id,
			"score_space": ScoreSpaceSimilarity,
		},
	}
}

func identities(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Metadata["id"].(string)
	}
	return out
}

func TestRRFMerge_DeterministicOrder(t *testing.T) {
	q1 := []Item{item("doc-1", "a", 0.95), item("doc-2", "b", 0.90)}
	q2 := []Item{item("doc-3", "c", 0.92), item("doc-1", "a", 0.91)}

	merged := RRFMerge([][]Item{q1, q2}, 60, 5)

	require.Len(t, merged, 3)
	assert.Equal(t, []string{"doc-1", "doc-3", "doc-2"}, identities(merged))

	// doc-1 appears at rank 1 in q1 and rank 2 in q2.
	assert.InDelta(t, 1.0/61+1.0/62, merged[0].Score, 1e-12)
	for _, it := range merged {
		assert.Equal(t, ScoreSpaceRRF, it.ScoreSpace())
	}

	// Identical inputs always give identical output.
	for i := 0; i < 10; i++ {
		again := RRFMerge([][]Item{q1, q2}, 60, 5)
		assert.Equal(t, identities(merged), identities(again))
	}
}

func TestRRFMerge_TieBrokenByFirstSeen(t *testing.T) {
	// doc-a and doc-b both sit at rank 1 of their group.
	merged := RRFMerge([][]Item{
		{item("doc-a", "a", 0.5)},
		{item("doc-b", "b", 0.5)},
	}, 60, 5)

	require.Len(t, merged, 2)
	assert.Equal(t, []string{"doc-a", "doc-b"}, identities(merged))
}

func TestRRFMerge_TopKTrims(t *testing.T) {
	group := []Item{item("a", "", 1), item("b", "", 1), item("c", "", 1)}
	merged := RRFMerge([][]Item{group}, 60, 2)
	assert.Len(t, merged, 2)
}

func TestRRFMerge_DoesNotMutateInputs(t *testing.T) {
	it := item("doc-1", "a", 0.9)
	_ = RRFMerge([][]Item{{it}}, 60, 5)
	assert.Equal(t, ScoreSpaceSimilarity, it.ScoreSpace())
	assert.Equal(t, 0.9, it.Score)
}

func TestQuotaInterleave_FixedRatio(t *testing.T) {
	chunks := []Item{item("c1", "", 1), item("c2", "", 1), item("c3", "", 1), item("c4", "", 1)}
	graph := []Item{item("g1", "", 1), item("g2", "", 1), item("g3", "", 1)}
	raptor := []Item{item("r1", "", 1), item("r2", "", 1)}

	merged := QuotaInterleave(chunks, graph, raptor, 8)

	require.Len(t, merged, 8)
	// First three chunks, next two graph, next one raptor, then drain.
	assert.Equal(t, []string{"c1", "c2", "c3", "g1", "g2", "r1", "c4", "g3"}, identities(merged))
}

func TestQuotaInterleave_SkipsDuplicateIdentities(t *testing.T) {
	shared := item("dup", "same row", 1)
	merged := QuotaInterleave(
		[]Item{shared, item("c2", "", 1)},
		[]Item{shared, item("g2", "", 1)},
		nil, 8)

	assert.Equal(t, []string{"dup", "c2", "g2"}, identities(merged))
}

func TestQuotaInterleave_EmptySourceYieldsToOthers(t *testing.T) {
	chunks := []Item{item("c1", "", 1), item("c2", "", 1), item("c3", "", 1), item("c4", "", 1), item("c5", "", 1)}
	merged := QuotaInterleave(chunks, nil, nil, 5)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, identities(merged))
}

func TestQuotaInterleave_TrimsToK(t *testing.T) {
	chunks := []Item{item("c1", "", 1), item("c2", "", 1), item("c3", "", 1)}
	graph := []Item{item("g1", "", 1), item("g2", "", 1)}
	merged := QuotaInterleave(chunks, graph, nil, 4)
	assert.Len(t, merged, 4)
}

func TestItemIdentity_FallbackWhenNoID(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	it := Item{Source: "G1", Content: string(long), Metadata: map[string]interface{}{}}

	id := it.Identity()
	assert.Contains(t, id, "fallback::G1::")
	assert.Len(t, id, len("fallback::G1::")+120)
}

func TestItemClauseRefs(t *testing.T) {
	it := Item{
		Content: "evidence for 9.1.2 and also 10.2.1",
		Metadata: map[string]interface{}{
			"clause_id":   "9.1.2",
			"clause_refs": []interface{}{"6.1", "9.1.2"},
		},
	}
	assert.Equal(t, []string{"9.1.2", "6.1", "10.2.1"}, ItemClauseRefs(it))
}

func TestMissingScopes(t *testing.T) {
	items := []Item{{Metadata: map[string]interface{}{"source_standard": "ISO 9001"}}}
	missing := MissingScopes(items, []string{"ISO 9001", "ISO 14001"})
	assert.Equal(t, []string{"ISO 14001"}, missing)

	assert.Nil(t, MissingScopes(items, nil))
}

func TestMissingClauseRefs_OnlyAboveThreshold(t *testing.T) {
	items := []Item{{Content: "covers 9.1.2 only"}}
	required := []string{"9.1.2", "6.1", "8.1"}

	// Two uncovered, threshold 2: not reported.
	assert.Nil(t, MissingClauseRefs(items, required, 2))
	// Two uncovered, threshold 1: reported.
	assert.Equal(t, []string{"6.1", "8.1"}, MissingClauseRefs(items, required, 1))
	// Threshold 0 disables the diagnostic.
	assert.Nil(t, MissingClauseRefs(items, required, 0))
}
