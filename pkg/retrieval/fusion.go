package retrieval

import (
	"sort"
	"strings"

	"github.com/norm-mesh/norm-mesh/pkg/scope"
)

// DefaultRRFK is the rank-fusion smoothing constant
const DefaultRRFK = 60

// Comprehensive fusion quotas, in fill order
const (
	quotaChunks = 3
	quotaGraph  = 2
	quotaRaptor = 1
)

// RRFMerge fuses ranked groups by reciprocal rank. Each row identified by its
// stable identity accumulates 1/(rrfK + rank); ties break by first-seen order
// across groups, which makes the merge deterministic for identical inputs.
func RRFMerge(groups [][]Item, rrfK, topK int) []Item {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}

	type entry struct {
		item  Item
		score float64
		order int
	}
	byIdentity := make(map[string]*entry)
	var identities []string

	for _, group := range groups {
		for rank, item := range group {
			id := item.Identity()
			e, ok := byIdentity[id]
			if !ok {
				e = &entry{item: item, order: len(identities)}
				byIdentity[id] = e
				identities = append(identities, id)
			}
			e.score += 1.0 / float64(rrfK+rank+1)
		}
	}

	entries := make([]*entry, 0, len(identities))
	for _, id := range identities {
		entries = append(entries, byIdentity[id])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	if topK > 0 && len(entries) > topK {
		entries = entries[:topK]
	}

	out := make([]Item, len(entries))
	for i, e := range entries {
		item := e.item
		metadata := make(map[string]interface{}, len(item.Metadata)+1)
		for k, v := range item.Metadata {
			metadata[k] = v
		}
		metadata["score_space"] = ScoreSpaceRRF
		item.Metadata = metadata
		item.Score = e.score
		out[i] = item
	}
	return out
}

// QuotaInterleave performs the comprehensive late fusion: chunk, graph and
// raptor slots fill in fixed ratio, then remaining capacity drains the
// sources in the same order. Duplicate identities are skipped.
func QuotaInterleave(chunks, graph, raptor []Item, k int) []Item {
	if k <= 0 {
		k = quotaChunks + quotaGraph + quotaRaptor
	}

	seen := make(map[string]bool)
	var merged []Item

	take := func(source []Item, limit int) []Item {
		taken := 0
		var rest []Item
		for _, item := range source {
			id := item.Identity()
			if seen[id] {
				continue
			}
			if limit >= 0 && taken >= limit {
				rest = append(rest, item)
				continue
			}
			seen[id] = true
			merged = append(merged, item)
			taken++
		}
		return rest
	}

	chunksRest := take(chunks, quotaChunks)
	graphRest := take(graph, quotaGraph)
	raptorRest := take(raptor, quotaRaptor)

	if len(merged) < k {
		take(chunksRest, -1)
	}
	if len(merged) < k {
		take(graphRest, -1)
	}
	if len(merged) < k {
		take(raptorRest, -1)
	}

	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// ItemClauseRefs collects the clause references an item evidences: its
// clause_id, the clause_refs list, and every dotted reference in content.
func ItemClauseRefs(item Item) []string {
	var refs []string
	seen := make(map[string]bool)
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}

	if id, ok := item.Metadata["clause_id"].(string); ok {
		add(id)
	}
	switch v := item.Metadata["clause_refs"].(type) {
	case []string:
		for _, ref := range v {
			add(ref)
		}
	case []interface{}:
		for _, raw := range v {
			if ref, ok := raw.(string); ok {
				add(ref)
			}
		}
	}
	for _, ref := range scope.ClauseRefs(item.Content) {
		add(ref)
	}
	return refs
}

// MissingScopes returns the requested standards no item evidences
func MissingScopes(items []Item, requestedStandards []string) []string {
	if len(requestedStandards) == 0 {
		return nil
	}
	covered := make(map[string]bool)
	for _, item := range items {
		if std, ok := item.Metadata["source_standard"].(string); ok {
			covered[strings.ToUpper(std)] = true
		}
	}
	var missing []string
	for _, std := range requestedStandards {
		if !covered[strings.ToUpper(std)] {
			missing = append(missing, std)
		}
	}
	return missing
}

// MissingClauseRefs returns the required clauses not evidenced by any item,
// but only when the uncovered count exceeds minRequired.
func MissingClauseRefs(items []Item, required []string, minRequired int) []string {
	if minRequired <= 0 || len(required) == 0 {
		return nil
	}
	covered := make(map[string]bool)
	for _, item := range items {
		for _, ref := range ItemClauseRefs(item) {
			covered[ref] = true
		}
	}
	var missing []string
	for _, ref := range required {
		if !covered[ref] {
			missing = append(missing, ref)
		}
	}
	if len(missing) <= minRequired {
		return nil
	}
	return missing
}
