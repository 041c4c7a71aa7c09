package retrieval

import (
	"regexp"
	"strings"
)

var (
	dotLeaderPattern   = regexp.MustCompile(`(?m)^.+\.{3,}\s*\d+\s*$`)
	tableBorderPattern = regexp.MustCompile(`(?m)^[\s|:+\-]{4,}$`)
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

var tocKeywords = []string{
	"contents", "indice", "índice", "contenido", "table of contents",
}

// ExpandQuery applies search hints: when the query contains a hint term
// (case-insensitive), each expansion not already present is appended to the
// effective query.
func ExpandQuery(query string, hints []SearchHint) (string, []HintApplication) {
	if len(hints) == 0 {
		return query, nil
	}
	effective := query
	lower := strings.ToLower(query)
	var applied []HintApplication

	for _, hint := range hints {
		term := strings.ToLower(strings.TrimSpace(hint.Term))
		if term == "" || !strings.Contains(lower, term) {
			continue
		}
		var added []string
		for _, expansion := range hint.ExpandTo {
			if expansion == "" || strings.Contains(strings.ToLower(effective), strings.ToLower(expansion)) {
				continue
			}
			effective += " " + expansion
			added = append(added, expansion)
		}
		if len(added) > 0 {
			applied = append(applied, HintApplication{Term: hint.Term, AddedTerms: added})
		}
	}
	return effective, applied
}

// ApplyMinScore drops items below the similarity threshold. Items whose
// score_space is rank-derived (rrf, mixed) are not comparable to a similarity
// threshold and always pass.
func ApplyMinScore(items []Item, threshold float64) ([]Item, MinScoreReport) {
	report := MinScoreReport{Threshold: threshold}
	kept := make([]Item, 0, len(items))

	for _, item := range items {
		space := item.ScoreSpace()
		if space == ScoreSpaceRRF || space == ScoreSpaceMixed {
			report.ScoreSpaceBypassed++
			kept = append(kept, item)
			continue
		}
		score := item.Similarity()
		if score == 0 {
			score = item.Score
		}
		if score < threshold {
			report.Dropped++
			continue
		}
		kept = append(kept, item)
	}
	report.Kept = len(kept)
	return kept, report
}

// ReduceStructuralNoise drops structurally non-informative items (tables of
// contents, frontmatter, ineligible rows) and cleans the content of the
// survivors. It returns the survivors and the number dropped.
func ReduceStructuralNoise(items []Item) ([]Item, int) {
	kept := make([]Item, 0, len(items))
	dropped := 0

	for _, item := range items {
		if isStructuralNoise(item) {
			dropped++
			continue
		}
		item.Content = CleanContent(item.Content)
		kept = append(kept, item)
	}
	return kept, dropped
}

func isStructuralNoise(item Item) bool {
	if v, ok := item.Metadata["retrieval_eligible"].(bool); ok && !v {
		return true
	}
	if v, _ := item.Metadata["is_toc"].(bool); v {
		return true
	}
	if v, _ := item.Metadata["is_frontmatter"].(bool); v {
		return true
	}

	dotLeaders := len(dotLeaderPattern.FindAllString(item.Content, -1))
	if dotLeaders >= 2 {
		return true
	}
	if dotLeaders >= 1 {
		lower := strings.ToLower(item.Content)
		for _, kw := range tocKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// CleanContent strips markdown table borders, flattens links to their text,
// and collapses whitespace.
func CleanContent(content string) string {
	content = tableBorderPattern.ReplaceAllString(content, "")
	content = markdownLinkPattern.ReplaceAllString(content, "$1")
	content = whitespacePattern.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}
