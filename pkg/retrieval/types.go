// Package retrieval implements the tenant-isolated retrieval core: the
// hybrid single-query path, the multi-query coordinator, the comprehensive
// three-layer coordinator, fusion, retrieval policy, and the leak canary.
package retrieval

import (
	"fmt"
	"math"

	"github.com/norm-mesh/norm-mesh/pkg/repository"
)

// Score spaces a ranking can live in
const (
	ScoreSpaceSimilarity = "similarity"
	ScoreSpaceRerank     = "rerank"
	ScoreSpaceRRF        = "rrf"
	ScoreSpaceMixed      = "mixed"
)

// Fusion sources for the comprehensive coordinator
const (
	FusionSourceChunks = "chunks"
	FusionSourceGraph  = "graph"
	FusionSourceRaptor = "raptor"
)

// Item is the unit returned to callers. Metadata always carries source_layer,
// source_type, similarity, jina_relevance_score, scope_penalized and
// score_space after normalization.
type Item struct {
	Source   string                 `json:"source"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Identity returns the stable fusion identity of the item
func (it Item) Identity() string {
	if id, ok := it.Metadata["id"].(string); ok && id != "" {
		return "row::" + id
	}
	content := it.Content
	if len(content) > 120 {
		content = content[:120]
	}
	return "fallback::" + it.Source + "::" + content
}

// Similarity returns the normalized similarity from metadata
func (it Item) Similarity() float64 {
	if v, ok := it.Metadata["similarity"].(float64); ok {
		return v
	}
	return 0
}

// ScoreSpace returns the item's score_space tag
func (it Item) ScoreSpace() string {
	if v, ok := it.Metadata["score_space"].(string); ok {
		return v
	}
	return ""
}

// ScopePenalized reports whether the store marked the item out of scope
func (it Item) ScopePenalized() bool {
	v, _ := it.Metadata["scope_penalized"].(bool)
	return v
}

// NewItemFromRow normalizes a repository row into an Item. Non-finite scores
// are coerced to scoreDefault so callers can rely on finite arithmetic.
func NewItemFromRow(row repository.Row, source string, scoreSpace string, scoreDefault float64) Item {
	metadata := make(map[string]interface{}, len(row.Metadata)+8)
	for k, v := range row.Metadata {
		metadata[k] = v
	}
	metadata["id"] = row.ID
	metadata["source_layer"] = row.SourceLayer
	metadata["source_type"] = row.SourceType
	metadata["similarity"] = finiteOr(row.Similarity, scoreDefault)
	if _, ok := metadata["jina_relevance_score"]; !ok {
		metadata["jina_relevance_score"] = nil
	}
	metadata["scope_penalized"] = row.ScopePenalized
	metadata["score_space"] = scoreSpace
	if row.TenantID != "" {
		metadata["tenant_id"] = row.TenantID
	}
	if row.IsGlobal {
		metadata["is_global"] = true
	}
	return Item{
		Source:   source,
		Content:  row.Content,
		Score:    finiteOr(row.Score, scoreDefault),
		Metadata: metadata,
	}
}

// SourceLabel builds the short source label for the nth item of a layer,
// e.g. "C1" for the first chunk.
func SourceLabel(layer string, n int) string {
	prefix := "C"
	switch layer {
	case FusionSourceGraph:
		prefix = "G"
	case FusionSourceRaptor:
		prefix = "S"
	}
	return fmt.Sprintf("%s%d", prefix, n)
}

// Trace is the diagnostic object accompanying every response
type Trace struct {
	FiltersApplied      map[string]interface{} `json:"filters_applied,omitempty"`
	EngineMode          string                 `json:"engine_mode"`
	PlannerUsed         bool                   `json:"planner_used"`
	FallbackUsed        bool                   `json:"fallback_used"`
	TimingsMS           map[string]float64     `json:"timings_ms"`
	Warnings            []string               `json:"warnings,omitempty"`
	WarningCodes        []string               `json:"warning_codes,omitempty"`
	ScopePenalizedCount int                    `json:"scope_penalized_count"`
	ScopePenalizedRatio float64                `json:"scope_penalized_ratio"`
	ScoreSpace          string                 `json:"score_space"`

	HintsApplied      []HintApplication `json:"hints_applied,omitempty"`
	MinScoreReport    *MinScoreReport   `json:"min_score,omitempty"`
	DroppedStructural int               `json:"dropped_structural"`
	MissingScopes     []string          `json:"missing_scopes,omitempty"`
	MissingClauseRefs []string          `json:"missing_clause_refs,omitempty"`
}

// NewTrace creates a trace with an initialized timing map
func NewTrace(engineMode string) *Trace {
	return &Trace{
		EngineMode: engineMode,
		TimingsMS:  map[string]float64{},
	}
}

// AddWarning appends a warning, deduplicating on first occurrence
func (t *Trace) AddWarning(warning string) {
	for _, w := range t.Warnings {
		if w == warning {
			return
		}
	}
	t.Warnings = append(t.Warnings, warning)
}

// AddWarningCode appends a warning code, deduplicating on first occurrence
func (t *Trace) AddWarningCode(code string) {
	for _, c := range t.WarningCodes {
		if c == code {
			return
		}
	}
	t.WarningCodes = append(t.WarningCodes, code)
}

// HintApplication records one fired search hint
type HintApplication struct {
	Term       string   `json:"term"`
	AddedTerms []string `json:"added_terms"`
}

// MinScoreReport records the effect of the min-score gate
type MinScoreReport struct {
	Threshold          float64 `json:"threshold"`
	Kept               int     `json:"kept"`
	Dropped            int     `json:"dropped"`
	ScoreSpaceBypassed int     `json:"score_space_bypassed"`
}

// SearchHint expands the effective query when its term matches
type SearchHint struct {
	Term     string   `json:"term"`
	ExpandTo []string `json:"expand_to"`
}

// Policy carries caller-supplied retrieval policy knobs
type Policy struct {
	Hints    []SearchHint `json:"hints,omitempty"`
	MinScore *float64     `json:"min_score,omitempty"`
}

// HybridRequest is the single-query retrieval request
type HybridRequest struct {
	Query              string                 `json:"query"`
	TenantID           string                 `json:"tenant_id"`
	CollectionID       string                 `json:"collection_id,omitempty"`
	K                  int                    `json:"k,omitempty"`
	FetchK             int                    `json:"fetch_k,omitempty"`
	Filters            map[string]interface{} `json:"filters,omitempty"`
	RerankEnabled      *bool                  `json:"rerank,omitempty"`
	Graph              *repository.GraphOptions `json:"graph,omitempty"`
	Policy             *Policy                `json:"retrieval_policy,omitempty"`
	Plan               *Plan                  `json:"retrieval_plan,omitempty"`
	SkipPlanner        bool                   `json:"_skip_planner,omitempty"`
	SkipExternalRerank bool                   `json:"_skip_external_rerank,omitempty"`
}

// HybridResponse is the single-query retrieval response
type HybridResponse struct {
	Items []Item `json:"items"`
	Trace *Trace `json:"trace"`
}

// SubQuery is one entry of a multi-query request
type SubQuery struct {
	Query        string                 `json:"query"`
	CollectionID string                 `json:"collection_id,omitempty"`
	K            int                    `json:"k,omitempty"`
	FetchK       int                    `json:"fetch_k,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
}

// MergeOptions controls the multi-query merge
type MergeOptions struct {
	Strategy string `json:"strategy,omitempty"`
	RRFK     int    `json:"rrf_k,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// MultiQueryRequest executes several related sub-queries and merges by RRF
type MultiQueryRequest struct {
	TenantID string       `json:"tenant_id"`
	Queries  []SubQuery   `json:"queries"`
	Merge    MergeOptions `json:"merge,omitempty"`
}

// Sub-query record statuses
const (
	SubqueryStatusOK    = "ok"
	SubqueryStatusError = "error"
)

// SubqueryRecord is the per-sub-query outcome in a multi-query response
type SubqueryRecord struct {
	Index      int     `json:"index"`
	Query      string  `json:"query"`
	Status     string  `json:"status"`
	Code       string  `json:"code,omitempty"`
	Error      string  `json:"error,omitempty"`
	ItemCount  int     `json:"item_count"`
	DurationMS float64 `json:"duration_ms"`
}

// MultiQueryResponse is the merged multi-query result
type MultiQueryResponse struct {
	Items      []Item           `json:"items"`
	Subqueries []SubqueryRecord `json:"subqueries"`
	Partial    bool             `json:"partial"`
	Trace      *Trace           `json:"trace"`
}

// ComprehensiveRequest fans out to chunks, graph and summaries
type ComprehensiveRequest struct {
	Query                 string                   `json:"query"`
	TenantID              string                   `json:"tenant_id"`
	CollectionID          string                   `json:"collection_id,omitempty"`
	K                     int                      `json:"k,omitempty"`
	FetchK                int                      `json:"fetch_k,omitempty"`
	Filters               map[string]interface{}   `json:"filters,omitempty"`
	Graph                 *repository.GraphOptions `json:"graph,omitempty"`
	Policy                *Policy                  `json:"retrieval_policy,omitempty"`
	RequireAllScopes      bool                     `json:"require_all_scopes,omitempty"`
	RequiredClauseRefs    []string                 `json:"required_clause_refs,omitempty"`
	MinClauseRefsRequired int                      `json:"min_clause_refs_required,omitempty"`
}

// ComprehensiveResponse is the late-fusion result
type ComprehensiveResponse struct {
	Items     []Item  `json:"items"`
	Trace     *Trace  `json:"trace"`
	LatencyMS float64 `json:"latency_ms"`
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
