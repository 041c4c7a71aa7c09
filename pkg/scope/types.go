// Package scope parses and validates the normative scope of a query: which
// standards it addresses, whether the scope is ambiguous, and whether caller
// supplied filters are acceptable.
package scope

// Resolution is the outcome of resolving a query's normative scope
type Resolution struct {
	// RequestedStandards holds canonical standard names ("ISO 9001") in
	// first-seen order with duplicates removed.
	RequestedStandards []string `json:"requested_standards"`
	// RequiresScopeClarification is set when the query references a clause
	// without naming any standard.
	RequiresScopeClarification bool `json:"requires_scope_clarification"`
	// SuggestedScopes lists probable candidate standards for an ambiguous query.
	SuggestedScopes []string `json:"suggested_scopes"`
}

// Violation describes a single rejected filter entry
type Violation struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// TimeRange is a normalized time window filter. From and To are ISO-8601 UTC.
type TimeRange struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Field string `json:"field,omitempty"`
}

// NormalizedScope is the validated, canonical form of the caller's filters
type NormalizedScope struct {
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	TimeRange       *TimeRange             `json:"time_range,omitempty"`
	SourceStandards []string               `json:"source_standards,omitempty"`
}

// ValidationResult is the full outcome of scope validation
type ValidationResult struct {
	Valid           bool            `json:"valid"`
	NormalizedScope NormalizedScope `json:"normalized_scope"`
	Violations      []Violation     `json:"violations"`
	Warnings        []string        `json:"warnings"`
	QueryScope      Resolution      `json:"query_scope"`
}
