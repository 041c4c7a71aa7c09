package scope

import (
	"fmt"
	"sort"
	"time"

	"github.com/norm-mesh/norm-mesh/pkg/apierrors"
)

// Filter keys accepted by the validator
const (
	FilterKeyMetadata        = "metadata"
	FilterKeyTimeRange       = "time_range"
	FilterKeySourceStandard  = "source_standard"
	FilterKeySourceStandards = "source_standards"
)

var allowedFilterKeys = map[string]bool{
	FilterKeyMetadata:        true,
	FilterKeyTimeRange:       true,
	FilterKeySourceStandard:  true,
	FilterKeySourceStandards: true,
}

// timeLayouts accepted for time_range bounds, tried in order
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Validator normalizes caller filters and rejects anything outside the
// allow-list. It never mutates its input.
type Validator struct {
	resolver *Resolver
}

// NewValidator creates a validator backed by the given resolver
func NewValidator(resolver *Resolver) *Validator {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	return &Validator{resolver: resolver}
}

// Resolver returns the resolver the validator is backed by
func (v *Validator) Resolver() *Resolver { return v.resolver }

// Validate checks the filters of a query and resolves the query's own scope.
// The result is always usable: on violations Valid is false and
// NormalizedScope holds whatever subset survived.
func (v *Validator) Validate(query string, filters map[string]interface{}) ValidationResult {
	result := ValidationResult{
		Valid:      true,
		Violations: []Violation{},
		Warnings:   []string{},
		QueryScope: v.resolver.Resolve(query),
	}

	for _, key := range sortedKeys(filters) {
		if !allowedFilterKeys[key] {
			result.addViolation(apierrors.CodeInvalidScopeFilter, key,
				fmt.Sprintf("filter key %q is not allowed", key))
		}
	}

	if raw, ok := filters[FilterKeyMetadata]; ok {
		v.validateMetadata(raw, &result)
	}
	if raw, ok := filters[FilterKeyTimeRange]; ok {
		v.validateTimeRange(raw, &result)
	}
	v.validateSourceStandards(filters, &result)

	result.Valid = len(result.Violations) == 0
	return result
}

func (v *Validator) validateMetadata(raw interface{}, result *ValidationResult) {
	meta, ok := raw.(map[string]interface{})
	if !ok {
		result.addViolation(apierrors.CodeInvalidScopeFilter, FilterKeyMetadata,
			"metadata filter must be an object")
		return
	}

	normalized := make(map[string]interface{}, len(meta))
	for _, k := range sortedKeys(meta) {
		val := meta[k]
		if !isScalar(val) {
			result.addViolation(apierrors.CodeInvalidScopeFilter,
				fmt.Sprintf("metadata.%s", k),
				fmt.Sprintf("metadata value for %q must be a scalar", k))
			continue
		}
		normalized[k] = val
	}
	if len(normalized) > 0 {
		result.NormalizedScope.Metadata = normalized
	}
}

func (v *Validator) validateTimeRange(raw interface{}, result *ValidationResult) {
	tr, ok := raw.(map[string]interface{})
	if !ok {
		result.addViolation(apierrors.CodeInvalidTimeRange, FilterKeyTimeRange,
			"time_range filter must be an object")
		return
	}

	normalized := &TimeRange{}
	valid := true

	if from, ok := tr["from"]; ok {
		if parsed, err := parseTimeValue(from); err != nil {
			result.addViolation(apierrors.CodeInvalidTimeRange, "time_range.from", err.Error())
			valid = false
		} else {
			normalized.From = parsed
		}
	}
	if to, ok := tr["to"]; ok {
		if parsed, err := parseTimeValue(to); err != nil {
			result.addViolation(apierrors.CodeInvalidTimeRange, "time_range.to", err.Error())
			valid = false
		} else {
			normalized.To = parsed
		}
	}
	if field, ok := tr["field"]; ok {
		s, isString := field.(string)
		if !isString || s == "" {
			result.addViolation(apierrors.CodeInvalidTimeRange, "time_range.field",
				"time_range field must be a non-empty string")
			valid = false
		} else {
			normalized.Field = s
		}
	}

	if normalized.From != "" && normalized.To != "" && normalized.From > normalized.To {
		result.addViolation(apierrors.CodeInvalidTimeRange, FilterKeyTimeRange,
			"time_range from must not be after to")
		valid = false
	}

	if valid && (normalized.From != "" || normalized.To != "" || normalized.Field != "") {
		result.NormalizedScope.TimeRange = normalized
	}
}

func (v *Validator) validateSourceStandards(filters map[string]interface{}, result *ValidationResult) {
	var tokens []string

	if raw, ok := filters[FilterKeySourceStandard]; ok {
		if s, isString := raw.(string); isString {
			tokens = append(tokens, s)
		} else {
			result.addViolation(apierrors.CodeInvalidScopeFilter, FilterKeySourceStandard,
				"source_standard must be a string")
		}
	}
	if raw, ok := filters[FilterKeySourceStandards]; ok {
		list, err := toStringSlice(raw)
		if err != nil {
			result.addViolation(apierrors.CodeInvalidScopeFilter, FilterKeySourceStandards,
				"source_standards must be a list of strings")
		} else {
			tokens = append(tokens, list...)
		}
	}

	var normalized []string
	seen := make(map[string]bool)
	for _, tok := range tokens {
		std, ok := v.resolver.Canonicalize(tok)
		if !ok {
			result.addViolation(apierrors.CodeInvalidScopeFilter, FilterKeySourceStandards,
				fmt.Sprintf("unrecognized standard %q", tok))
			continue
		}
		if !seen[std] {
			seen[std] = true
			normalized = append(normalized, std)
		}
	}
	result.NormalizedScope.SourceStandards = normalized

	// A filter scope that disagrees with the query's own scope is legal but
	// worth surfacing to the caller.
	if len(normalized) > 0 && len(result.QueryScope.RequestedStandards) > 0 {
		for _, q := range result.QueryScope.RequestedStandards {
			if !seen[q] {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("query mentions %s but filters exclude it", q))
			}
		}
	}
}

func (r *ValidationResult) addViolation(code, field, message string) {
	r.Violations = append(r.Violations, Violation{Code: code, Field: field, Message: message})
}

func parseTimeValue(raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("time value must be a string, got %T", raw)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("cannot parse %q as a timestamp", s)
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool,
		int, int32, int64,
		float32, float64:
		return true
	default:
		return false
	}
}

func toStringSlice(raw interface{}) ([]string, error) {
	switch vals := raw.(type) {
	case []string:
		return vals, nil
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("element %v is not a string", v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
