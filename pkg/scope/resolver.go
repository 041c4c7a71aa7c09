package scope

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	isoPattern    = regexp.MustCompile(`(?i)\bISO\s*[-:_]?\s*(\d{4,5})\b`)
	clausePattern = regexp.MustCompile(`\d+(\.\d+)+`)
	digitsPattern = regexp.MustCompile(`\b(\d{4,5})\b`)
)

// StandardHints maps a canonical standard name to tokens that hint at it
type StandardHints struct {
	Standard string
	Tokens   []string
}

// Resolver extracts normative standard references from free-form queries
type Resolver struct {
	// domain is the ordered set of standards this deployment serves
	domain []StandardHints
	// numbers indexes the bare standard numbers of the domain set
	numbers map[string]string
}

// DefaultDomain covers the management-system standards the platform serves
func DefaultDomain() []StandardHints {
	return []StandardHints{
		{Standard: "ISO 9001", Tokens: []string{"calidad", "quality", "no conformidad", "mejora continua", "satisfaccion del cliente"}},
		{Standard: "ISO 14001", Tokens: []string{"ambiental", "ambiente", "legal", "aspecto ambiental", "environmental"}},
		{Standard: "ISO 45001", Tokens: []string{"seguridad", "salud", "sst", "safety", "peligro", "incidente"}},
	}
}

// NewResolver creates a resolver over the given domain set. A nil domain uses
// DefaultDomain.
func NewResolver(domain []StandardHints) *Resolver {
	if domain == nil {
		domain = DefaultDomain()
	}
	numbers := make(map[string]string, len(domain))
	for _, d := range domain {
		if n, ok := standardNumber(d.Standard); ok {
			numbers[n] = d.Standard
		}
	}
	return &Resolver{domain: domain, numbers: numbers}
}

// Resolve extracts the scope of a query. The operation is idempotent: running
// it over a query that only contains canonical names yields the same set.
func (r *Resolver) Resolve(query string) Resolution {
	standards := r.extractStandards(query)

	res := Resolution{RequestedStandards: standards}

	if len(standards) == 0 && clausePattern.MatchString(query) {
		res.RequiresScopeClarification = true
		res.SuggestedScopes = r.suggest(query)
	}
	return res
}

// Canonicalize normalizes a single standard token ("iso9001", "9001",
// "ISO-9001") to its canonical form. Returns false for tokens outside the
// domain set that do not carry an explicit ISO prefix.
func (r *Resolver) Canonicalize(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if m := isoPattern.FindStringSubmatch(token); m != nil {
		return "ISO " + m[1], true
	}
	if std, ok := r.numbers[strings.TrimSpace(token)]; ok {
		return std, true
	}
	return "", false
}

// Domain returns the canonical names of the configured domain set in order
func (r *Resolver) Domain() []string {
	out := make([]string, len(r.domain))
	for i, d := range r.domain {
		out[i] = d.Standard
	}
	return out
}

func (r *Resolver) extractStandards(query string) []string {
	var ordered []string
	seen := make(map[string]bool)

	add := func(std string) {
		if !seen[std] {
			seen[std] = true
			ordered = append(ordered, std)
		}
	}

	// Explicit ISO references win, then bare domain numbers. The bare-number
	// pass skips clause-like positions by masking explicit matches first.
	masked := isoPattern.ReplaceAllStringFunc(query, func(m string) string {
		sub := isoPattern.FindStringSubmatch(m)
		add("ISO " + sub[1])
		return strings.Repeat(" ", len(m))
	})

	for _, m := range digitsPattern.FindAllString(masked, -1) {
		if std, ok := r.numbers[m]; ok {
			add(std)
		}
	}
	return ordered
}

// suggest returns standards whose hint tokens appear in the query; with no
// match the whole domain set is returned.
func (r *Resolver) suggest(query string) []string {
	lower := strings.ToLower(query)

	var matched []string
	for _, d := range r.domain {
		for _, tok := range d.Tokens {
			if strings.Contains(lower, strings.ToLower(tok)) {
				matched = append(matched, d.Standard)
				break
			}
		}
	}
	if len(matched) == 0 {
		return r.Domain()
	}
	return matched
}

// ClauseRefs extracts every dotted clause reference ("9.1.2") from text in
// order of appearance, deduplicated.
func ClauseRefs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range clausePattern.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func standardNumber(standard string) (string, bool) {
	m := isoPattern.FindStringSubmatch(standard)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FormatScopeMessage renders a clarification prompt listing candidates
func FormatScopeMessage(suggested []string) string {
	if len(suggested) == 0 {
		return "The query references a clause without naming a standard; please indicate which standard applies."
	}
	return fmt.Sprintf("The query references a clause without naming a standard; candidates: %s.",
		strings.Join(suggested, ", "))
}
