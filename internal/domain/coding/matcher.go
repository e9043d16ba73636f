package coding

// MatchResult holds the suggestions of one analysis, per domain, in
// library order.
type MatchResult struct {
	Diagnoses  []CodeSuggestion
	Procedures []CodeSuggestion
}

// All concatenates diagnoses then procedures.
func (r MatchResult) All() []CodeSuggestion {
	out := make([]CodeSuggestion, 0, len(r.Diagnoses)+len(r.Procedures))
	out = append(out, r.Diagnoses...)
	return append(out, r.Procedures...)
}

// Dedupe returns a copy keeping the first suggestion for each code.
// The matcher itself never deduplicates.
func (r MatchResult) Dedupe() MatchResult {
	seen := make(map[string]bool)
	keep := func(in []CodeSuggestion) []CodeSuggestion {
		var out []CodeSuggestion
		for _, s := range in {
			if seen[s.Code] {
				continue
			}
			seen[s.Code] = true
			out = append(out, s)
		}
		return out
	}
	return MatchResult{Diagnoses: keep(r.Diagnoses), Procedures: keep(r.Procedures)}
}

// Matcher evaluates note text against a Library.
type Matcher struct {
	library    *Library
	confidence ConfidenceFunc
}

// NewMatcher creates a matcher. A nil confidence function selects
// StrengthConfidence.
func NewMatcher(lib *Library, fn ConfidenceFunc) *Matcher {
	if fn == nil {
		fn = StrengthConfidence
	}
	return &Matcher{library: lib, confidence: fn}
}

// Match runs every pattern of both domains against text. When no procedure
// pattern fires, a single fallback E/M suggestion is emitted.
func (m *Matcher) Match(text string) MatchResult {
	res := MatchResult{
		Diagnoses:  m.matchDomain(DomainDiagnosis, text),
		Procedures: m.matchDomain(DomainProcedure, text),
	}
	if len(res.Procedures) == 0 {
		res.Procedures = []CodeSuggestion{{
			Code:        FallbackProcedureCode,
			Description: FallbackProcedureDescription,
			Confidence:  FallbackConfidence,
			Type:        CodeTypeCPT,
			Category:    CategoryEM,
		}}
	}
	return res
}

func (m *Matcher) matchDomain(d Domain, text string) []CodeSuggestion {
	var out []CodeSuggestion
	for _, p := range m.library.Patterns(d) {
		hits := p.Match.FindAllStringIndex(text, -1)
		if len(hits) == 0 {
			continue
		}
		match := Match{Domain: d, Code: p.Code, Occurrences: len(hits)}
		out = append(out, CodeSuggestion{
			Code:        p.Code,
			Description: p.Description,
			Confidence:  confidenceFor(match, m.confidence),
			Type:        d.CodeType(),
			Category:    p.Category,
		})
	}
	return out
}
