package coding

import "github.com/rs/zerolog"

// Engine is the pure analysis pipeline over one reference snapshot:
// matcher, resolver and risk assessor.
type Engine struct {
	matcher  *Matcher
	resolver *Resolver
	assessor *RiskAssessor
}

// NewEngine wires the pipeline from reference data. Resolver misses go to
// misses; nil gives the engine a log of its own.
func NewEngine(ref *Reference, fn ConfidenceFunc, misses *MissLog, logger zerolog.Logger) *Engine {
	return &Engine{
		matcher:  NewMatcher(ref.Library, fn),
		resolver: NewSharedResolver(ref.Rates, misses, logger),
		assessor: NewRiskAssessor(ref.Rules),
	}
}

// Resolver exposes the engine's reimbursement resolver.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// Analysis is the outcome of one analysis run.
type Analysis struct {
	Matches   MatchResult
	Codes     []CodeSuggestion
	Risk      RiskAssessment
	Estimated float64
}

// Analyze runs the pipeline over note text. Procedure suggestions carry
// their reimbursement estimate; the estimate total assumes every
// suggestion is accepted.
func (e *Engine) Analyze(text string) Analysis {
	m := e.matcher.Match(text)
	counted := make(map[string]bool)
	estimated := 0.0
	for i := range m.Procedures {
		amt := e.resolver.Resolve(m.Procedures[i].Code)
		m.Procedures[i].Reimbursement = &amt
		if !counted[m.Procedures[i].Code] {
			counted[m.Procedures[i].Code] = true
			estimated += amt
		}
	}
	codes := m.All()
	return Analysis{
		Matches:   m,
		Codes:     codes,
		Risk:      e.assessor.Assess(text, codes),
		Estimated: estimated,
	}
}

// Result renders the analysis in its outbound shape.
func (a Analysis) Result() AnalysisResult {
	return AnalysisResult{
		Codes:                  cloneSuggestions(a.Codes),
		EstimatedReimbursement: a.Estimated,
		DenialRisk:             a.Risk.Tier,
		DenialReasons:          copyReasons(a.Risk.Reasons),
	}
}
