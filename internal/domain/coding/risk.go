package coding

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Risk reasons, in rule evaluation order.
const (
	ReasonBrief         = "documentation may be too brief for medical necessity"
	ReasonNoNecessity   = "missing skilled/medical-necessity language"
	ReasonTherapyTime   = "therapy codes present but time documentation missing"
	ReasonDiagnosisLink = "consider linking diagnosis to therapy services"
)

// Tier thresholds over the additive score.
const (
	HighRiskScore   = 4
	MediumRiskScore = 2
)

// CodeRange is an inclusive numeric CPT range.
type CodeRange struct {
	Low, High int
}

func (r CodeRange) contains(code string) bool {
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return n >= r.Low && n <= r.High
}

// RiskRules parameterises the denial-risk heuristics.
type RiskRules struct {
	MinLength         int
	NecessityKeywords []string
	TherapyRanges     []CodeRange
	MinutesPattern    *regexp.Regexp
	ChronicCodes      []string
	LinkKeywords      []string
}

// DefaultRiskRules returns the reference heuristics.
func DefaultRiskRules() RiskRules {
	return RiskRules{
		MinLength:         200,
		NecessityKeywords: []string{"skilled", "medically necessary", "medical necessity", "requires", "required"},
		TherapyRanges:     []CodeRange{{Low: 97110, High: 97546}, {Low: 92507, High: 92526}},
		MinutesPattern:    regexp.MustCompile(`(?i)\b\d+\s*(min|mins|minutes)\b`),
		ChronicCodes:      []string{"E11.9"},
		LinkKeywords:      []string{"neuropathy", "due to", "secondary to", "related to", "impair"},
	}
}

// IsTherapy reports whether a procedure code falls in a therapy range.
func (r RiskRules) IsTherapy(code string) bool {
	for _, rng := range r.TherapyRanges {
		if rng.contains(code) {
			return true
		}
	}
	return false
}

// RiskAssessor scores documentation quality. The result is advisory: it
// never replaces human review.
type RiskAssessor struct {
	rules RiskRules
}

func NewRiskAssessor(rules RiskRules) *RiskAssessor {
	return &RiskAssessor{rules: rules}
}

// Assess evaluates every rule against the note and its suggestions.
func (a *RiskAssessor) Assess(text string, codes []CodeSuggestion) RiskAssessment {
	lower := strings.ToLower(text)
	score := 0
	reasons := []string{}

	if utf8.RuneCountInString(strings.TrimSpace(text)) < a.rules.MinLength {
		score += 2
		reasons = append(reasons, ReasonBrief)
	}

	if !containsAny(lower, a.rules.NecessityKeywords) {
		score += 2
		reasons = append(reasons, ReasonNoNecessity)
	}

	hasTherapy := false
	for _, c := range codes {
		if c.IsProcedure() && a.rules.IsTherapy(c.Code) {
			hasTherapy = true
			break
		}
	}
	if hasTherapy && !a.rules.MinutesPattern.MatchString(text) {
		score++
		reasons = append(reasons, ReasonTherapyTime)
	}

	if hasTherapy && hasChronic(codes, a.rules.ChronicCodes) && !containsAny(lower, a.rules.LinkKeywords) {
		score++
		reasons = append(reasons, ReasonDiagnosisLink)
	}

	tier := TierForScore(score)
	if tier == RiskLow {
		// Low tier never carries reasons; sub-threshold findings stay visible
		// as advisories.
		return RiskAssessment{Tier: tier, Score: score, Reasons: []string{}, Advisories: reasons}
	}
	return RiskAssessment{Tier: tier, Score: score, Reasons: reasons}
}

// TierForScore maps an additive score onto a tier.
func TierForScore(score int) RiskTier {
	switch {
	case score >= HighRiskScore:
		return RiskHigh
	case score >= MediumRiskScore:
		return RiskMedium
	}
	return RiskLow
}

func containsAny(lower string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func hasChronic(codes []CodeSuggestion, chronic []string) bool {
	for _, c := range codes {
		if c.IsProcedure() {
			continue
		}
		for _, k := range chronic {
			if c.Code == k {
				return true
			}
		}
	}
	return false
}
