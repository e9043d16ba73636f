package coding

import (
	"fmt"
	"regexp"
)

// CodePattern maps a case-insensitive text matcher to the code it implies.
type CodePattern struct {
	Match       *regexp.Regexp
	Code        string
	Description string
	Domain      Domain
	Category    string
}

// NewCodePattern compiles expr case-insensitively and validates the entry.
func NewCodePattern(domain Domain, expr, code, description, category string) (CodePattern, error) {
	if code == "" {
		return CodePattern{}, fmt.Errorf("pattern %q: code is required", expr)
	}
	if expr == "" {
		return CodePattern{}, fmt.Errorf("code %s: pattern is required", code)
	}
	if domain != DomainDiagnosis && domain != DomainProcedure {
		return CodePattern{}, fmt.Errorf("code %s: invalid domain %q", code, domain)
	}
	if category != "" {
		if domain != DomainProcedure {
			return CodePattern{}, fmt.Errorf("code %s: category is only valid for procedures", code)
		}
		if !validCategories[category] {
			return CodePattern{}, fmt.Errorf("code %s: invalid category %q", code, category)
		}
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return CodePattern{}, fmt.Errorf("code %s: compile pattern: %w", code, err)
	}
	return CodePattern{Match: re, Code: code, Description: description, Domain: domain, Category: category}, nil
}

func mustPattern(domain Domain, expr, code, description, category string) CodePattern {
	p, err := NewCodePattern(domain, expr, code, description, category)
	if err != nil {
		panic(err)
	}
	return p
}

// Library is an ordered, immutable set of code patterns split by domain.
// Order is kept for display only; every pattern fires independently.
type Library struct {
	diagnoses  []CodePattern
	procedures []CodePattern
}

// NewLibrary groups patterns by domain, preserving their relative order.
func NewLibrary(patterns []CodePattern) *Library {
	l := &Library{}
	for _, p := range patterns {
		switch p.Domain {
		case DomainDiagnosis:
			l.diagnoses = append(l.diagnoses, p)
		case DomainProcedure:
			l.procedures = append(l.procedures, p)
		}
	}
	return l
}

// Patterns returns a copy of the patterns for one domain.
func (l *Library) Patterns(d Domain) []CodePattern {
	var src []CodePattern
	if d == DomainProcedure {
		src = l.procedures
	} else {
		src = l.diagnoses
	}
	return append([]CodePattern(nil), src...)
}

// Len returns the total number of patterns.
func (l *Library) Len() int { return len(l.diagnoses) + len(l.procedures) }

// Describe returns the code description for a known code, if any.
func (l *Library) Describe(code string) (string, bool) {
	for _, set := range [][]CodePattern{l.diagnoses, l.procedures} {
		for _, p := range set {
			if p.Code == code {
				return p.Description, true
			}
		}
	}
	return "", false
}

// Fallback procedure emitted when no procedure pattern matches.
const (
	FallbackProcedureCode        = "99309"
	FallbackProcedureDescription = "Subsequent nursing facility care, moderate complexity"
	FallbackConfidence           = 0.75
)

// DefaultLibrary returns the compiled-in reference patterns.
func DefaultLibrary() *Library {
	return NewLibrary(defaultPatterns)
}

var defaultPatterns = []CodePattern{
	// Diagnoses
	mustPattern(DomainDiagnosis, `hypertension|\bhtn\b`, "I10", "Essential (primary) hypertension", ""),
	mustPattern(DomainDiagnosis, `diabetes|\bdm2?\b|\bt2dm\b`, "E11.9", "Type 2 diabetes mellitus without complications", ""),
	mustPattern(DomainDiagnosis, `\bcopd\b|chronic obstructive`, "J44.9", "Chronic obstructive pulmonary disease, unspecified", ""),
	mustPattern(DomainDiagnosis, `heart failure|\bchf\b`, "I50.9", "Heart failure, unspecified", ""),
	mustPattern(DomainDiagnosis, `atrial fibrillation|\bafib\b|\ba-fib\b`, "I48.91", "Unspecified atrial fibrillation", ""),
	mustPattern(DomainDiagnosis, `pneumonia`, "J18.9", "Pneumonia, unspecified organism", ""),
	mustPattern(DomainDiagnosis, `urinary tract infection|\buti\b`, "N39.0", "Urinary tract infection, site not specified", ""),
	mustPattern(DomainDiagnosis, `chronic kidney disease|\bckd\b`, "N18.9", "Chronic kidney disease, unspecified", ""),
	mustPattern(DomainDiagnosis, `dementia`, "F03.90", "Unspecified dementia without behavioral disturbance", ""),
	mustPattern(DomainDiagnosis, `depress(ion|ive)`, "F32.A", "Depression, unspecified", ""),
	mustPattern(DomainDiagnosis, `\bstroke\b|\bcva\b`, "I63.9", "Cerebral infarction, unspecified", ""),
	mustPattern(DomainDiagnosis, `hip fracture|fractured hip`, "S72.001A", "Fracture of unspecified part of neck of right femur, initial encounter", ""),
	mustPattern(DomainDiagnosis, `pressure (ulcer|injury)|decubitus`, "L89.90", "Pressure ulcer of unspecified site, unspecified stage", ""),
	mustPattern(DomainDiagnosis, `repeated falls|history of falls|fall risk`, "R29.6", "Repeated falls", ""),
	mustPattern(DomainDiagnosis, `generali[sz]ed weakness|muscle weakness|debility`, "M62.81", "Muscle weakness (generalized)", ""),
	mustPattern(DomainDiagnosis, `dysphagia`, "R13.10", "Dysphagia, unspecified", ""),

	// Procedures: evaluation and management
	mustPattern(DomainProcedure, `initial (nursing facility )?(visit|care)|admission (h&p|history and physical)`, "99304", "Initial nursing facility care, straightforward or low complexity", CategoryEM),
	mustPattern(DomainProcedure, `high complexity|complex medical decision`, "99310", "Subsequent nursing facility care, high complexity", CategoryEM),
	mustPattern(DomainProcedure, `discharge (day )?management|discharge summary`, "99315", "Nursing facility discharge management, 30 minutes or less", CategoryEM),

	// Physical therapy
	mustPattern(DomainProcedure, `physical therapy evaluation|\bpt eval`, "97162", "Physical therapy evaluation, moderate complexity", CategoryPT),
	mustPattern(DomainProcedure, `therapeutic exercise`, "97110", "Therapeutic exercise", CategoryPT),
	mustPattern(DomainProcedure, `neuromuscular re-?education`, "97112", "Neuromuscular re-education", CategoryPT),
	mustPattern(DomainProcedure, `gait training`, "97116", "Gait training", CategoryPT),
	mustPattern(DomainProcedure, `therapeutic activit`, "97530", "Therapeutic activities", CategoryPT),

	// Occupational therapy
	mustPattern(DomainProcedure, `occupational therapy evaluation|\bot eval`, "97166", "Occupational therapy evaluation, moderate complexity", CategoryOT),
	mustPattern(DomainProcedure, `\badl training|self-care training|activities of daily living training`, "97535", "Self-care/home management training", CategoryOT),

	// Speech therapy
	mustPattern(DomainProcedure, `swallow(ing)? (evaluation|study)`, "92610", "Evaluation of oral and pharyngeal swallowing function", CategoryST),
	mustPattern(DomainProcedure, `dysphagia (treatment|therapy)|swallow(ing)? therapy`, "92526", "Treatment of swallowing dysfunction", CategoryST),

	// Wound care
	mustPattern(DomainProcedure, `selective debridement|wound debridement`, "97597", "Debridement, open wound, first 20 sq cm or less", CategoryWound),
	mustPattern(DomainProcedure, `negative pressure wound|wound vac`, "97605", "Negative pressure wound therapy, 50 sq cm or less", CategoryWound),
}
