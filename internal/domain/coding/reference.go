package coding

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Reference is an immutable snapshot of the coding reference data: pattern
// library, rate table and risk heuristics. Sessions keep the snapshot they
// were analysed with across reloads.
type Reference struct {
	Library *Library
	Rates   *RateTable
	Rules   RiskRules
	Source  string
}

// DefaultReference returns the compiled-in reference data.
func DefaultReference() *Reference {
	return &Reference{
		Library: DefaultLibrary(),
		Rates:   DefaultRateTable(),
		Rules:   DefaultRiskRules(),
		Source:  "builtin",
	}
}

type referenceFile struct {
	DefaultRate float64            `yaml:"default_rate"`
	Rates       map[string]float64 `yaml:"rates"`
	Patterns    []patternEntry     `yaml:"patterns"`
	Risk        *riskEntry         `yaml:"risk"`
}

type patternEntry struct {
	Domain      Domain `yaml:"domain"`
	Match       string `yaml:"match"`
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
}

type riskEntry struct {
	MinLength         int      `yaml:"min_length"`
	NecessityKeywords []string `yaml:"necessity_keywords"`
	TherapyRanges     []struct {
		Low  int `yaml:"low"`
		High int `yaml:"high"`
	} `yaml:"therapy_ranges"`
	MinutesPattern string   `yaml:"minutes_pattern"`
	ChronicCodes   []string `yaml:"chronic_codes"`
	LinkKeywords   []string `yaml:"link_keywords"`
}

// LoadReference parses a YAML reference document. Sections that are
// omitted fall back to the built-in data; every pattern is validated and
// all problems are reported together.
func LoadReference(r io.Reader, source string) (*Reference, error) {
	var doc referenceFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode reference %s: %w", source, err)
	}

	ref := DefaultReference()
	ref.Source = source

	if len(doc.Patterns) > 0 {
		var (
			patterns []CodePattern
			errs     []error
		)
		for i, e := range doc.Patterns {
			p, err := NewCodePattern(e.Domain, e.Match, e.Code, e.Description, e.Category)
			if err != nil {
				errs = append(errs, fmt.Errorf("patterns[%d]: %w", i, err))
				continue
			}
			patterns = append(patterns, p)
		}
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		ref.Library = NewLibrary(patterns)
	}

	if len(doc.Rates) > 0 || doc.DefaultRate > 0 {
		rates := doc.Rates
		if len(rates) == 0 {
			rates = defaultRates
		}
		for code, v := range rates {
			if v < 0 {
				return nil, fmt.Errorf("rates[%s]: negative amount %.2f", code, v)
			}
		}
		ref.Rates = NewRateTable(rates, doc.DefaultRate)
	}

	if doc.Risk != nil {
		rules, err := doc.Risk.rules()
		if err != nil {
			return nil, err
		}
		ref.Rules = rules
	}
	return ref, nil
}

func (e *riskEntry) rules() (RiskRules, error) {
	rules := DefaultRiskRules()
	if e.MinLength > 0 {
		rules.MinLength = e.MinLength
	}
	if len(e.NecessityKeywords) > 0 {
		rules.NecessityKeywords = e.NecessityKeywords
	}
	if len(e.TherapyRanges) > 0 {
		rules.TherapyRanges = nil
		for i, r := range e.TherapyRanges {
			if r.Low > r.High {
				return RiskRules{}, fmt.Errorf("risk.therapy_ranges[%d]: low %d exceeds high %d", i, r.Low, r.High)
			}
			rules.TherapyRanges = append(rules.TherapyRanges, CodeRange{Low: r.Low, High: r.High})
		}
	}
	if e.MinutesPattern != "" {
		re, err := regexp.Compile("(?i)" + e.MinutesPattern)
		if err != nil {
			return RiskRules{}, fmt.Errorf("risk.minutes_pattern: %w", err)
		}
		rules.MinutesPattern = re
	}
	if len(e.ChronicCodes) > 0 {
		rules.ChronicCodes = e.ChronicCodes
	}
	if len(e.LinkKeywords) > 0 {
		rules.LinkKeywords = e.LinkKeywords
	}
	return rules, nil
}

// LoadReferenceFile loads reference data from path. An empty path yields
// the built-in reference.
func LoadReferenceFile(path string) (*Reference, error) {
	if path == "" {
		return DefaultReference(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference file: %w", err)
	}
	defer f.Close()
	return LoadReference(f, path)
}
