package coding

// Selection tracks which suggested codes a reviewer has accepted during one
// analysis run. It is not safe for concurrent use; Session serialises access.
type Selection struct {
	suggestions []CodeSuggestion
	known       map[string]bool
	selected    map[string]bool
	resolver    *Resolver
}

// NewSelection starts with every suggested code selected.
func NewSelection(suggestions []CodeSuggestion, resolver *Resolver) *Selection {
	s := &Selection{
		suggestions: cloneSuggestions(suggestions),
		known:       make(map[string]bool, len(suggestions)),
		selected:    make(map[string]bool, len(suggestions)),
		resolver:    resolver,
	}
	for _, c := range suggestions {
		s.known[c.Code] = true
		s.selected[c.Code] = true
	}
	return s
}

// Toggle flips membership of code. Codes not in the current suggestion set
// are ignored.
func (s *Selection) Toggle(code string) {
	if !s.known[code] {
		return
	}
	if s.selected[code] {
		delete(s.selected, code)
		return
	}
	s.selected[code] = true
}

// Deselect removes code if present.
func (s *Selection) Deselect(code string) {
	delete(s.selected, code)
}

// IsSelected reports whether code is currently accepted.
func (s *Selection) IsSelected(code string) bool { return s.selected[code] }

// Len returns the number of distinct selected codes.
func (s *Selection) Len() int { return len(s.selected) }

// Codes returns the selected codes in suggestion order, each once.
func (s *Selection) Codes() []string {
	seen := make(map[string]bool, len(s.selected))
	var out []string
	for _, c := range s.suggestions {
		if s.selected[c.Code] && !seen[c.Code] {
			seen[c.Code] = true
			out = append(out, c.Code)
		}
	}
	return out
}

// Selected returns copies of the selected suggestions in suggestion order.
func (s *Selection) Selected() []CodeSuggestion {
	var out []CodeSuggestion
	for _, c := range cloneSuggestions(s.suggestions) {
		if s.selected[c.Code] {
			out = append(out, c)
		}
	}
	return out
}

// SelectedTotal sums reimbursement over the distinct selected procedure
// codes. Diagnoses never contribute.
func (s *Selection) SelectedTotal() float64 {
	return procedureTotal(s.suggestions, s.selected, s.resolver)
}

func procedureTotal(codes []CodeSuggestion, include map[string]bool, resolver *Resolver) float64 {
	counted := make(map[string]bool)
	total := 0.0
	for _, c := range codes {
		if !c.IsProcedure() || counted[c.Code] {
			continue
		}
		if include != nil && !include[c.Code] {
			continue
		}
		counted[c.Code] = true
		if c.Reimbursement != nil {
			total += *c.Reimbursement
			continue
		}
		total += resolver.Resolve(c.Code)
	}
	return total
}
