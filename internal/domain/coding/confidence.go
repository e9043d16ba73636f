package coding

import (
	"math"
	"math/rand"
	"sync"
)

// Confidence bands per domain: base plus at most width.
const (
	DiagnosisConfidenceBase  = 0.85
	DiagnosisConfidenceWidth = 0.10
	ProcedureConfidenceBase  = 0.80
	ProcedureConfidenceWidth = 0.15
)

// Match describes a single pattern hit.
type Match struct {
	Domain      Domain
	Code        string
	Occurrences int
}

// Strength maps the number of mentions into [0,1): a single mention scores
// zero, repeated mentions approach one.
func (m Match) Strength() float64 {
	if m.Occurrences <= 1 {
		return 0
	}
	return 1 - 1/float64(m.Occurrences)
}

// ConfidenceFunc returns the adjustment in [0,1] applied to a match's
// domain band. The result is scaled by the band width and clamped.
type ConfidenceFunc func(m Match) float64

// StrengthConfidence is the default, deterministic adjustment.
func StrengthConfidence(m Match) float64 { return m.Strength() }

// FlatConfidence always scores the domain base.
func FlatConfidence(Match) float64 { return 0 }

// SeededJitter returns an adjustment drawn from a seeded source. Two
// engines built with the same seed score the same call sequence identically.
func SeededJitter(seed int64) ConfidenceFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(Match) float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}
}

func confidenceFor(m Match, fn ConfidenceFunc) float64 {
	base, width := DiagnosisConfidenceBase, DiagnosisConfidenceWidth
	if m.Domain == DomainProcedure {
		base, width = ProcedureConfidenceBase, ProcedureConfidenceWidth
	}
	adj := fn(m)
	if math.IsNaN(adj) || adj < 0 {
		adj = 0
	} else if adj > 1 {
		adj = 1
	}
	return clamp01(base + width*adj)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
