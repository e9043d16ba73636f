package coding

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultRate is the flat estimate for procedure codes missing from the table.
const DefaultRate = 75.00

// RateTable is a static procedure-code rate schedule.
type RateTable struct {
	rates       map[string]float64
	defaultRate float64
}

// NewRateTable copies rates. A non-positive defaultRate selects DefaultRate.
func NewRateTable(rates map[string]float64, defaultRate float64) *RateTable {
	if defaultRate <= 0 {
		defaultRate = DefaultRate
	}
	cp := make(map[string]float64, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &RateTable{rates: cp, defaultRate: defaultRate}
}

// DefaultRateTable returns the compiled-in illustrative schedule.
func DefaultRateTable() *RateTable {
	return NewRateTable(defaultRates, DefaultRate)
}

// Lookup returns the table rate and whether the code was listed.
func (t *RateTable) Lookup(code string) (float64, bool) {
	v, ok := t.rates[code]
	return v, ok
}

// Default returns the flat rate used for unlisted codes.
func (t *RateTable) Default() float64 { return t.defaultRate }

// WithDefault returns a copy of t whose unlisted-code rate is v.
func (t *RateTable) WithDefault(v float64) *RateTable {
	return NewRateTable(t.rates, v)
}

// Codes returns the listed codes, sorted.
func (t *RateTable) Codes() []string {
	codes := make([]string, 0, len(t.rates))
	for c := range t.rates {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

var defaultRates = map[string]float64{
	"99304": 135.00,
	"99305": 190.00,
	"99306": 245.00,
	"99307": 55.00,
	"99308": 85.00,
	"99309": 115.00,
	"99310": 170.00,
	"99315": 90.00,
	"99316": 130.00,
	"97110": 32.50,
	"97112": 37.80,
	"97116": 32.00,
	"97530": 38.50,
	"97535": 35.60,
	"97161": 101.00,
	"97162": 101.00,
	"97163": 101.00,
	"97165": 96.00,
	"97166": 96.00,
	"97167": 96.00,
	"92526": 88.00,
	"92610": 95.00,
	"97597": 85.00,
	"97605": 38.00,
}

// MissLog counts procedure codes that fell back to the default rate. One
// log outlives reference reloads so counts accumulate across snapshots.
type MissLog struct {
	mu     sync.Mutex
	misses map[string]int
}

func NewMissLog() *MissLog {
	return &MissLog{misses: make(map[string]int)}
}

func (l *MissLog) record(code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.misses[code]++
	return l.misses[code]
}

// Snapshot returns unresolved codes and how often each was seen.
func (l *MissLog) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.misses))
	for k, v := range l.misses {
		out[k] = v
	}
	return out
}

// Resolver maps procedure codes to reimbursement estimates. Unlisted codes
// silently fall back to the table default; each miss is logged and counted
// so the reference table can be maintained.
type Resolver struct {
	table  *RateTable
	misses *MissLog
	logger zerolog.Logger
}

// NewResolver creates a resolver over table with its own miss log.
func NewResolver(table *RateTable, logger zerolog.Logger) *Resolver {
	return NewSharedResolver(table, NewMissLog(), logger)
}

// NewSharedResolver creates a resolver that records misses in misses.
func NewSharedResolver(table *RateTable, misses *MissLog, logger zerolog.Logger) *Resolver {
	if misses == nil {
		misses = NewMissLog()
	}
	return &Resolver{table: table, misses: misses, logger: logger}
}

// Resolve returns the reimbursement estimate for code. It never fails.
func (r *Resolver) Resolve(code string) float64 {
	if v, ok := r.table.Lookup(code); ok {
		return v
	}
	n := r.misses.record(code)

	r.logger.Warn().
		Str("code", code).
		Int("miss_count", n).
		Float64("default_rate", r.table.Default()).
		Msg("procedure code missing from rate table")
	return r.table.Default()
}

// Table returns the underlying rate table.
func (r *Resolver) Table() *RateTable { return r.table }

// Misses returns a snapshot of unresolved codes and how often each was seen.
func (r *Resolver) Misses() map[string]int { return r.misses.Snapshot() }
