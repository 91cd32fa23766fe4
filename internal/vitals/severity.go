package vitals

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Severity is an ordered, extensible classification tier.
type Severity string

const (
	Info      Severity = "Info"
	Warning   Severity = "Warning"
	Critical  Severity = "Critical"
	Emergency Severity = "Emergency"
)

type severityLevel struct {
	rank int
	word string
}

var (
	severityMu sync.Mutex
	severities atomic.Pointer[map[Severity]severityLevel]
)

func init() {
	levels := map[Severity]severityLevel{
		Info:      {rank: 10, word: "ATTENTION"},
		Warning:   {rank: 20, word: "WARNING"},
		Critical:  {rank: 30, word: "CRITICAL"},
		Emergency: {rank: 40, word: "EMERGENCY"},
	}
	severities.Store(&levels)
}

// RegisterSeverity adds or replaces a tier. Readers see either the old or the new
// registry, never a partial one.
func RegisterSeverity(s Severity, rank int, word string) error {
	if s == "" || word == "" {
		return fmt.Errorf("severity name and word are required")
	}
	severityMu.Lock()
	defer severityMu.Unlock()

	current := *severities.Load()
	next := make(map[Severity]severityLevel, len(current)+1)
	for k, v := range current {
		if v.rank == rank && k != s {
			return fmt.Errorf("severity rank %d already used by %s", rank, k)
		}
		next[k] = v
	}
	next[s] = severityLevel{rank: rank, word: word}
	severities.Store(&next)
	return nil
}

func lookupSeverity(s Severity) (severityLevel, bool) {
	lvl, ok := (*severities.Load())[s]
	return lvl, ok
}

// Rank orders severities; unknown ones rank 0.
func (s Severity) Rank() int {
	lvl, _ := lookupSeverity(s)
	return lvl.rank
}

// Word is the uppercase prefix used in alert messages.
func (s Severity) Word() string {
	if lvl, ok := lookupSeverity(s); ok {
		return lvl.word
	}
	return string(s)
}

func (s Severity) Known() bool {
	_, ok := lookupSeverity(s)
	return ok
}

func (s Severity) Higher(other Severity) bool {
	return s.Rank() > other.Rank()
}

// Severities lists registered tiers from lowest to highest.
func Severities() []Severity {
	current := *severities.Load()
	out := make([]Severity, 0, len(current))
	for s := range current {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return current[out[i]].rank < current[out[j]].rank })
	return out
}
