package vitals

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync/atomic"

	"github.com/minasoft/vital-alerts/internal/db"
)

// ThresholdRule bounds one metric. Nil bounds are open. A rule carrying only
// ChangeThreshold classifies by delta against the previous reading.
type ThresholdRule struct {
	Min             *float64 `json:"min,omitempty"`
	Max             *float64 `json:"max,omitempty"`
	CriticalMin     *float64 `json:"criticalMin,omitempty"`
	CriticalMax     *float64 `json:"criticalMax,omitempty"`
	ChangeThreshold *float64 `json:"changeThreshold,omitempty"`
	Unit            string   `json:"unit,omitempty"`
}

func (r ThresholdRule) hasRange() bool {
	return r.Min != nil || r.Max != nil || r.CriticalMin != nil || r.CriticalMax != nil
}

// Validate enforces criticalMin <= min <= max <= criticalMax over the defined bounds.
func (r ThresholdRule) Validate() error {
	bounds := []struct {
		name string
		v    *float64
	}{
		{"criticalMin", r.CriticalMin},
		{"min", r.Min},
		{"max", r.Max},
		{"criticalMax", r.CriticalMax},
	}
	var prevName string
	var prev *float64
	for _, b := range bounds {
		if b.v == nil {
			continue
		}
		if math.IsNaN(*b.v) || math.IsInf(*b.v, 0) {
			return fmt.Errorf("%s must be finite", b.name)
		}
		if prev != nil && *prev > *b.v {
			return fmt.Errorf("%s (%v) must not exceed %s (%v)", prevName, *prev, b.name, *b.v)
		}
		prevName, prev = b.name, b.v
	}
	if r.ChangeThreshold != nil {
		c := *r.ChangeThreshold
		if math.IsNaN(c) || math.IsInf(c, 0) || c <= 0 {
			return fmt.Errorf("changeThreshold must be a positive number")
		}
	}
	if !r.hasRange() && r.ChangeThreshold == nil {
		return fmt.Errorf("rule defines no bounds")
	}
	return nil
}

// RuleSet is an immutable snapshot of rules keyed by metric.
type RuleSet struct {
	rules map[string]ThresholdRule
}

func NewRuleSet(rules map[string]ThresholdRule) (*RuleSet, error) {
	copied := make(map[string]ThresholdRule, len(rules))
	for metric, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", metric, err)
		}
		copied[metric] = rule
	}
	return &RuleSet{rules: copied}, nil
}

func (s *RuleSet) Rule(metric string) (ThresholdRule, bool) {
	if s == nil {
		return ThresholdRule{}, false
	}
	r, ok := s.rules[metric]
	return r, ok
}

func (s *RuleSet) Metrics() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.rules))
	for m := range s.rules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *RuleSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.rules)
}

// ParseRules decodes a {"metric": {...}} document. Any invalid rule rejects the whole set.
func ParseRules(data []byte) (*RuleSet, error) {
	var raw map[string]ThresholdRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rules are not valid JSON: %w", err)
	}
	return NewRuleSet(raw)
}

func LoadRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

func f(v float64) *float64 { return &v }

func rangeRule(low, high, criticalLow, criticalHigh float64, unit string) ThresholdRule {
	return ThresholdRule{Min: f(low), Max: f(high), CriticalMin: f(criticalLow), CriticalMax: f(criticalHigh), Unit: unit}
}

// DefaultRules is the built-in table used when no rules file or KV entry exists.
func DefaultRules() *RuleSet {
	set, _ := NewRuleSet(map[string]ThresholdRule{
		db.MetricHeartRate:              rangeRule(40, 120, 30, 150, "bpm"),
		db.MetricBloodPressureSystolic:  rangeRule(90, 140, 80, 180, "mmHg"),
		db.MetricBloodPressureDiastolic: rangeRule(60, 90, 50, 110, "mmHg"),
		db.MetricBloodGlucose:           rangeRule(70, 180, 54, 250, "mg/dL"),
		db.MetricOxygenSaturation:       rangeRule(94, 100, 90, 100, "%"),
		db.MetricTemperature:            rangeRule(36.1, 37.8, 35.0, 39.0, "C"),
		db.MetricRespiratoryRate:        rangeRule(12, 20, 8, 30, "breaths/min"),
		db.MetricWeight:                 {ChangeThreshold: f(2.0), Unit: "kg"},
	})
	return set
}

// RuleTable holds the current snapshot; reloads swap the pointer.
type RuleTable struct {
	current atomic.Pointer[RuleSet]
}

func NewRuleTable(set *RuleSet) *RuleTable {
	t := &RuleTable{}
	if set == nil {
		set = DefaultRules()
	}
	t.current.Store(set)
	return t
}

func (t *RuleTable) Load() *RuleSet {
	return t.current.Load()
}

// Swap installs set and returns the previous snapshot.
func (t *RuleTable) Swap(set *RuleSet) *RuleSet {
	return t.current.Swap(set)
}
