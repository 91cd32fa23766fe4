package vitals

import (
	"math"

	"github.com/minasoft/vital-alerts/internal/db"
)

// forcingFlags override numeric thresholds.
var forcingFlags = []string{db.FlagArrhythmia, db.FlagPanicEvent}

// Classify maps a normalized reading to a severity. ok is false for a normal reading or a
// metric with no rule. previous is only consulted by delta rules.
func Classify(rules *RuleSet, metric string, value float64, flags map[string]bool, previous *float64) (Severity, bool) {
	for _, flag := range forcingFlags {
		if flags[flag] {
			return Emergency, true
		}
	}

	rule, ok := rules.Rule(metric)
	if !ok {
		return "", false
	}

	if rule.hasRange() {
		if sev, abnormal := classifyRange(rule, value); abnormal {
			return sev, true
		}
	}

	if rule.ChangeThreshold != nil && previous != nil {
		if math.Abs(value-*previous) > *rule.ChangeThreshold {
			return Warning, true
		}
	}
	return "", false
}

func classifyRange(rule ThresholdRule, value float64) (Severity, bool) {
	low, high := bound(rule.Min, math.Inf(-1)), bound(rule.Max, math.Inf(1))
	if value >= low && value <= high {
		return "", false
	}
	criticalMin, criticalMax := bound(rule.CriticalMin, math.Inf(-1)), bound(rule.CriticalMax, math.Inf(1))
	if value >= criticalMin && value <= criticalMax {
		return Warning, true
	}
	return Emergency, true
}

func bound(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
