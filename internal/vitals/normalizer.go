package vitals

import (
	"math"
	"strings"

	"github.com/minasoft/vital-alerts/internal/db"
)

const (
	mgdlPerMmolGlucose       = 18.0182
	mgdlPerMmolCholesterol   = 38.67
	mgdlPerMmolTriglycerides = 88.57
	kgPerPound               = 0.45359237
)

type conversion struct {
	to      string
	convert func(float64) float64
}

func scale(factor float64) func(float64) float64 {
	return func(v float64) float64 { return v * factor }
}

var (
	toCelsius = map[string]conversion{
		"f":      {"C", func(v float64) float64 { return (v - 32) * 5 / 9 }},
		"°f":     {"C", func(v float64) float64 { return (v - 32) * 5 / 9 }},
		"degf":   {"C", func(v float64) float64 { return (v - 32) * 5 / 9 }},
		"[degf]": {"C", func(v float64) float64 { return (v - 32) * 5 / 9 }},
		"k":      {"C", func(v float64) float64 { return v - 273.15 }},
		"c":      {"C", func(v float64) float64 { return v }},
		"°c":     {"C", func(v float64) float64 { return v }},
		"cel":    {"C", func(v float64) float64 { return v }},
	}
	toKilograms = map[string]conversion{
		"lb":      {"kg", scale(kgPerPound)},
		"lbs":     {"kg", scale(kgPerPound)},
		"[lb_av]": {"kg", scale(kgPerPound)},
	}
	lipids = map[string]conversion{
		"mmol/l": {"mg/dL", scale(mgdlPerMmolCholesterol)},
	}

	unitConversions = map[string]map[string]conversion{
		db.MetricTemperature:   toCelsius,
		db.MetricWeight:        toKilograms,
		db.MetricBloodGlucose:  {"mmol/l": {"mg/dL", scale(mgdlPerMmolGlucose)}},
		db.MetricCholesterol:   lipids,
		db.MetricHDL:           lipids,
		db.MetricLDL:           lipids,
		db.MetricTriglycerides: {"mmol/l": {"mg/dL", scale(mgdlPerMmolTriglycerides)}},
	}
)

// Normalize converts value into the canonical unit of metric. Unrecognized metric/unit
// pairs come back unchanged and the returned unit is authoritative.
func Normalize(metric string, value float64, unit string) (float64, string) {
	table, ok := unitConversions[metric]
	if !ok {
		return value, unit
	}
	c, ok := table[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return value, unit
	}
	return round2(c.convert(value)), c.to
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
