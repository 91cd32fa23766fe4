package vitals

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/minasoft/vital-alerts/internal/db"
)

var displayNames = map[string]string{
	db.MetricHeartRate:              "Heart Rate",
	db.MetricBloodPressureSystolic:  "Blood Pressure (Systolic)",
	db.MetricBloodPressureDiastolic: "Blood Pressure (Diastolic)",
	db.MetricOxygenSaturation:       "Oxygen Saturation",
	db.MetricTemperature:            "Temperature",
	db.MetricRespiratoryRate:        "Respiratory Rate",
	db.MetricWeight:                 "Weight",
	db.MetricBloodGlucose:           "Blood Glucose",
	db.MetricCholesterol:            "Cholesterol",
	db.MetricHDL:                    "HDL Cholesterol",
	db.MetricLDL:                    "LDL Cholesterol",
	db.MetricTriglycerides:          "Triglycerides",
}

// DisplayName returns the human-readable metric name, falling back to splitting the
// camelCase identifier.
func DisplayName(metric string) string {
	if name, ok := displayNames[metric]; ok {
		return name
	}
	var b strings.Builder
	for i, r := range metric {
		if i == 0 {
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		if unicode.IsUpper(r) {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func FormatMessage(sev Severity, metric string, value float64, unit, patientID string) string {
	reading := strconv.FormatFloat(value, 'f', -1, 64)
	if unit != "" {
		reading += " " + unit
	}
	return fmt.Sprintf("%s: %s reading of %s is outside normal range for patient %s",
		sev.Word(), DisplayName(metric), reading, patientID)
}
