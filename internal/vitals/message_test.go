package vitals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/vital-alerts/internal/db"
)

func TestFormatMessage(t *testing.T) {
	assert.Equal(t,
		"EMERGENCY: Heart Rate reading of 125 bpm is outside normal range for patient P12345",
		FormatMessage(Emergency, db.MetricHeartRate, 125, "bpm", "P12345"))

	assert.Equal(t,
		"WARNING: Blood Pressure (Systolic) reading of 150 mmHg is outside normal range for patient P1",
		FormatMessage(Warning, db.MetricBloodPressureSystolic, 150, "mmHg", "P1"))

	assert.Equal(t,
		"ATTENTION: Oxygen Saturation reading of 93.5 % is outside normal range for patient P2",
		FormatMessage(Info, db.MetricOxygenSaturation, 93.5, "%", "P2"))
}

func TestFormatMessage_FlaggedReading(t *testing.T) {
	sev, ok := Classify(testRules(t), db.MetricHeartRate, 125, map[string]bool{db.FlagArrhythmia: true}, nil)
	require.True(t, ok)
	assert.Equal(t,
		"EMERGENCY: Heart Rate reading of 125 bpm is outside normal range for patient P12345",
		FormatMessage(sev, db.MetricHeartRate, 125, "bpm", "P12345"))
}

func TestDisplayName_Fallback(t *testing.T) {
	assert.Equal(t, "Blood Pressure (Diastolic)", DisplayName(db.MetricBloodPressureDiastolic))
	assert.Equal(t, "Peak Flow", DisplayName("peakFlow"))
}

func TestSeverity_Registry(t *testing.T) {
	assert.True(t, Emergency.Higher(Critical))
	assert.True(t, Critical.Higher(Warning))
	assert.True(t, Warning.Higher(Info))
	assert.Equal(t, "CRITICAL", Critical.Word())

	require.NoError(t, RegisterSeverity("Advisory", 5, "ADVISORY"))
	assert.True(t, Info.Higher("Advisory"))
	assert.Equal(t, Severity("Advisory"), Severities()[0])

	assert.Error(t, RegisterSeverity("Clash", 40, "CLASH"))
	assert.False(t, Severity("Clash").Known())
}
