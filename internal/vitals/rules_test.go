package vitals

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/vital-alerts/internal/db"
)

func TestThresholdRule_Validate(t *testing.T) {
	assert.NoError(t, rangeRule(60, 100, 40, 150, "bpm").Validate())
	assert.NoError(t, ThresholdRule{Min: f(1), Max: f(1)}.Validate())

	assert.Error(t, rangeRule(100, 60, 40, 150, "bpm").Validate())
	assert.Error(t, rangeRule(60, 100, 70, 150, "bpm").Validate())
	assert.Error(t, rangeRule(60, 100, 40, 90, "bpm").Validate())
	assert.Error(t, ThresholdRule{ChangeThreshold: f(0)}.Validate())
	assert.Error(t, ThresholdRule{Unit: "bpm"}.Validate())
}

func TestParseRules_RejectsWholeSet(t *testing.T) {
	_, err := ParseRules([]byte(`{
		"heartRate": {"min": 60, "max": 100, "criticalMin": 40, "criticalMax": 150},
		"oxygenSaturation": {"min": 94, "max": 90}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oxygenSaturation")

	_, err = ParseRules([]byte(`not json`))
	assert.Error(t, err)
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"heartRate": {"min": 50, "max": 110, "criticalMin": 35, "criticalMax": 160, "unit": "bpm"}}`), 0o644))

	set, err := LoadRulesFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{db.MetricHeartRate}, set.Metrics())

	rule, ok := set.Rule(db.MetricHeartRate)
	require.True(t, ok)
	assert.Equal(t, 50.0, *rule.Min)
	assert.Equal(t, "bpm", rule.Unit)
}

func TestRuleTable_Swap(t *testing.T) {
	table := NewRuleTable(nil)
	_, ok := table.Load().Rule(db.MetricOxygenSaturation)
	require.True(t, ok)

	next, err := NewRuleSet(map[string]ThresholdRule{db.MetricHeartRate: rangeRule(60, 100, 40, 150, "bpm")})
	require.NoError(t, err)

	prev := table.Swap(next)
	assert.Contains(t, prev.Metrics(), db.MetricOxygenSaturation)
	assert.Equal(t, []string{db.MetricHeartRate}, table.Load().Metrics())
}

func TestRuleSet_NotAliased(t *testing.T) {
	src := map[string]ThresholdRule{db.MetricHeartRate: rangeRule(60, 100, 40, 150, "bpm")}
	set, err := NewRuleSet(src)
	require.NoError(t, err)

	delete(src, db.MetricHeartRate)
	_, ok := set.Rule(db.MetricHeartRate)
	assert.True(t, ok)
}
