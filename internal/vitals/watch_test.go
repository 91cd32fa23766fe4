package vitals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/minasoft/vital-alerts/internal/db"
	embedded "github.com/minasoft/vital-alerts/internal/nats"
)

func TestWatchRules_ReloadsAndRejectsInvalid(t *testing.T) {
	es, err := embedded.NewEmbeddedServer(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer es.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := es.RulesBucket(ctx)
	require.NoError(t, err)
	require.NoError(t, SeedRules(ctx, kv, DefaultRules(), zap.NewNop()))

	table := NewRuleTable(DefaultRules())
	done := make(chan error, 1)
	go func() { done <- WatchRules(ctx, kv, table, zap.NewNop()) }()

	_, err = kv.Put(ctx, RulesKey, []byte(`{"heartRate": {"min": 50, "max": 110, "criticalMin": 35, "criticalMax": 160}}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(table.Load().Metrics()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = kv.Put(ctx, RulesKey, []byte(`{"heartRate": {"min": 110, "max": 50}}`))
	require.NoError(t, err)
	_, err = kv.Put(ctx, RulesKey, []byte(`{"heartRate": {"min": 55, "max": 110}, "weight": {"changeThreshold": 3}}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(table.Load().Metrics()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	rule, ok := table.Load().Rule(db.MetricHeartRate)
	require.True(t, ok)
	assert.Equal(t, 55.0, *rule.Min)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSeedRules_KeepsExisting(t *testing.T) {
	es, err := embedded.NewEmbeddedServer(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer es.Shutdown()

	ctx := context.Background()
	kv, err := es.RulesBucket(ctx)
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	require.NoError(t, SeedRules(ctx, kv, DefaultRules(), logger))
	assert.Zero(t, logs.Len(), "first start seeds the bucket")
	require.NoError(t, SeedRules(ctx, kv, DefaultRules(), logger))
	assert.Zero(t, logs.Len(), "same rules on restart")

	_, err = kv.Put(ctx, RulesKey, []byte(`{"heartRate": {"min": 1, "max": 2}}`))
	require.NoError(t, err)
	require.NoError(t, SeedRules(ctx, kv, DefaultRules(), logger))

	entry, err := kv.Get(ctx, RulesKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"heartRate": {"min": 1, "max": 2}}`, string(entry.Value()))

	warnings := logs.FilterMessageSnippet("differ from the rules bucket").All()
	require.Len(t, warnings, 1)
	assert.EqualValues(t, entry.Revision(), warnings[0].ContextMap()["revision"])
}
