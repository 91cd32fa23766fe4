package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/metrics"
	embedded "github.com/minasoft/vital-alerts/internal/nats"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []db.AuditEntry
	failN   int
	calls   int
	block   chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(ctx context.Context, entry db.AuditEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("sink unavailable")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) recorded() []db.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.AuditEntry(nil), s.entries...)
}

func entry(action string) db.AuditEntry {
	return db.AuditEntry{
		Source:  "escalation-engine",
		UserID:  "nurse-A",
		Action:  action,
		Details: map[string]any{"alertId": "a-1", "patientId": "P1"},
	}
}

func flush(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestEmitter_DeliversToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	e := NewEmitter([]Sink{a, b}, 8, zap.NewNop(), nil)

	e.Emit(entry(db.ActionAlertCreated))
	e.Emit(entry(db.ActionAlertAcknowledged))
	flush(t, e)

	for _, s := range []*recordingSink{a, b} {
		got := s.recorded()
		require.Len(t, got, 2)
		assert.Equal(t, db.ActionAlertCreated, got[0].Action)
		assert.Equal(t, db.ActionAlertAcknowledged, got[1].Action)
		assert.False(t, got[0].Timestamp.IsZero(), "timestamp is filled in")
	}
}

func TestEmitter_RetriesThenGivesUp(t *testing.T) {
	m := metrics.New()
	flaky := &recordingSink{failN: 1}
	broken := &recordingSink{failN: 100}
	e := NewEmitter([]Sink{flaky}, 8, zap.NewNop(), m)
	e.backoff = time.Millisecond
	e.Emit(entry(db.ActionAlertResolved))
	flush(t, e)
	assert.Len(t, flaky.recorded(), 1, "second attempt succeeds")
	assert.Zero(t, testutil.ToFloat64(m.AuditFailures.WithLabelValues("recording")))

	e = NewEmitter([]Sink{broken}, 8, zap.NewNop(), m)
	e.backoff = time.Millisecond
	e.Emit(entry(db.ActionAlertResolved))
	flush(t, e)
	assert.Empty(t, broken.recorded())
	assert.Equal(t, writeAttempts, broken.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditFailures.WithLabelValues("recording")))
}

func TestEmitter_NeverBlocks(t *testing.T) {
	m := metrics.New()
	stuck := &recordingSink{block: make(chan struct{})}
	e := NewEmitter([]Sink{stuck}, 1, zap.NewNop(), m)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Emit(entry(db.ActionAlertCreated))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked behind a stuck sink")
	}
	assert.Greater(t, testutil.ToFloat64(m.DroppedEvents.WithLabelValues("audit")), 0.0)

	close(stuck.block)
	flush(t, e)
	assert.NotPanics(t, func() { e.Emit(entry(db.ActionAlertCreated)) })
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSink(client, "vital-alerts:audit", 0)
	ev := entry(db.ActionAlertAcknowledged)
	ev.Timestamp = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(context.Background(), ev))

	msgs, err := client.XRange(context.Background(), "vital-alerts:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	values := msgs[0].Values
	assert.Equal(t, db.ActionAlertAcknowledged, values["action"])
	assert.Equal(t, "nurse-A", values["user_id"])
	assert.Equal(t, "2026-03-01T10:00:00Z", values["timestamp"])

	var details map[string]any
	require.NoError(t, json.Unmarshal([]byte(values["details"].(string)), &details))
	assert.Equal(t, "a-1", details["alertId"])
}

func TestRedisStreamSink_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisStreamSink(client, "audit", 0).Write(context.Background(), entry(db.ActionAlertCreated))
	assert.Error(t, err)
}

func TestJetStreamSink(t *testing.T) {
	es, err := embedded.NewEmbeddedServer(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer es.Shutdown()

	ctx := context.Background()
	sink := NewJetStreamSink(es.JetStream())
	require.NoError(t, sink.Write(ctx, entry(db.ActionAlertEscalated)))

	stream, err := es.JetStream().Stream(ctx, embedded.StreamAudit)
	require.NoError(t, err)
	msg, err := stream.GetLastMsgForSubject(ctx, embedded.AuditSubject(db.ActionAlertEscalated))
	require.NoError(t, err)
	var got db.AuditEntry
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "nurse-A", got.UserID)
	assert.Equal(t, "a-1", got.Details["alertId"])
}
