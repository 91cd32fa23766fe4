package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/vitals"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	// silent timers never fire, simulating a lost scheduler callback.
	silent bool
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{c: c, t: t}
}

type fakeTimerHandle struct {
	c *fakeClock
	t *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	silent := c.silent
	c.mu.Unlock()

	if silent {
		return
	}
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type publishedEvent struct {
	Type  string
	Alert *db.Alert
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(eventType string, alert *db.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Alert: alert})
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *fakePublisher) count(eventType string) int {
	n := 0
	for _, t := range p.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []db.AuditEntry
}

func (a *fakeAuditor) Emit(entry db.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *fakeAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

// memStore mirrors the repository's compare-and-set semantics.
type memStore struct {
	mu     sync.Mutex
	alerts map[string]*db.Alert
	fail   error
}

func newMemStore() *memStore {
	return &memStore{alerts: make(map[string]*db.Alert)}
}

func (s *memStore) Save(_ context.Context, alert *db.Alert, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	cur, exists := s.alerts[alert.ID]
	switch {
	case expectedVersion == 0 && exists:
		return fmt.Errorf("duplicate alert %s", alert.ID)
	case expectedVersion != 0 && (!exists || cur.Version != expectedVersion):
		return db.ErrVersionConflict
	}
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *memStore) ListOpen(_ context.Context) ([]*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Alert
	for _, a := range s.alerts {
		if a.Status.Open() {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) put(alert *db.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert.Clone()
}

type harness struct {
	engine  *Engine
	clock   *fakeClock
	store   *memStore
	pub     *fakePublisher
	auditor *fakeAuditor
}

func heartRateRules(t *testing.T) *vitals.RuleTable {
	t.Helper()
	low, high, critLow, critHigh, change := 60.0, 100.0, 40.0, 150.0, 2.0
	set, err := vitals.NewRuleSet(map[string]vitals.ThresholdRule{
		db.MetricHeartRate: {Min: &low, Max: &high, CriticalMin: &critLow, CriticalMax: &critHigh, Unit: "bpm"},
		db.MetricWeight:    {ChangeThreshold: &change, Unit: "kg"},
	})
	require.NoError(t, err)
	return vitals.NewRuleTable(set)
}

func newHarness(t *testing.T, store *memStore) *harness {
	t.Helper()
	if store == nil {
		store = newMemStore()
	}
	h := &harness{
		clock:   newFakeClock(),
		store:   store,
		pub:     &fakePublisher{},
		auditor: &fakeAuditor{},
	}
	opts := DefaultOptions()
	opts.Shards = 4
	opts.ReconcileInterval = 0
	opts.Clock = h.clock

	e, err := New(opts, Deps{
		Rules:     heartRateRules(t),
		Store:     store,
		Publisher: h.pub,
		Auditor:   h.auditor,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	h.engine = e
	return h
}

func (h *harness) reading(patientID, metric string, value float64) db.Measurement {
	return db.Measurement{
		DeviceID:  "dev-" + patientID,
		PatientID: patientID,
		Metric:    metric,
		Value:     value,
		Unit:      "bpm",
		Timestamp: h.clock.Now(),
	}
}

func (h *harness) ingest(t *testing.T, m db.Measurement) Outcome {
	t.Helper()
	out, err := h.engine.Ingest(context.Background(), m)
	require.NoError(t, err)
	return out
}

// settle waits until every shard has drained the commands queued so far.
func (h *harness) settle(t *testing.T) []*db.Alert {
	t.Helper()
	alerts, err := h.engine.OpenAlerts(context.Background())
	require.NoError(t, err)
	return alerts
}
