package escalation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/metrics"
	"github.com/minasoft/vital-alerts/internal/vitals"
)

var (
	ErrStopped        = errors.New("escalation engine stopped")
	ErrInvalidRequest = errors.New("invalid request")
)

// AutoNormalizeActor is recorded as ResolvedBy when a reading returns to normal.
const AutoNormalizeActor = "system:auto-normalize"

const (
	systemActor  = "system"
	auditSource  = "escalation-engine"
	storeTimeout = 5 * time.Second
)

// Publisher receives lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(eventType string, alert *db.Alert)
}

// Auditor receives audit entries. Implementations must not block.
type Auditor interface {
	Emit(entry db.AuditEntry)
}

type Store interface {
	Save(ctx context.Context, alert *db.Alert, expectedVersion int64) error
	Get(ctx context.Context, id string) (*db.Alert, error)
	ListOpen(ctx context.Context) ([]*db.Alert, error)
}

type Options struct {
	Shards            int
	QueueSize         int
	EscalateAfter     map[vitals.Severity]time.Duration
	ReconcileInterval time.Duration
	Clock             Clock
}

func DefaultOptions() Options {
	return Options{
		Shards:    16,
		QueueSize: 256,
		EscalateAfter: map[vitals.Severity]time.Duration{
			vitals.Warning:   15 * time.Minute,
			vitals.Critical:  5 * time.Minute,
			vitals.Emergency: 2 * time.Minute,
		},
		ReconcileInterval: 30 * time.Second,
	}
}

type Deps struct {
	Rules     *vitals.RuleTable
	Store     Store
	Publisher Publisher
	Auditor   Auditor
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Action describes what a measurement did to its (patient, metric) key.
type Action string

const (
	ActionCreated    Action = "created"
	ActionUpdated    Action = "updated"
	ActionRefreshed  Action = "refreshed"
	ActionSuppressed Action = "suppressed"
	ActionResolved   Action = "resolved"
	ActionNone       Action = "none"
)

type Outcome struct {
	Action   Action          `json:"action"`
	Severity vitals.Severity `json:"severity,omitempty"`
	Alert    *db.Alert       `json:"alert,omitempty"`
}

// ResultCode is the displayable result of an acknowledge or resolve request. Late or
// conflicting requests are normal outcomes, not errors.
type ResultCode string

const (
	ResultAcknowledged        ResultCode = "acknowledged"
	ResultAlreadyAcknowledged ResultCode = "already-acknowledged"
	ResultResolved            ResultCode = "resolved"
	ResultAlreadyClosed       ResultCode = "already-closed"
	ResultNotFound            ResultCode = "not-found"
	ResultNotAcknowledged     ResultCode = "not-acknowledged"
)

type Result struct {
	Code  ResultCode `json:"code"`
	Alert *db.Alert  `json:"alert,omitempty"`
}

func (r Result) Message() string {
	switch r.Code {
	case ResultAcknowledged:
		return "alert acknowledged"
	case ResultAlreadyAcknowledged:
		by := "someone else"
		if r.Alert != nil && r.Alert.AcknowledgedBy != "" {
			by = r.Alert.AcknowledgedBy
		}
		return "already handled by " + by
	case ResultResolved:
		return "alert resolved"
	case ResultAlreadyClosed:
		return "alert is already resolved"
	case ResultNotFound:
		return "alert not found"
	case ResultNotAcknowledged:
		return "alert must be acknowledged before it can be resolved"
	}
	return string(r.Code)
}

type Stats struct {
	Created      int64 `json:"created"`
	Updated      int64 `json:"updated"`
	Suppressed   int64 `json:"suppressed"`
	Escalated    int64 `json:"escalated"`
	Acknowledged int64 `json:"acknowledged"`
	Resolved     int64 `json:"resolved"`
	Open         int64 `json:"open"`
}

type counters struct {
	created, updated, suppressed, escalated, acknowledged, resolved, open atomic.Int64
}

// Engine deduplicates alerts per (patient, metric) and drives their lifecycle. Each key
// hashes to one shard goroutine which owns that key's state exclusively.
type Engine struct {
	opts    Options
	clock   Clock
	rules   *vitals.RuleTable
	store   Store
	pub     Publisher
	auditor Auditor
	metrics *metrics.Metrics
	logger  *zap.Logger

	shards []*shard
	index  sync.Map // alert id -> *shard

	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
	stats    counters
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, *db.Alert) {}

type nopAuditor struct{}

func (nopAuditor) Emit(db.AuditEntry) {}

func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("alert store is required")
	}
	if deps.Rules == nil {
		deps.Rules = vitals.NewRuleTable(nil)
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Auditor == nil {
		deps.Auditor = nopAuditor{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	e := &Engine{
		opts:    opts,
		clock:   opts.Clock,
		rules:   deps.Rules,
		store:   deps.Store,
		pub:     deps.Publisher,
		auditor: deps.Auditor,
		metrics: deps.Metrics,
		logger:  deps.Logger.Named("escalation"),
		stopCh:  make(chan struct{}),
	}
	e.shards = make([]*shard, opts.Shards)
	for i := range e.shards {
		e.shards[i] = newShard(e, i)
	}
	return e, nil
}

// Start launches the shards, reloads open alerts from the store and starts the
// reconciliation sweep.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("escalation engine already started")
	}
	for _, s := range e.shards {
		e.wg.Add(1)
		go func(s *shard) {
			defer e.wg.Done()
			s.run()
		}(s)
	}

	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open alerts: %w", err)
	}
	for _, alert := range open {
		s := e.shardFor(alert.PatientID, alert.Metric)
		if _, err := s.call(ctx, command{kind: cmdAdopt, stored: alert}); err != nil {
			return fmt.Errorf("failed to restore alert %s: %w", alert.ID, err)
		}
	}
	if len(open) > 0 {
		e.logger.Info("restored open alerts", zap.Int("count", len(open)))
	}

	if e.opts.ReconcileInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reconcileLoop(ctx)
		}()
	}
	return nil
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Reconcile(ctx)
		}
	}
}

// Reconcile escalates every open alert whose deadline has passed without a timer firing.
func (e *Engine) Reconcile(ctx context.Context) {
	for _, s := range e.shards {
		if _, err := s.call(ctx, command{kind: cmdReconcile}); err != nil && !errors.Is(err, ErrStopped) {
			e.logger.Warn("reconciliation sweep failed", zap.Int("shard", s.id), zap.Error(err))
		}
	}
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

func (e *Engine) shardFor(patientID, metric string) *shard {
	h := fnv.New32a()
	h.Write([]byte(patientID))
	h.Write([]byte{0})
	h.Write([]byte(metric))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Ingest classifies one reading and applies the resulting transition. Measurements that
// fail validation return an error wrapping db.ErrInvalidMeasurement.
func (e *Engine) Ingest(ctx context.Context, m db.Measurement) (Outcome, error) {
	if err := m.Validate(); err != nil {
		return Outcome{}, err
	}
	m.Value, m.Unit = vitals.Normalize(m.Metric, m.Value, m.Unit)

	r, err := e.shardFor(m.PatientID, m.Metric).call(ctx, command{kind: cmdMeasurement, measurement: m})
	if err != nil {
		return Outcome{}, err
	}
	return r.outcome, r.err
}

func (e *Engine) Acknowledge(ctx context.Context, alertID, userID string) (Result, error) {
	return e.lifecycle(ctx, cmdAcknowledge, alertID, userID)
}

func (e *Engine) Resolve(ctx context.Context, alertID, userID string) (Result, error) {
	return e.lifecycle(ctx, cmdResolve, alertID, userID)
}

func (e *Engine) lifecycle(ctx context.Context, kind commandKind, alertID, userID string) (Result, error) {
	if alertID == "" || userID == "" {
		return Result{}, fmt.Errorf("alert id and user id are required: %w", ErrInvalidRequest)
	}

	var s *shard
	if v, ok := e.index.Load(alertID); ok {
		s = v.(*shard)
	} else {
		stored, err := e.store.Get(ctx, alertID)
		if errors.Is(err, db.ErrNotFound) {
			return Result{Code: ResultNotFound}, nil
		}
		if err != nil {
			return Result{}, err
		}
		if stored.Status == db.StatusResolved {
			return Result{Code: ResultAlreadyClosed, Alert: stored}, nil
		}
		s = e.shardFor(stored.PatientID, stored.Metric)
	}

	r, err := s.call(ctx, command{kind: kind, alertID: alertID, userID: userID})
	if err != nil {
		return Result{}, err
	}
	return r.result, r.err
}

// Get returns the persisted alert.
func (e *Engine) Get(ctx context.Context, alertID string) (*db.Alert, error) {
	return e.store.Get(ctx, alertID)
}

// OpenAlerts snapshots every New or Acknowledged alert, oldest first.
func (e *Engine) OpenAlerts(ctx context.Context) ([]*db.Alert, error) {
	var out []*db.Alert
	for _, s := range e.shards {
		r, err := s.call(ctx, command{kind: cmdSnapshot})
		if err != nil {
			return nil, err
		}
		out = append(out, r.alerts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Created:      e.stats.created.Load(),
		Updated:      e.stats.updated.Load(),
		Suppressed:   e.stats.suppressed.Load(),
		Escalated:    e.stats.escalated.Load(),
		Acknowledged: e.stats.acknowledged.Load(),
		Resolved:     e.stats.resolved.Load(),
		Open:         e.stats.open.Load(),
	}
}

func (e *Engine) escalateAfter(sev vitals.Severity) time.Duration {
	return e.opts.EscalateAfter[sev]
}

func (e *Engine) publish(eventType string, alert *db.Alert) {
	e.pub.Publish(eventType, alert.Clone())
	e.metrics.Transition(eventType, alert.Severity)
}

func (e *Engine) audit(action, userID string, alert *db.Alert, extra map[string]any) {
	details := map[string]any{
		"alertId":   alert.ID,
		"patientId": alert.PatientID,
		"metric":    alert.Metric,
		"severity":  alert.Severity,
		"value":     alert.Value,
		"unit":      alert.Unit,
		"status":    string(alert.Status),
		"version":   alert.Version,
	}
	for k, v := range extra {
		details[k] = v
	}
	e.auditor.Emit(db.AuditEntry{
		Timestamp: e.clock.Now(),
		Source:    auditSource,
		UserID:    userID,
		Action:    action,
		Details:   details,
	})
}
