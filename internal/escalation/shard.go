package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/vitals"
)

type commandKind int

const (
	cmdMeasurement commandKind = iota
	cmdAcknowledge
	cmdResolve
	cmdTimer
	cmdReconcile
	cmdAdopt
	cmdSnapshot
)

type command struct {
	kind        commandKind
	measurement db.Measurement
	alertID     string
	userID      string
	generation  uint64
	stored      *db.Alert
	reply       chan reply
}

type reply struct {
	outcome Outcome
	result  Result
	alerts  []*db.Alert
	err     error
}

type key struct {
	patientID string
	metric    string
}

type entry struct {
	alert      *db.Alert
	timer      Timer
	generation uint64
	dueAt      time.Time
}

// shard is a single-writer actor. Its maps are touched only from run.
type shard struct {
	id     int
	e      *Engine
	cmds   chan command
	exited chan struct{}

	open map[key]*entry    // New alerts, at most one per key
	byID map[string]*entry // New and Acknowledged alerts
	last map[key]float64   // previous values for delta rules
}

func newShard(e *Engine, id int) *shard {
	return &shard{
		id:     id,
		e:      e,
		cmds:   make(chan command, e.opts.QueueSize),
		exited: make(chan struct{}),
		open:   make(map[key]*entry),
		byID:   make(map[string]*entry),
		last:   make(map[key]float64),
	}
}

// call enqueues cmd and waits for its reply.
func (s *shard) call(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case s.cmds <- cmd:
	case <-s.e.stopCh:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-s.exited:
		select {
		case r := <-cmd.reply:
			return r, nil
		default:
			return reply{}, ErrStopped
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (s *shard) run() {
	defer close(s.exited)
	for {
		select {
		case cmd := <-s.cmds:
			s.handle(cmd)
		case <-s.e.stopCh:
			for {
				select {
				case cmd := <-s.cmds:
					s.handle(cmd)
				default:
					s.cancelTimers()
					return
				}
			}
		}
	}
}

func (s *shard) handle(cmd command) {
	var r reply
	switch cmd.kind {
	case cmdMeasurement:
		r.outcome, r.err = s.measurement(cmd.measurement)
	case cmdAcknowledge:
		r.result, r.err = s.acknowledge(cmd.alertID, cmd.userID)
	case cmdResolve:
		r.result, r.err = s.resolve(cmd.alertID, cmd.userID)
	case cmdTimer:
		s.timerFired(cmd.alertID, cmd.generation)
	case cmdReconcile:
		s.reconcile()
	case cmdAdopt:
		if _, ok := s.byID[cmd.stored.ID]; !ok {
			s.adopt(cmd.stored)
		}
	case cmdSnapshot:
		r.alerts = s.snapshot()
	}
	if cmd.reply != nil {
		cmd.reply <- r
	}
}

func (s *shard) save(alert *db.Alert, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.e.store.Save(ctx, alert, expectedVersion)
}

func (s *shard) load(id string) (*db.Alert, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.e.store.Get(ctx, id)
}

func (s *shard) logger(alert *db.Alert) *zap.Logger {
	return s.e.logger.With(
		zap.String("alert_id", alert.ID),
		zap.String("patient_id", alert.PatientID),
		zap.String("metric", alert.Metric),
		zap.String("severity", alert.Severity),
	)
}

func (s *shard) measurement(m db.Measurement) (Outcome, error) {
	k := key{patientID: m.PatientID, metric: m.Metric}
	rules := s.e.rules.Load()
	rule, hasRule := rules.Rule(m.Metric)

	var previous *float64
	if hasRule && rule.ChangeThreshold != nil {
		if v, ok := s.last[k]; ok {
			previous = &v
		}
		s.last[k] = m.Value
	}

	sev, abnormal := vitals.Classify(rules, m.Metric, m.Value, m.Flags, previous)
	en := s.open[k]

	if en != nil {
		s.reconcileEntry(en)
	}

	switch {
	case !abnormal && !hasRule:
		s.e.logger.Debug("no threshold rule for metric",
			zap.String("metric", m.Metric),
			zap.String("patient_id", m.PatientID))
		return Outcome{Action: ActionNone}, nil
	case !abnormal && en == nil:
		return Outcome{Action: ActionNone}, nil
	case !abnormal:
		return s.autoResolve(en, m)
	case en == nil:
		return s.create(k, m, sev)
	case sev.Higher(vitals.Severity(en.alert.Severity)):
		return s.raise(en, m, sev)
	case sev == vitals.Severity(en.alert.Severity):
		return s.refresh(en, m)
	default:
		s.e.stats.suppressed.Add(1)
		s.logger(en.alert).Debug("suppressed duplicate reading", zap.Float64("value", m.Value))
		return Outcome{Action: ActionSuppressed, Severity: sev, Alert: en.alert.Clone()}, nil
	}
}

func (s *shard) policy(sev vitals.Severity) *db.EscalationPolicy {
	d := s.e.escalateAfter(sev)
	if d <= 0 {
		return nil
	}
	return &db.EscalationPolicy{AutoEscalateAfterMinutes: int(d / time.Minute)}
}

func (s *shard) create(k key, m db.Measurement, sev vitals.Severity) (Outcome, error) {
	now := s.e.clock.Now()
	alert := &db.Alert{
		ID:         uuid.New().String(),
		PatientID:  m.PatientID,
		DeviceID:   m.DeviceID,
		FacilityID: m.FacilityID,
		Metric:     m.Metric,
		Value:      m.Value,
		Unit:       m.Unit,
		Timestamp:  m.Timestamp,
		Severity:   string(sev),
		Message:    vitals.FormatMessage(sev, m.Metric, m.Value, m.Unit, m.PatientID),
		Status:     db.StatusNew,
		Escalation: s.policy(sev),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	if err := s.save(alert, 0); err != nil {
		return Outcome{}, err
	}

	en := &entry{alert: alert}
	s.open[k] = en
	s.byID[alert.ID] = en
	s.e.index.Store(alert.ID, s)
	s.e.stats.created.Add(1)
	s.e.stats.open.Add(1)
	s.e.metrics.AddOpenAlerts(1)

	s.logger(alert).Info("alert created", zap.Float64("value", alert.Value))
	s.e.publish(db.EventAlertCreated, alert)
	s.e.audit(db.ActionAlertCreated, systemActor, alert, nil)
	s.arm(en)
	return Outcome{Action: ActionCreated, Severity: sev, Alert: en.alert.Clone()}, nil
}

// raise refreshes an open alert in place when a reading is more severe.
func (s *shard) raise(en *entry, m db.Measurement, sev vitals.Severity) (Outcome, error) {
	prev := en.alert
	next := prev.Clone()
	next.Value = m.Value
	next.Unit = m.Unit
	next.Timestamp = m.Timestamp
	next.DeviceID = m.DeviceID
	next.Severity = string(sev)
	next.Message = vitals.FormatMessage(sev, m.Metric, m.Value, m.Unit, m.PatientID)
	next.Escalation = s.policy(sev)
	next.UpdatedAt = s.e.clock.Now()
	next.Version++

	if err := s.commit(en, next, prev.Version); err != nil {
		return Outcome{}, err
	}
	s.e.stats.updated.Add(1)

	s.logger(next).Info("alert severity raised", zap.String("previous_severity", prev.Severity), zap.Float64("value", next.Value))
	s.e.publish(db.EventAlertCreated, next)
	s.e.audit(db.ActionAlertUpdated, systemActor, next, map[string]any{"previousSeverity": prev.Severity})
	s.arm(en)
	return Outcome{Action: ActionUpdated, Severity: sev, Alert: next.Clone()}, nil
}

// refresh records a same-severity reading on the open alert. The alert keeps its id,
// severity and escalation deadline.
func (s *shard) refresh(en *entry, m db.Measurement) (Outcome, error) {
	prev := en.alert
	next := prev.Clone()
	next.Value = m.Value
	next.Unit = m.Unit
	next.Timestamp = m.Timestamp
	next.Message = vitals.FormatMessage(vitals.Severity(next.Severity), m.Metric, m.Value, m.Unit, m.PatientID)
	next.UpdatedAt = s.e.clock.Now()
	next.Version++

	if err := s.commit(en, next, prev.Version); err != nil {
		return Outcome{}, err
	}
	s.e.stats.updated.Add(1)

	s.logger(next).Debug("refreshed open alert", zap.Float64("value", next.Value))
	s.e.publish(db.EventAlertCreated, next)
	s.e.audit(db.ActionAlertUpdated, systemActor, next, map[string]any{"previousValue": prev.Value})
	return Outcome{Action: ActionRefreshed, Severity: vitals.Severity(next.Severity), Alert: next.Clone()}, nil
}

func (s *shard) autoResolve(en *entry, m db.Measurement) (Outcome, error) {
	now := s.e.clock.Now()
	next := en.alert.Clone()
	next.Status = db.StatusResolved
	next.ResolvedAt = &now
	next.ResolvedBy = AutoNormalizeActor
	next.UpdatedAt = now
	next.Version++

	if err := s.commit(en, next, en.alert.Version); err != nil {
		return Outcome{}, err
	}
	s.close(en)

	s.logger(next).Info("alert auto-resolved", zap.Float64("value", m.Value))
	s.e.publish(db.EventAlertResolved, next)
	s.e.audit(db.ActionAlertResolved, AutoNormalizeActor, next, map[string]any{"reason": "auto-normalize", "normalValue": m.Value})
	return Outcome{Action: ActionResolved, Alert: next.Clone()}, nil
}

func (s *shard) acknowledge(id, userID string) (Result, error) {
	en, res, err := s.lookup(id)
	if en == nil {
		return res, err
	}
	if en.alert.Status == db.StatusAcknowledged {
		return Result{Code: ResultAlreadyAcknowledged, Alert: en.alert.Clone()}, nil
	}

	now := s.e.clock.Now()
	next := en.alert.Clone()
	next.Status = db.StatusAcknowledged
	next.IsAcknowledged = true
	next.AcknowledgedAt = &now
	next.AcknowledgedBy = userID
	next.UpdatedAt = now
	next.Version++

	if err := s.commit(en, next, en.alert.Version); err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			return s.conflicted(en)
		}
		return Result{}, err
	}
	s.disarm(en)
	s.releaseKey(en)
	s.e.stats.acknowledged.Add(1)
	s.e.metrics.ObserveAcknowledgment(now.Sub(next.CreatedAt).Seconds())

	s.logger(next).Info("alert acknowledged", zap.String("user_id", userID))
	s.e.publish(db.EventAlertAcknowledged, next)
	s.e.audit(db.ActionAlertAcknowledged, userID, next, nil)
	return Result{Code: ResultAcknowledged, Alert: next.Clone()}, nil
}

func (s *shard) resolve(id, userID string) (Result, error) {
	en, res, err := s.lookup(id)
	if en == nil {
		return res, err
	}
	if en.alert.Status != db.StatusAcknowledged {
		return Result{Code: ResultNotAcknowledged, Alert: en.alert.Clone()}, nil
	}

	now := s.e.clock.Now()
	next := en.alert.Clone()
	next.Status = db.StatusResolved
	next.ResolvedAt = &now
	next.ResolvedBy = userID
	next.UpdatedAt = now
	next.Version++

	if err := s.commit(en, next, en.alert.Version); err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			return s.conflicted(en)
		}
		return Result{}, err
	}
	s.close(en)

	s.logger(next).Info("alert resolved", zap.String("user_id", userID))
	s.e.publish(db.EventAlertResolved, next)
	s.e.audit(db.ActionAlertResolved, userID, next, nil)
	return Result{Code: ResultResolved, Alert: next.Clone()}, nil
}

// lookup finds an in-memory alert, falling back to the store for alerts this shard
// has not seen. A nil entry means the returned result is final.
func (s *shard) lookup(id string) (*entry, Result, error) {
	if en, ok := s.byID[id]; ok {
		return en, Result{}, nil
	}
	stored, err := s.load(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, Result{Code: ResultNotFound}, nil
	}
	if err != nil {
		return nil, Result{}, err
	}
	if !stored.Status.Open() {
		return nil, Result{Code: ResultAlreadyClosed, Alert: stored}, nil
	}
	return s.adopt(stored), Result{}, nil
}

// conflicted reloads an alert another writer changed and reports its current state.
func (s *shard) conflicted(en *entry) (Result, error) {
	stored, err := s.load(en.alert.ID)
	if err != nil {
		return Result{}, err
	}
	s.logger(stored).Warn("alert changed by another writer", zap.Int64("version", stored.Version))
	en.alert = stored
	switch stored.Status {
	case db.StatusResolved:
		s.close(en)
		return Result{Code: ResultAlreadyClosed, Alert: stored.Clone()}, nil
	case db.StatusAcknowledged:
		s.disarm(en)
		s.releaseKey(en)
		return Result{Code: ResultAlreadyAcknowledged, Alert: stored.Clone()}, nil
	}
	return Result{Code: ResultNotAcknowledged, Alert: stored.Clone()}, nil
}

func (s *shard) commit(en *entry, next *db.Alert, expectedVersion int64) error {
	if err := s.save(next, expectedVersion); err != nil {
		s.logger(next).Error("failed to persist alert transition", zap.Error(err))
		return err
	}
	en.alert = next
	return nil
}

// releaseKey returns the (patient, metric) key to Idle; the alert stays addressable by id.
func (s *shard) releaseKey(en *entry) {
	k := key{patientID: en.alert.PatientID, metric: en.alert.Metric}
	if s.open[k] == en {
		delete(s.open, k)
	}
}

func (s *shard) close(en *entry) {
	s.disarm(en)
	s.releaseKey(en)
	delete(s.byID, en.alert.ID)
	s.e.index.Delete(en.alert.ID)
	s.e.stats.resolved.Add(1)
	s.e.stats.open.Add(-1)
	s.e.metrics.AddOpenAlerts(-1)
}

func (s *shard) adopt(alert *db.Alert) *entry {
	en := &entry{alert: alert}
	s.byID[alert.ID] = en
	s.e.index.Store(alert.ID, s)
	s.e.stats.open.Add(1)
	s.e.metrics.AddOpenAlerts(1)
	if alert.Status == db.StatusNew {
		k := key{patientID: alert.PatientID, metric: alert.Metric}
		if _, taken := s.open[k]; !taken {
			s.open[k] = en
		}
		s.arm(en)
	}
	return en
}

// arm schedules the escalation deadline, measured from alert creation. An overdue
// deadline escalates immediately.
func (s *shard) arm(en *entry) {
	s.disarm(en)
	a := en.alert
	if a.Status != db.StatusNew || a.Escalated || a.Escalation == nil || a.Escalation.AutoEscalateAfterMinutes <= 0 {
		return
	}
	en.dueAt = a.CreatedAt.Add(time.Duration(a.Escalation.AutoEscalateAfterMinutes) * time.Minute)
	delay := en.dueAt.Sub(s.e.clock.Now())
	if delay <= 0 {
		s.escalate(en)
		return
	}

	en.generation++
	gen, id := en.generation, a.ID
	en.timer = s.e.clock.AfterFunc(delay, func() {
		select {
		case s.cmds <- command{kind: cmdTimer, alertID: id, generation: gen}:
		case <-s.e.stopCh:
		}
	})
}

func (s *shard) disarm(en *entry) {
	if en.timer != nil {
		en.timer.Stop()
		en.timer = nil
	}
	en.generation++
	en.dueAt = time.Time{}
}

func (s *shard) timerFired(id string, gen uint64) {
	en, ok := s.byID[id]
	if !ok || en.generation != gen {
		return
	}
	en.timer = nil
	s.escalate(en)
}

func (s *shard) reconcileEntry(en *entry) {
	if en.dueAt.IsZero() || en.alert.Escalated || en.alert.Status != db.StatusNew {
		return
	}
	if !s.e.clock.Now().Before(en.dueAt) {
		s.logger(en.alert).Warn("escalation deadline passed without timer, reconciling")
		s.escalate(en)
	}
}

func (s *shard) reconcile() {
	for _, en := range s.open {
		s.reconcileEntry(en)
	}
}

// escalate flags a still-unacknowledged alert. Status stays New.
func (s *shard) escalate(en *entry) {
	if en.alert.Status != db.StatusNew || en.alert.Escalated {
		return
	}
	now := s.e.clock.Now()
	next := en.alert.Clone()
	next.Escalated = true
	next.EscalatedAt = &now
	next.UpdatedAt = now
	next.Version++

	if err := s.commit(en, next, en.alert.Version); err != nil {
		// dueAt is kept so the next reading or sweep retries.
		return
	}
	s.disarm(en)
	s.e.stats.escalated.Add(1)

	extra := map[string]any{}
	if next.Escalation != nil {
		extra["autoEscalateAfterMinutes"] = next.Escalation.AutoEscalateAfterMinutes
	}
	s.logger(next).Warn("alert escalated, no acknowledgment received")
	s.e.publish(db.EventAlertEscalated, next)
	s.e.audit(db.ActionAlertEscalated, systemActor, next, extra)
}

func (s *shard) snapshot() []*db.Alert {
	out := make([]*db.Alert, 0, len(s.byID))
	for _, en := range s.byID {
		out = append(out, en.alert.Clone())
	}
	return out
}

func (s *shard) cancelTimers() {
	for _, en := range s.byID {
		s.disarm(en)
	}
}
