package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/escalation"
	"github.com/minasoft/vital-alerts/internal/metrics"
)

// MaxClockSkew is how far in the future a reading may be stamped.
const MaxClockSkew = 5 * time.Minute

// Validate checks a measurement against the wall clock.
func Validate(m db.Measurement) error {
	return ValidateAt(m, time.Now())
}

func ValidateAt(m db.Measurement, now time.Time) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Timestamp.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("timestamp %s is in the future: %w", m.Timestamp.Format(time.RFC3339), db.ErrInvalidMeasurement)
	}
	return nil
}

// Ingester is the engine entry point measurements are submitted to.
type Ingester interface {
	Ingest(ctx context.Context, m db.Measurement) (escalation.Outcome, error)
}

// Submitter validates measurements from one of the feeds and hands them to the engine.
type Submitter struct {
	engine  Ingester
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewSubmitter(engine Ingester, m *metrics.Metrics, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{engine: engine, metrics: m, logger: logger, now: time.Now}
}

// Submit returns db.ErrInvalidMeasurement for rejected input; other errors come
// from the engine.
func (s *Submitter) Submit(ctx context.Context, source string, m db.Measurement) (escalation.Outcome, error) {
	if err := ValidateAt(m, s.now()); err != nil {
		s.metrics.Measurement(source, "invalid")
		s.logger.Warn("measurement rejected",
			zap.String("source", source),
			zap.String("device_id", m.DeviceID),
			zap.String("patient_id", m.PatientID),
			zap.String("metric", m.Metric),
			zap.Error(err))
		return escalation.Outcome{}, err
	}

	out, err := s.engine.Ingest(ctx, m)
	if err != nil {
		result := "error"
		if errors.Is(err, db.ErrInvalidMeasurement) {
			result = "invalid"
		}
		s.metrics.Measurement(source, result)
		s.logger.Error("measurement not processed",
			zap.String("source", source),
			zap.String("patient_id", m.PatientID),
			zap.String("metric", m.Metric),
			zap.Error(err))
		return out, err
	}
	s.metrics.Measurement(source, string(out.Action))
	return out, nil
}

// ValidateBatch checks every measurement before any of them is submitted, so a
// rejected batch leaves no partial state behind.
func (s *Submitter) ValidateBatch(source string, ms []db.Measurement) error {
	now := s.now()
	for i, m := range ms {
		if err := ValidateAt(m, now); err != nil {
			for range ms {
				s.metrics.Measurement(source, "invalid")
			}
			s.logger.Warn("measurement batch rejected",
				zap.String("source", source),
				zap.Int("index", i),
				zap.Int("count", len(ms)),
				zap.String("patient_id", m.PatientID),
				zap.String("metric", m.Metric),
				zap.Error(err))
			return fmt.Errorf("measurement %d: %w", i, err)
		}
	}
	return nil
}

// SubmitAll submits every measurement and returns the first error.
func (s *Submitter) SubmitAll(ctx context.Context, source string, ms []db.Measurement) error {
	var first error
	for _, m := range ms {
		if _, err := s.Submit(ctx, source, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}
