package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/metrics"
)

const (
	writeAttempts = 3
	writeBackoff  = 200 * time.Millisecond
	writeTimeout  = 5 * time.Second
)

// Sink is one destination for audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry db.AuditEntry) error
}

// Emitter hands audit entries to its sinks from a background worker so the
// engine never waits on an audit write. Every failure is logged at error level.
type Emitter struct {
	sinks   []Sink
	queue   chan db.AuditEntry
	logger  *zap.Logger
	metrics *metrics.Metrics
	backoff time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewEmitter(sinks []Sink, size int, logger *zap.Logger, m *metrics.Metrics) *Emitter {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{
		sinks:   sinks,
		queue:   make(chan db.AuditEntry, size),
		logger:  logger.Named("audit"),
		metrics: m,
		backoff: writeBackoff,
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues an entry. It does not block; a full queue drops the entry.
func (e *Emitter) Emit(entry db.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Error("audit emitter closed, entry lost", zap.String("action", entry.Action), zap.String("user_id", entry.UserID))
		return
	}
	select {
	case e.queue <- entry:
	default:
		e.metrics.Dropped("audit")
		e.logger.Error("audit queue full, entry lost",
			zap.String("action", entry.Action),
			zap.String("user_id", entry.UserID),
			zap.Any("details", entry.Details))
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for entry := range e.queue {
		for _, sink := range e.sinks {
			e.write(sink, entry)
		}
	}
}

func (e *Emitter) write(sink Sink, entry db.AuditEntry) {
	var err error
	backoff := e.backoff
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = sink.Write(ctx, entry)
		cancel()
		if err == nil {
			return
		}
		e.logger.Warn("audit write attempt failed",
			zap.String("sink", sink.Name()),
			zap.String("action", entry.Action),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < writeAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	e.metrics.AuditFailed(sink.Name())
	e.logger.Error("audit entry not recorded",
		zap.String("sink", sink.Name()),
		zap.String("action", entry.Action),
		zap.String("user_id", entry.UserID),
		zap.Time("timestamp", entry.Timestamp),
		zap.Any("details", entry.Details),
		zap.Error(err))
}

// Close stops accepting entries and waits for the queue to drain or ctx to expire.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit flush interrupted, %d entries pending: %w", len(e.queue), ctx.Err())
	}
}
