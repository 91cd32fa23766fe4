package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/metrics"
	embedded "github.com/minasoft/vital-alerts/internal/nats"
)

const (
	publishAttempts = 4
	publishBackoff  = 100 * time.Millisecond
	publishTimeout  = 5 * time.Second
)

// JetStreamPublisher queues lifecycle events and publishes them from a single worker.
// Publish never blocks; a full queue drops the event.
type JetStreamPublisher struct {
	js      jetstream.JetStream
	queue   chan db.AlertEvent
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewJetStreamPublisher(js jetstream.JetStream, size int, logger *zap.Logger, m *metrics.Metrics) *JetStreamPublisher {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &JetStreamPublisher{
		js:      js,
		queue:   make(chan db.AlertEvent, size),
		logger:  logger.Named("publisher"),
		metrics: m,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *JetStreamPublisher) Publish(eventType string, alert *db.Alert) {
	ev := db.AlertEvent{Type: eventType, Alert: alert, PublishedAt: time.Now().UTC()}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("publisher closed, dropping event", zap.String("event", eventType), zap.String("alert_id", alert.ID))
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.metrics.Dropped("publish")
		p.logger.Error("publish queue full, dropping event",
			zap.String("event", eventType),
			zap.String("alert_id", alert.ID))
	}
}

func (p *JetStreamPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		p.send(ev)
	}
}

func (p *JetStreamPublisher) send(ev db.AlertEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("event", ev.Type), zap.Error(err))
		return
	}
	subject := embedded.AlertSubject(ev.Type)
	// The message id lets JetStream drop duplicates caused by retries.
	msgID := fmt.Sprintf("%s:%d:%s", ev.Alert.ID, ev.Alert.Version, ev.Type)

	backoff := publishBackoff
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
		cancel()
		if err == nil {
			return
		}
		p.logger.Warn("publish attempt failed",
			zap.String("event", ev.Type),
			zap.String("alert_id", ev.Alert.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < publishAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	p.metrics.PublishFailed(ev.Type)
	p.logger.Error("giving up publishing event",
		zap.String("event", ev.Type),
		zap.String("alert_id", ev.Alert.ID),
		zap.Error(err))
}

// Close stops accepting events and waits for queued ones to flush or ctx to expire.
func (p *JetStreamPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher flush interrupted, %d events pending: %w", len(p.queue), ctx.Err())
	}
}
