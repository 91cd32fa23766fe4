package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	embedded "github.com/minasoft/vital-alerts/internal/nats"
)

// Deliverer receives lifecycle events read back from the alert stream.
type Deliverer interface {
	Deliver(ev db.AlertEvent)
}

type handlerFunc func(ev db.AlertEvent, msg jetstream.Msg)

// consume runs handler for every event on a durable consumer until ctx is done.
func consume(ctx context.Context, js jetstream.JetStream, cfg jetstream.ConsumerConfig, logger *zap.Logger, handler handlerFunc) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, embedded.StreamAlerts, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", cfg.Durable, err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev db.AlertEvent
		// Malformed events are terminated, not redelivered
		if err := json.Unmarshal(msg.Data(), &ev); err != nil || ev.Alert == nil {
			logger.Error("malformed alert event, terminating delivery",
				zap.String("subject", msg.Subject()),
				zap.Error(err))
			msg.Term()
			return
		}
		handler(ev, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer %s: %w", cfg.Durable, err)
	}

	go func() {
		<-ctx.Done()
		cons.Stop()
	}()
	return nil
}

// LiveBridge feeds the alert stream into the websocket hub.
type LiveBridge struct {
	js     jetstream.JetStream
	target Deliverer
	logger *zap.Logger
}

func NewLiveBridge(js jetstream.JetStream, target Deliverer, logger *zap.Logger) *LiveBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveBridge{js: js, target: target, logger: logger.Named("live-bridge")}
}

func (b *LiveBridge) Start(ctx context.Context) error {
	cfg := jetstream.ConsumerConfig{
		Durable:       "live-bridge",
		Description:   "Forwards alert lifecycle events to live dashboards",
		FilterSubject: embedded.AlertSubject(">"),
		DeliverPolicy: jetstream.DeliverNewPolicy, // dashboards load the snapshot on connect
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxAckPending: 1000,
	}
	if err := consume(ctx, b.js, cfg, b.logger, b.forward); err != nil {
		return err
	}
	b.logger.Info("live bridge started", zap.String("stream", embedded.StreamAlerts))
	return nil
}

func (b *LiveBridge) forward(ev db.AlertEvent, msg jetstream.Msg) {
	// Deliver never blocks; a full hub drops and counts the event
	b.target.Deliver(ev)
	msg.Ack()
}
