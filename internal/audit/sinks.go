package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/vital-alerts/internal/db"
	embedded "github.com/minasoft/vital-alerts/internal/nats"
)

// JetStreamSink appends entries to the audit stream, one subject per action.
type JetStreamSink struct {
	js jetstream.JetStream
}

func NewJetStreamSink(js jetstream.JetStream) *JetStreamSink {
	return &JetStreamSink{js: js}
}

func (s *JetStreamSink) Name() string { return "nats" }

func (s *JetStreamSink) Write(ctx context.Context, entry db.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	if _, err := s.js.Publish(ctx, embedded.AuditSubject(entry.Action), data); err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}
	return nil
}

// RedisStreamSink appends entries to a Redis stream with XADD.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Write(ctx context.Context, entry db.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"action":    entry.Action,
			"user_id":   entry.UserID,
			"source":    entry.Source,
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
			"details":   string(details),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add audit entry to stream %s: %w", s.stream, err)
	}
	return nil
}
