package nats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	StreamAlerts = "VITAL_ALERTS"
	StreamAudit  = "VITAL_AUDIT"
	BucketRules  = "THRESHOLD_RULES"

	alertSubjectPrefix = "alerts."
	auditSubjectPrefix = "audit."
)

// AlertSubject is the subject an alert lifecycle event is published on.
func AlertSubject(eventType string) string {
	return alertSubjectPrefix + eventType
}

func AuditSubject(action string) string {
	return auditSubjectPrefix + action
}

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

func NewEmbeddedServer(dataDir string, logger *zap.Logger) (*EmbeddedServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// NATS server options
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      -1, // in-process clients only
		HTTPPort:  -1, // monitoring off
		NoSigs:    true,
	}

	// Create the store directory
	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	ns.Start()

	// Wait until it is ready
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready for connections")
	}
	logger.Info("embedded NATS server started", zap.String("client_url", ns.ClientURL()))

	// Client connection
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to start JetStream: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
		logger: logger,
	}

	// Streams and the rules bucket
	if err := es.createStreams(); err != nil {
		es.Shutdown()
		return nil, err
	}
	if err := es.createKVStore(); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

func (es *EmbeddedServer) createStreams() error {
	ctx := context.Background()

	// Alert stream (engine -> dashboards, pager)
	alertStreamConfig := jetstream.StreamConfig{
		Name:        StreamAlerts,
		Description: "Alert lifecycle events",
		Subjects:    []string{alertSubjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour, // 7 days
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     1000000,
		MaxBytes:    1024 * 1024 * 1024, // 1GB
	}
	if _, err := es.js.CreateOrUpdateStream(ctx, alertStreamConfig); err != nil {
		return fmt.Errorf("failed to create alert stream: %w", err)
	}
	es.logger.Info("stream ready", zap.String("stream", StreamAlerts))

	// Audit stream, kept longer than alert events
	auditStreamConfig := jetstream.StreamConfig{
		Name:        StreamAudit,
		Description: "Immutable audit entries",
		Subjects:    []string{auditSubjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour, // 30 days
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     5000000,
		MaxBytes:    2 * 1024 * 1024 * 1024, // 2GB
	}
	if _, err := es.js.CreateOrUpdateStream(ctx, auditStreamConfig); err != nil {
		return fmt.Errorf("failed to create audit stream: %w", err)
	}
	es.logger.Info("stream ready", zap.String("stream", StreamAudit))

	return nil
}

func (es *EmbeddedServer) createKVStore() error {
	_, err := es.js.CreateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      BucketRules,
		Description: "Threshold rule table",
		History:     10,          // keep recent revisions for rollback
		MaxBytes:    1024 * 1024, // 1MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create rules KV store: %w", err)
	}
	es.logger.Info("KV store ready", zap.String("bucket", BucketRules))
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) RulesBucket(ctx context.Context) (jetstream.KeyValue, error) {
	return es.js.KeyValue(ctx, BucketRules)
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	es.logger.Info("NATS server stopped")
}
