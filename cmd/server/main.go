package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/audit"
	"github.com/minasoft/vital-alerts/internal/broadcast"
	"github.com/minasoft/vital-alerts/internal/config"
	"github.com/minasoft/vital-alerts/internal/consumers"
	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/escalation"
	"github.com/minasoft/vital-alerts/internal/hl7"
	"github.com/minasoft/vital-alerts/internal/ingest"
	"github.com/minasoft/vital-alerts/internal/logging"
	"github.com/minasoft/vital-alerts/internal/metrics"
	"github.com/minasoft/vital-alerts/internal/nats"
	"github.com/minasoft/vital-alerts/internal/vitals"
	"github.com/minasoft/vital-alerts/internal/web"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "vital-alerts",
		File:    cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("vital-alerts stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Embedded NATS with the alert and audit streams
	natsServer, err := nats.NewEmbeddedServer(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to start NATS server: %w", err)
	}
	defer natsServer.Shutdown()
	js := natsServer.JetStream()

	// Threshold rules: file or defaults, then the KV bucket
	rules, err := loadRules(ctx, cfg, natsServer, logger)
	if err != nil {
		return err
	}

	// Alert store
	repo, err := db.NewRepository(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open alert repository: %w", err)
	}
	defer repo.Close()

	// Audit sinks and the async queues
	sinks, redisClient, err := auditSinks(ctx, cfg, natsServer)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	auditor := audit.NewEmitter(sinks, cfg.Audit.QueueSize, logger, m)
	publisher := broadcast.NewJetStreamPublisher(js, cfg.Engine.PublishQueueSize, logger, m)

	// Escalation engine
	opts := escalation.DefaultOptions()
	opts.Shards = cfg.Engine.Shards
	opts.QueueSize = cfg.Engine.QueueSize
	opts.ReconcileInterval = cfg.Engine.ReconcileInterval
	opts.EscalateAfter = make(map[vitals.Severity]time.Duration, len(cfg.Engine.EscalateAfter))
	for sev, after := range cfg.Engine.EscalateAfter {
		opts.EscalateAfter[vitals.Severity(sev)] = after
	}
	engine, err := escalation.New(opts, escalation.Deps{
		Rules:     rules,
		Store:     repo,
		Publisher: publisher,
		Auditor:   auditor,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start escalation engine: %w", err)
	}

	// Live subscriptions
	auth := broadcast.NewAuthenticator(cfg.JWTSecret)
	hub := broadcast.NewHub(auth, logger, m)
	go hub.Run(ctx)

	if err := consumers.NewLiveBridge(js, hub, logger).Start(ctx); err != nil {
		return err
	}
	if cfg.PagerWebhookURL != "" {
		pager := consumers.NewEscalationPager(js, consumers.DefaultPagerOptions(cfg.PagerWebhookURL), logger)
		if err := pager.Start(ctx); err != nil {
			return err
		}
	}

	// Inputs: HL7, Kafka, MQTT
	submitter := ingest.NewSubmitter(engine, m, logger)

	var hl7Server *hl7.MLLPServer
	if cfg.HL7.ListenPort > 0 {
		hl7Server = hl7.NewMLLPServer(cfg.HL7.ListenPort, submitter, logger)
		if err := hl7Server.Start(ctx); err != nil {
			return err
		}
	}

	feeds, err := buildFeeds(cfg, submitter, logger)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	feedErr := make(chan error, 1)
	if len(feeds) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingest.Run(ctx, logger, feeds...); err != nil {
				feedErr <- err
			}
		}()
	}

	// Web API
	webServer := web.NewServer(cfg.WebPort, web.Deps{
		JetStream: js,
		Alerts:    engine,
		Submitter: submitter,
		Hub:       hub,
		Auth:      auth,
		Metrics:   m,
		Logger:    logger,
	})
	webErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			webErr <- err
		}
	}()

	printStartupInfo(cfg, len(feeds))
	logger.Info("vital-alerts started",
		zap.Int("web_port", cfg.WebPort),
		zap.Int("hl7_port", cfg.HL7.ListenPort),
		zap.Int("feeds", len(feeds)),
		zap.Int("shards", opts.Shards))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-feedErr:
	case runErr = <-webErr:
	}
	stop()

	// Inputs stop first so nothing new reaches the engine, then the engine drains
	// and the publisher and audit queues flush before NATS goes away.
	if hl7Server != nil {
		hl7Server.Stop()
	}
	wg.Wait()
	engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error("publisher did not flush", zap.Error(err))
	}
	if err := auditor.Close(shutdownCtx); err != nil {
		logger.Error("audit emitter did not flush", zap.Error(err))
	}

	logger.Info("vital-alerts stopped")
	return runErr
}

func loadRules(ctx context.Context, cfg *config.Config, es *nats.EmbeddedServer, logger *zap.Logger) (*vitals.RuleTable, error) {
	set := vitals.DefaultRules()
	if cfg.ThresholdRulesFile != "" {
		loaded, err := vitals.LoadRulesFile(cfg.ThresholdRulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load threshold rules: %w", err)
		}
		set = loaded
	}
	table := vitals.NewRuleTable(set)

	kv, err := es.RulesBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules bucket: %w", err)
	}
	if err := vitals.SeedRules(ctx, kv, set, logger); err != nil {
		return nil, err
	}
	go func() {
		if err := vitals.WatchRules(ctx, kv, table, logger); err != nil {
			logger.Error("rule watch stopped", zap.Error(err))
		}
	}()
	return table, nil
}

func auditSinks(ctx context.Context, cfg *config.Config, es *nats.EmbeddedServer) ([]audit.Sink, *redis.Client, error) {
	var sinks []audit.Sink
	var client *redis.Client
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "nats":
			sinks = append(sinks, audit.NewJetStreamSink(es.JetStream()))
		case "redis":
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			sinks = append(sinks, audit.NewRedisStreamSink(client, cfg.Audit.RedisStream, 1000000)) // ~1M entries
		}
	}
	if len(sinks) == 0 {
		return nil, nil, errors.New("no audit sink configured")
	}
	return sinks, client, nil
}

func buildFeeds(cfg *config.Config, submitter *ingest.Submitter, logger *zap.Logger) ([]ingest.Feed, error) {
	var feeds []ingest.Feed
	if cfg.Kafka.Brokers != "" {
		k, err := ingest.NewKafkaConsumer(ingest.KafkaOptions{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.ConsumerGroup,
		}, submitter, logger)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, k)
	}
	if cfg.MQTT.BrokerURL != "" {
		feeds = append(feeds, ingest.NewMQTTSubscriber(ingest.MQTTOptions{
			Broker:   cfg.MQTT.BrokerURL,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
		}, submitter, logger))
	}
	return feeds, nil
}

func printStartupInfo(cfg *config.Config, feeds int) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                     Vital Alerts started                      ║
╠═══════════════════════════════════════════════════════════════╣
║ Web API / Dashboard  : http://localhost:%-22d ║
║ HL7 MLLP Port        : %-39d ║
║ Measurement feeds    : %-39d ║
║ Alert store          : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Printf(info, cfg.WebPort, cfg.HL7.ListenPort, feeds, cfg.Database.Driver)
}
