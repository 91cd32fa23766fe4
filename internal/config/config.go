package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	WebPort   int
	DataDir   string
	JWTSecret string

	Log      LogConfig
	HL7      HL7Config
	Kafka    KafkaConfig
	MQTT     MQTTConfig
	Redis    RedisConfig
	Audit    AuditConfig
	Database DatabaseConfig
	Engine   EngineConfig

	ThresholdRulesFile string
	PagerWebhookURL    string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type HL7Config struct {
	ListenPort int
}

type KafkaConfig struct {
	Brokers       string
	Topic         string
	ConsumerGroup string
}

type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuditConfig struct {
	Sinks       []string
	RedisStream string
	QueueSize   int
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type EngineConfig struct {
	Shards            int
	QueueSize         int
	PublishQueueSize  int
	EscalateAfter     map[string]time.Duration
	ReconcileInterval time.Duration
}

// Load reads configuration from the environment, after loading .env when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvAsInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := getEnvAsBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := getEnvAsDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	minutes := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Minute
	}

	dataDir := getEnv("DATA_DIR", "./data")
	cfg := &Config{
		WebPort:   intVar("WEB_PORT", 5680),
		DataDir:   dataDir,
		JWTSecret: getEnv("JWT_SECRET", ""),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		HL7: HL7Config{
			ListenPort: intVar("HL7_LISTEN_PORT", 7010),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnv("KAFKA_BROKERS", ""),
			Topic:         getEnv("VITALS_TOPIC", "patient-vitals-data-topic"),
			ConsumerGroup: getEnv("CONSUMER_GROUP", "vital-alerts"),
		},
		MQTT: MQTTConfig{
			BrokerURL: getEnv("MQTT_BROKER_URL", ""),
			ClientID:  getEnv("MQTT_CLIENT_ID", "vital-alerts"),
			Username:  getEnv("MQTT_USERNAME", ""),
			Password:  getEnv("MQTT_PASSWORD", ""),
			Topic:     getEnv("MQTT_TOPIC", "vitals/+/measurements"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intVar("REDIS_DB", 0),
		},
		Audit: AuditConfig{
			Sinks:       splitList(getEnv("AUDIT_SINKS", "nats")),
			RedisStream: getEnv("AUDIT_REDIS_STREAM", "vital-alerts:audit"),
			QueueSize:   intVar("AUDIT_QUEUE_SIZE", 1024),
		},
		Database: DatabaseConfig{
			Driver: getEnv("ALERT_DB_DRIVER", "sqlite3"),
			DSN:    getEnv("ALERT_DB_DSN", filepath.Join(dataDir, "alerts.db")),
		},
		Engine: EngineConfig{
			Shards:           intVar("ENGINE_SHARDS", 16),
			QueueSize:        intVar("ENGINE_QUEUE_SIZE", 256),
			PublishQueueSize: intVar("PUBLISH_QUEUE_SIZE", 1024),
			EscalateAfter: map[string]time.Duration{
				"Info":      minutes("ESCALATE_INFO_MINUTES", 0),
				"Warning":   minutes("ESCALATE_WARNING_MINUTES", 15),
				"Critical":  minutes("ESCALATE_CRITICAL_MINUTES", 5),
				"Emergency": minutes("ESCALATE_EMERGENCY_MINUTES", 2),
			},
			ReconcileInterval: durationVar("RECONCILE_INTERVAL", 30*time.Second),
		},
		ThresholdRulesFile: getEnv("THRESHOLD_RULES_FILE", ""),
		PagerWebhookURL:    getEnv("PAGER_WEBHOOK_URL", ""),
	}
	if boolVar("LOG_TO_CONSOLE", false) {
		cfg.Log.Format = "console"
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	for _, sink := range cfg.Audit.Sinks {
		switch sink {
		case "nats":
		case "redis":
			if cfg.Redis.Addr == "" {
				errs = append(errs, errors.New("AUDIT_SINKS includes redis but REDIS_ADDR is empty"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown audit sink %q", sink))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return v, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a boolean", key, value)
	}
	return v, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a duration", key, value)
	}
	return v, nil
}

func splitList(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
