package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string        `env:"APP_NAME" envDefault:"fern-api"`
	Port                          int           `env:"PORT" envDefault:"3004"`
	LogLevel                      string        `env:"LOG_LEVEL" envDefault:"info"`
	PrettyLogs                    bool          `env:"PRETTY_LOGS" envDefault:"false"`
	HttpServerWriteTimeoutSeconds int           `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerReadTimeoutSeconds  int           `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerIdleTimeoutSeconds  int           `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" envDefault:"10"`
	ShutdownTimeout               time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	StartupMaxAttempts            int           `env:"STARTUP_MAX_ATTEMPTS" envDefault:"5"`

	// PostgreSQL (event log and version store)
	DatabaseDriver                string        `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" envDefault:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" envDefault:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" envDefault:""`
	DatabasePassword              string        `env:"DB_PASSWORD" envDefault:""`
	DatabaseName                  string        `env:"DB_NAME" envDefault:"fern"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" envDefault:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"10m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" envDefault:"db/pg"`
	DatabaseMigrationVersion      uint          `env:"DB_MIGRATION_VERSION" envDefault:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" envDefault:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" envDefault:"true"`
	DatabaseMigrateOnStart        bool          `env:"DB_MIGRATE_ON_START" envDefault:"true"`

	// Redis (partition locks)
	RedisEnabled  bool          `env:"REDIS_ENABLED" envDefault:"false"`
	RedisHost     string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"5m"`

	// Kafka Consumer (CDC feed)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" envDefault:"entity-events"`
	KafkaDebeziumTopics  []string `env:"KAFKA_DEBEZIUM_TOPICS" envSeparator:","`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"fern-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" envDefault:"true"`

	// Kafka Producer (findings)
	KafkaFindingsTopic  string `env:"KAFKA_FINDINGS_TOPIC" envDefault:""`
	KafkaBatchSize      int    `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	KafkaBatchTimeoutMs int    `env:"KAFKA_BATCH_TIMEOUT_MS" envDefault:"100"`
	KafkaRequiredAcks   int    `env:"KAFKA_REQUIRED_ACKS" envDefault:"1"`
	KafkaCompression    string `env:"KAFKA_COMPRESSION" envDefault:"snappy"`

	// Scheduler
	SchedulerEnabled      bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1m"`
	SchedulerRunTimeout   time.Duration `env:"SCHEDULER_RUN_TIMEOUT" envDefault:"10m"`
	SettleDelay           time.Duration `env:"SETTLE_DELAY" envDefault:"0s"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTLPProtocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`

	// Processing
	RulesFile          string `env:"RULES_FILE" envDefault:"rules.yaml"`
	EntityIDField      string `env:"ENTITY_ID_FIELD" envDefault:"id"`
	EntityIDExpression string `env:"ENTITY_ID_EXPRESSION" envDefault:""`
	CreatedAtField     string `env:"CREATED_AT_FIELD" envDefault:"created_at"`
	UpdatedAtField     string `env:"UPDATED_AT_FIELD" envDefault:"updated_at"`
}

// Load reads an optional .env file, then parses the environment into Config
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that env tags cannot express
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Port))
	}
	if c.KafkaConsumerEnabled && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when the consumer is enabled"))
	}
	switch c.KafkaCompression {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unsupported KAFKA_COMPRESSION %q", c.KafkaCompression))
	}
	switch c.OTLPProtocol {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("unsupported OTEL_EXPORTER_OTLP_PROTOCOL %q", c.OTLPProtocol))
	}
	if c.SchedulerEnabled && c.SchedulerPollInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_POLL_INTERVAL must be positive"))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, errors.New("SETTLE_DELAY must not be negative"))
	}
	return errors.Join(errs...)
}
