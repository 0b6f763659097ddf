// Package config loads the banker service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Supported transports for the system bus.
const (
	DriverKafka    = "kafka"
	DriverNATS     = "nats"
	DriverRabbitMQ = "rabbitmq"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config holds all configuration for the banker service
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9100"`
	OTelEndpoint    string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Outbound backend for rails without a pinned backend.
	OutboundBackend  string `env:"OUTBOUND_BACKEND" envDefault:"system"`
	RoutingTableFile string `env:"ROUTING_TABLE_FILE"`

	System   SystemBusConfig
	Database DatabaseConfig
	AML      AMLConfig
}

// SystemBusConfig selects and configures the transport behind the "system" bus.
type SystemBusConfig struct {
	Driver string `env:"SYSTEM_BUS_DRIVER" envDefault:"kafka"`

	KafkaBrokers  []string `env:"SYSTEM_KAFKA_BROKERS" envSeparator:","`
	KafkaGroup    string   `env:"SYSTEM_KAFKA_GROUP" envDefault:"banker"`
	KafkaClientID string   `env:"SYSTEM_KAFKA_CLIENT_ID" envDefault:"banker"`

	NATSURL   string `env:"SYSTEM_NATS_URL"`
	NATSQueue string `env:"SYSTEM_NATS_QUEUE" envDefault:"banker"`

	AMQPURL         string        `env:"SYSTEM_AMQP_URL"`
	AMQPExchange    string        `env:"SYSTEM_AMQP_EXCHANGE" envDefault:"banker"`
	AMQPQueuePrefix string        `env:"SYSTEM_AMQP_QUEUE_PREFIX" envDefault:"banker."`
	AMQPConnTimeout time.Duration `env:"SYSTEM_AMQP_CONN_TIMEOUT" envDefault:"10s"`

	RedisAddr  string `env:"SYSTEM_REDIS_ADDR"`
	RedisGroup string `env:"SYSTEM_REDIS_GROUP" envDefault:"banker"`

	MemoryWorkers int `env:"SYSTEM_MEMORY_WORKERS" envDefault:"4"`
}

// DatabaseConfig holds the ledger database connection.
type DatabaseConfig struct {
	Name   string `env:"DB_NAME" envDefault:"banker"`
	Driver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DB_DSN" envDefault:"file:banker.db?_pragma=busy_timeout(5000)"`
}

// AMLConfig configures the built-in screening rules.
type AMLConfig struct {
	MaxAmount         float64  `env:"AML_MAX_AMOUNT" envDefault:"0"`
	AmountField       string   `env:"AML_AMOUNT_FIELD" envDefault:"amount"`
	BlocklistAddr     string   `env:"AML_BLOCKLIST_REDIS_ADDR"`
	BlocklistKey      string   `env:"AML_BLOCKLIST_KEY" envDefault:"banker:aml:blocklist"`
	BlocklistFields   []string `env:"AML_BLOCKLIST_FIELDS" envSeparator:"," envDefault:"address,account"`
	BlocklistPassword string   `env:"AML_BLOCKLIST_REDIS_PASS"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if c.OutboundBackend == "" {
		return fmt.Errorf("outbound backend is required")
	}

	switch c.System.Driver {
	case DriverKafka:
		if len(c.System.KafkaBrokers) == 0 {
			return fmt.Errorf("SYSTEM_KAFKA_BROKERS is required for the kafka driver")
		}
	case DriverNATS:
		if c.System.NATSURL == "" {
			return fmt.Errorf("SYSTEM_NATS_URL is required for the nats driver")
		}
	case DriverRabbitMQ:
		if c.System.AMQPURL == "" {
			return fmt.Errorf("SYSTEM_AMQP_URL is required for the rabbitmq driver")
		}
	case DriverRedis:
		if c.System.RedisAddr == "" {
			return fmt.Errorf("SYSTEM_REDIS_ADDR is required for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported system bus driver: %s", c.System.Driver)
	}

	if c.Database.Driver == "" || c.Database.DSN == "" {
		return fmt.Errorf("database driver and dsn are required")
	}

	if c.AML.MaxAmount < 0 {
		return fmt.Errorf("AML max amount must not be negative")
	}

	return nil
}
