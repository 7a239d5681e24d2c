// Package config loads the service configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/qvcloud/portfolio/broker"
	"gopkg.in/yaml.v3"
)

// Broker types accepted in broker.type.
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerNATS     = "nats"
	BrokerKafka    = "kafka"
	BrokerRocketMQ = "rocketmq"
	BrokerMemory   = "memory"
)

// Config holds all configuration for the portfolio service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`
	Queue    QueueConfig    `yaml:"queue"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Hub      HubConfig      `yaml:"hub"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string        `yaml:"allowed_origins"` // "*" allows any origin
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DatabaseConfig holds the project store connection. An empty URL runs the
// service without project routes.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Migrate  bool   `yaml:"migrate"`
	MaxConns int32  `yaml:"max_conns"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	Type     string `yaml:"type"`
	URI      string `yaml:"uri"`
	ClientID string `yaml:"client_id"`

	// Zero keeps a lost subscription down.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	Prefetch          int           `yaml:"prefetch"`
}

// QueueConfig declares the notifications queue. Producer and consumer share it.
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
	Type       string `yaml:"type"` // quorum, classic, stream or empty
}

// Spec returns the queue declaration.
func (q QueueConfig) Spec() broker.QueueSpec {
	return broker.QueueSpec{
		Name:       q.Name,
		Durable:    q.Durable,
		AutoDelete: q.AutoDelete,
		Exclusive:  q.Exclusive,
		Type:       q.Type,
	}
}

// BreakerConfig configures the producer circuit breaker. A zero threshold
// disables it.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// HubConfig configures the WebSocket broadcast hub.
type HubConfig struct {
	Path           string        `yaml:"path"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	q := broker.DefaultQueue()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000"},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Migrate:  true,
			MaxConns: 10,
		},
		Broker: BrokerConfig{
			Type:           BrokerRabbitMQ,
			ClientID:       "portfolio",
			PublishTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Name:    q.Name,
			Durable: q.Durable,
			Type:    q.Type,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Hub: HubConfig{
			Path:           "/notificationHub",
			WriteTimeout:   10 * time.Second,
			PongTimeout:    60 * time.Second,
			MaxMessageSize: 64 * 1024,
			SendBuffer:     256,
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result. A missing or empty filename yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := getEnv("PORT", ""); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Broker.URI = getEnv("BROKER_URI", getEnv("RABBITMQ_URL", c.Broker.URI))
	c.Broker.Type = getEnv("BROKER_TYPE", c.Broker.Type)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
}

// Validate checks if the configuration is valid. An empty broker URI is
// accepted here and reported when the broker connects.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Broker.Type {
	case BrokerRabbitMQ, BrokerNATS, BrokerKafka, BrokerRocketMQ, BrokerMemory:
	default:
		return fmt.Errorf("broker.type must be one of: rabbitmq, nats, kafka, rocketmq, memory")
	}
	if c.Broker.ReconnectInterval < 0 {
		return fmt.Errorf("broker.reconnect_interval cannot be negative")
	}
	if c.Broker.Prefetch < 0 {
		return fmt.Errorf("broker.prefetch cannot be negative")
	}

	if err := c.Queue.Spec().Validate(); err != nil {
		return err
	}

	if c.Breaker.FailureThreshold > 0 && c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive when the breaker is enabled")
	}

	if !strings.HasPrefix(c.Hub.Path, "/") {
		return fmt.Errorf("hub.path must start with /")
	}
	if c.Hub.SendBuffer < 1 {
		return fmt.Errorf("hub.send_buffer must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
