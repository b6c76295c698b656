package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration
type Config struct {
	ServiceName string `validate:"required"`
	HTTPAddr    string `validate:"required"`
	HTTP        HTTPConfig
	Store       StoreConfig
	Database    DatabaseConfig
	Broker      BrokerConfig
	Relay       RelayConfig
	Backfill    BackfillConfig
	Hub         HubConfig
	Auth        AuthConfig
}

// HTTPConfig holds browser access and write throttling settings
type HTTPConfig struct {
	CORSOrigins       []string
	RateLimitRequests int           `validate:"min=0"`
	RateLimitWindow   time.Duration `validate:"gt=0"`
}

// StoreConfig selects the ReadingStore backend
type StoreConfig struct {
	Driver string `validate:"oneof=postgres memory"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string
	ApplySchema bool
}

// BrokerConfig holds the default broker endpoint and subscription settings.
// An active broker record in the store overrides the endpoint fields.
type BrokerConfig struct {
	Transport    string `validate:"oneof=mqtt amqp"`
	Host         string `validate:"required"`
	Port         int    `validate:"min=1,max=65535"`
	Username     string
	Password     string
	UseTLS       bool
	ClientID     string `validate:"required"`
	Topic        string `validate:"required"`
	StatusTopic  string
	AMQPExchange string
	AMQPQueue    string
	AMQPDLQ      string
	RetryInitial time.Duration `validate:"gt=0"`
	RetryMax     time.Duration `validate:"gtefield=RetryInitial"`
}

// RelayConfig holds the optional downstream AMQP relay settings
type RelayConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// BackfillConfig holds history settings for newly joined dashboard sessions
type BackfillConfig struct {
	Limit    int           `validate:"min=1"`
	Lookback time.Duration `validate:"gt=0"`
	Timeout  time.Duration `validate:"gt=0"`
}

// HubConfig holds fan-out settings
type HubConfig struct {
	MailboxSize int `validate:"min=1"`
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret string
}

var validate = validator.New()

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "river-telemetry"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8000"),
		HTTP: HTTPConfig{
			CORSOrigins:       getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 60),
			RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "postgres"),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			ApplySchema: getEnvAsBool("DATABASE_APPLY_SCHEMA", false),
		},
		Broker: BrokerConfig{
			Transport:    getEnv("BROKER_TRANSPORT", "mqtt"),
			Host:         getEnv("BROKER_HOST", "localhost"),
			Port:         getEnvAsInt("BROKER_PORT", 1883),
			Username:     getEnv("BROKER_USERNAME", ""),
			Password:     getEnv("BROKER_PASSWORD", ""),
			UseTLS:       getEnvAsBool("BROKER_USE_TLS", false),
			ClientID:     getEnv("BROKER_CLIENT_ID", "river-telemetry"),
			Topic:        getEnv("BROKER_TOPIC", "devices/+/telemetry"),
			StatusTopic:  getEnv("BROKER_STATUS_TOPIC", "devices/+/status"),
			AMQPExchange: getEnv("BROKER_AMQP_EXCHANGE", "amq.topic"),
			AMQPQueue:    getEnv("BROKER_AMQP_QUEUE", "river-telemetry.ingest.queue"),
			AMQPDLQ:      getEnv("BROKER_AMQP_DLQ", "river-telemetry.ingest.dlq"),
			RetryInitial: getEnvAsDuration("BROKER_RETRY_INITIAL", time.Second),
			RetryMax:     getEnvAsDuration("BROKER_RETRY_MAX", 30*time.Second),
		},
		Relay: RelayConfig{
			URL:        getEnv("RELAY_AMQP_URL", ""),
			Exchange:   getEnv("RELAY_EXCHANGE", "river-telemetry.readings.exchange"),
			RoutingKey: getEnv("RELAY_ROUTING_KEY", "reading.accepted"),
		},
		Backfill: BackfillConfig{
			Limit:    getEnvAsInt("BACKFILL_LIMIT", 100),
			Lookback: getEnvAsDuration("BACKFILL_LOOKBACK", 24*time.Hour),
			Timeout:  getEnvAsDuration("BACKFILL_TIMEOUT", 5*time.Second),
		},
		Hub: HubConfig{
			MailboxSize: getEnvAsInt("HUB_MAILBOX_SIZE", 256),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints on a loaded configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma separated value, dropping empty entries
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
