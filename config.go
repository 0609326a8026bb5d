package switchboard

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds configuration for every switchboard subsystem.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Activity ActivityConfig `mapstructure:"activity"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener shared by the API and the
// WebSocket endpoint.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RouteTimeout bounds one routing call. Zero disables the bound.
	RouteTimeout time.Duration `mapstructure:"route_timeout"`

	// AdminRate is the sustained requests/second allowed on admin endpoints.
	AdminRate  float64 `mapstructure:"admin_rate"`
	AdminBurst int     `mapstructure:"admin_burst"`
}

// RedisConfig locates the shared store.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ChannelConfig tunes the resilient channel.
type ChannelConfig struct {
	HealthInterval time.Duration `mapstructure:"health_interval"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// GatewayConfig tunes the connection gateway.
type GatewayConfig struct {
	Path         string        `mapstructure:"path"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	ReplyTopic   string        `mapstructure:"reply_topic"`
	GlobalTopic  string        `mapstructure:"global_topic"`
	OutboundSize int           `mapstructure:"outbound_size"`
}

// AuthConfig configures credential signing and verification.
type AuthConfig struct {
	Secret    string        `mapstructure:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
}

// KafkaConfig configures the ingestion consumer and the producer.
type KafkaConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Brokers         []string `mapstructure:"brokers"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	ClientID        string   `mapstructure:"client_id"`
	GroupID         string   `mapstructure:"group_id"`
	Topic           string   `mapstructure:"topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	MaxAttempts     int      `mapstructure:"max_attempts"`
}

// ActivityConfig bounds the shared activity log.
type ActivityConfig struct {
	MaxEntries   int64  `mapstructure:"max_entries"`
	TrimSchedule string `mapstructure:"trim_schedule"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// StatsSchedule is the cron spec of the periodic stats summary.
	// Empty disables it.
	StatsSchedule string `mapstructure:"stats_schedule"`
}

// DefaultConfig returns a Config with sensible defaults. Auth.Secret has
// no default and must be provided.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ShutdownTimeout: 15 * time.Second,
			RouteTimeout:    10 * time.Second,
			AdminRate:       20,
			AdminBurst:      40,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Channel: ChannelConfig{
			HealthInterval: 30 * time.Second,
			BackoffInitial: 1 * time.Second,
			BackoffMax:     30 * time.Second,
		},
		Gateway: GatewayConfig{
			Path:         "/ws",
			GracePeriod:  10 * time.Second,
			RateLimit:    50,
			RateWindow:   time.Minute,
			ReplyTopic:   "worker_responses",
			GlobalTopic:  "global-events",
			OutboundSize: 256,
		},
		Auth: AuthConfig{
			ExpiresIn: 7 * 24 * time.Hour,
			Issuer:    "crux-web-socket",
			Audience:  "crux-clients",
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			ClientID:        "ws-router-client",
			GroupID:         "ws-router-group",
			Topic:           "event-topic",
			DeadLetterTopic: "dead-letter-queue",
			MaxAttempts:     3,
		},
		Activity: ActivityConfig{
			MaxEntries:   10000,
			TrimSchedule: "@every 1m",
		},
		Log: LogConfig{
			Level:         "info",
			Format:        "json",
			StatsSchedule: "@every 5m",
		},
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch {
	case c.Auth.Secret == "":
		return fmt.Errorf("%w: auth.secret is required", ErrInvalidConfig)
	case c.Gateway.RateLimit <= 0:
		return fmt.Errorf("%w: gateway.rate_limit must be positive", ErrInvalidConfig)
	case c.Gateway.RateWindow <= 0:
		return fmt.Errorf("%w: gateway.rate_window must be positive", ErrInvalidConfig)
	case c.Gateway.GracePeriod <= 0:
		return fmt.Errorf("%w: gateway.grace_period must be positive", ErrInvalidConfig)
	case c.Channel.BackoffInitial <= 0 || c.Channel.BackoffMax < c.Channel.BackoffInitial:
		return fmt.Errorf("%w: channel backoff bounds are invalid", ErrInvalidConfig)
	case c.Kafka.Enabled && len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled", ErrInvalidConfig)
	case c.Kafka.MaxAttempts <= 0:
		return fmt.Errorf("%w: kafka.max_attempts must be positive", ErrInvalidConfig)
	}
	return nil
}
