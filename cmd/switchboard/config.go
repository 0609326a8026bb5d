package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/xraph/switchboard"
)

// envPrefix namespaces every config key in the environment, e.g.
// SWITCHBOARD_GATEWAY_RATE_LIMIT.
const envPrefix = "SWITCHBOARD"

// configKeys lists every key Unmarshal should resolve from the environment.
var configKeys = []string{
	"server.addr", "server.shutdown_timeout", "server.route_timeout",
	"server.admin_rate", "server.admin_burst",
	"redis.host", "redis.port", "redis.password", "redis.db",
	"channel.health_interval", "channel.backoff_initial", "channel.backoff_max",
	"gateway.path", "gateway.grace_period", "gateway.rate_limit", "gateway.rate_window",
	"gateway.reply_topic", "gateway.global_topic", "gateway.outbound_size",
	"auth.secret", "auth.expires_in", "auth.issuer", "auth.audience",
	"kafka.enabled", "kafka.brokers", "kafka.username", "kafka.password",
	"kafka.client_id", "kafka.group_id", "kafka.topic", "kafka.dead_letter_topic",
	"kafka.max_attempts",
	"activity.max_entries", "activity.trim_schedule",
	"log.level", "log.format", "log.stats_schedule",
}

// legacyEnv maps keys to the unprefixed variables deployments already set.
var legacyEnv = map[string]string{
	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"auth.secret":    "JWT_SECRET",
	"kafka.enabled":  "ENABLE_KAFKA",
	"kafka.brokers":  "KAFKA_BROKER",
	"kafka.username": "KAFKA_USERNAME",
	"kafka.password": "KAFKA_PASSWORD",
}

// newViper returns a viper instance with every key bound to its prefixed
// variable and, where one exists, its legacy variable.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	for _, key := range configKeys {
		names := []string{envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return v, nil
}

// loadConfig reads file, or switchboard.yaml from the working directory
// when file is empty, then overlays the environment and bound flags on
// DefaultConfig. A missing default file is not an error.
func loadConfig(v *viper.Viper, file string) (switchboard.Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("switchboard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return switchboard.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := switchboard.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return switchboard.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return switchboard.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg. Unknown levels fall back
// to info.
func newLogger(cfg switchboard.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", "switchboard"))
}
