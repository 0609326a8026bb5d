package ingest

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/xraph/switchboard"
)

const dialTimeout = 10 * time.Second

// NewReader creates a consumer-group reader for cfg.Topic. Offsets are
// committed explicitly by the Consumer. SASL/PLAIN over TLS is used when
// both credentials are set.
func NewReader(cfg switchboard.KafkaConfig, logger *slog.Logger) *kafka.Reader {
	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   dialTimeout,
		DualStack: true,
	}
	if useSASL(cfg) {
		dialer.SASLMechanism = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		Dialer:      dialer,
		StartOffset: kafka.LastOffset,
		ErrorLogger: errorLogger(logger, "reader"),
	})
}

// NewWriter creates a writer that takes the topic from each message.
func NewWriter(cfg switchboard.KafkaConfig, logger *slog.Logger) *kafka.Writer {
	transport := &kafka.Transport{
		ClientID:    cfg.ClientID,
		DialTimeout: dialTimeout,
	}
	if useSASL(cfg) {
		transport.SASL = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Transport:              transport,
		ErrorLogger:            errorLogger(logger, "writer"),
	}
}

func useSASL(cfg switchboard.KafkaConfig) bool {
	return cfg.Username != "" && cfg.Password != ""
}

func errorLogger(logger *slog.Logger, component string) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...any) {
		logger.Error(fmt.Sprintf(msg, args...), slog.String("component", "kafka-"+component))
	})
}
