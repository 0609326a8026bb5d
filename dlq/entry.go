package dlq

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// OriginalMessage identifies the bus message that was given up on.
type OriginalMessage struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key,omitempty"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is one dead letter.
type Entry struct {
	OriginalMessage    OriginalMessage `json:"originalMessage"`
	Error              string          `json:"error"`
	ProcessingAttempts int             `json:"processingAttempts"`
	FailedAt           time.Time       `json:"failedAt"`
}

// NewEntry builds an entry for msg, which failed attempts times with
// cause as the last error.
func NewEntry(msg kafka.Message, cause error, attempts int) *Entry {
	e := &Entry{
		OriginalMessage: OriginalMessage{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       string(msg.Key),
			Value:     string(msg.Value),
			Timestamp: msg.Time.UTC(),
		},
		ProcessingAttempts: attempts,
		FailedAt:           time.Now().UTC(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}
