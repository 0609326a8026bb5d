package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/switchboard"
)

// ProduceRequest is the body of POST /kafka/produce. Topic defaults to the
// ingestion topic.
type ProduceRequest struct {
	Topic   string          `json:"topic,omitempty"`
	Key     string          `json:"key,omitempty"`
	Message json.RawMessage `json:"message"`
}

func (a *API) produce(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProduceRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.Message) == 0 || string(req.Message) == "null" {
			writeError(w, badRequest("message is required"))
			return
		}
		cfg := a.eng.Config()
		topic := req.Topic
		if topic == "" {
			topic = cfg.Kafka.Topic
		}
		var key []byte
		if req.Key != "" {
			key = []byte(req.Key)
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.Server.RouteTimeout)
		defer cancel()
		if err := a.eng.Producer().Send(ctx, topic, key, req.Message); err != nil {
			logger.Warn("produce", slog.String("topic", topic), slog.String("error", err.Error()))
			writeError(w, fmt.Errorf("%w: %v", switchboard.ErrTransient, err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "sent",
			"topic":  topic,
		})
	}
}
