package api

import (
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/gateway"
	"github.com/xraph/switchboard/id"
)

// BroadcastRequest is the body of POST /websocket/broadcast.
type BroadcastRequest struct {
	Event    string `json:"event"`
	Data     any    `json:"data"`
	Room     string `json:"room,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// InitializeRequest is the body of POST /websocket/initialize.
type InitializeRequest struct {
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
	Event   string `json:"event"`
	Payload struct {
		Channels []string `json:"channels"`
	} `json:"payload"`
}

// ChannelBroadcastRequest is the body of POST /websocket/channel-broadcast.
type ChannelBroadcastRequest struct {
	Event      string   `json:"event"`
	ChannelIDs []string `json:"channel_ids"`
	Payload    any      `json:"payload"`
}

// ChannelRecord is stored at channel:<id>.
type ChannelRecord struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Active  bool      `json:"active"`
	Creator string    `json:"creator,omitempty"`
}

// ChannelStatus reports what happened to one channel.
type ChannelStatus struct {
	ChannelID string `json:"channelId"`
	Status    string `json:"status"`
}

// stamp attaches _meta to data. Non-object data is wrapped as {value: data}.
func stamp(data any, meta map[string]any) map[string]any {
	var out map[string]any
	switch d := data.(type) {
	case nil:
		out = make(map[string]any, 1)
	case map[string]any:
		out = make(map[string]any, len(d)+1)
		maps.Copy(out, d)
	default:
		out = map[string]any{"value": d}
	}
	out["_meta"] = meta
	return out
}

func (a *API) broadcast(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BroadcastRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Event == "" || req.Data == nil {
			writeError(w, badRequest("event and data are required"))
			return
		}
		if req.ClientID != "" {
			if _, err := id.ParseWithPrefix(req.ClientID, id.PrefixSession); err != nil {
				writeError(w, badRequest("clientId is not a session id"))
				return
			}
		}
		n := a.eng.Gateway().Broadcast(r.Context(), gateway.Outgoing{
			Event: req.Event,
			Data: stamp(req.Data, map[string]any{
				"source":    "api",
				"timestamp": time.Now().UTC(),
			}),
			Room:     req.Room,
			ClientID: req.ClientID,
		})
		logger.Debug("broadcast queued",
			slog.String("event", req.Event),
			slog.Int("deliveries", n),
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "success",
			"message":    "Message broadcasted successfully",
			"deliveries": n,
		})
	}
}

func (a *API) connections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"connections": a.eng.Gateway().Counts(),
	})
}

// initialize creates missing channel records and joins every connected
// client to each channel. An invalid token leaves the call anonymous.
func (a *API) initialize(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InitializeRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Event != "initialize" {
			writeError(w, badRequest("event must be initialize"))
			return
		}
		if req.Payload.Channels == nil {
			writeError(w, badRequest("payload.channels must be an array"))
			return
		}

		ctx := r.Context()
		var creator string
		if req.Auth.Token != "" {
			claims, err := a.eng.Auth().Verify(ctx, req.Auth.Token)
			if err != nil {
				logger.Info("initialize token rejected", slog.String("error", err.Error()))
			} else {
				creator = claims.Identity().UserID
			}
		}

		ch := a.eng.Channel()
		results := make([]ChannelStatus, 0, len(req.Payload.Channels))
		for _, channelID := range req.Payload.Channels {
			key := switchboard.ChannelKey(channelID)
			if ch.Exists(ctx, key) {
				results = append(results, ChannelStatus{ChannelID: channelID, Status: "exists"})
				continue
			}
			raw, err := json.Marshal(ChannelRecord{
				ID:      channelID,
				Created: time.Now().UTC(),
				Active:  true,
				Creator: creator,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			status := "created"
			if !ch.Set(ctx, key, string(raw), 0) {
				status = "failed"
			}
			results = append(results, ChannelStatus{ChannelID: channelID, Status: status})
		}

		joined := a.eng.Gateway().JoinClientsToChannels(req.Payload.Channels, nil)
		logger.Info("channels initialized",
			slog.Int("channels", len(results)),
			slog.Int("clients", joined),
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "success",
			"message":       "Channels initialized successfully",
			"channels":      results,
			"authenticated": creator != "",
			"sessionId":     uuid.NewString(),
		})
	}
}

// channelBroadcast emits payload to each channel room and publishes it on
// the channel's store topic.
func (a *API) channelBroadcast(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChannelBroadcastRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Event != "broadcast" {
			writeError(w, badRequest("event must be broadcast"))
			return
		}
		if len(req.ChannelIDs) == 0 {
			writeError(w, badRequest("channel_ids must be a non-empty array"))
			return
		}
		if req.Payload == nil {
			writeError(w, badRequest("payload is required"))
			return
		}

		ctx := r.Context()
		ch := a.eng.Channel()
		for _, channelID := range req.ChannelIDs {
			if !ch.Exists(ctx, switchboard.ChannelKey(channelID)) {
				logger.Warn("broadcast to unknown channel", slog.String("channel", channelID))
			}
		}

		messageID := uuid.NewString()
		msg := map[string]any{
			"event": "message",
			"data": stamp(req.Payload, map[string]any{
				"timestamp": time.Now().UTC(),
				"source":    "api-broadcast",
				"messageId": messageID,
			}),
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			writeError(w, badRequest("payload is not encodable"))
			return
		}

		a.eng.Gateway().EmitToRooms(ctx, req.ChannelIDs, msg)
		results := make([]ChannelStatus, 0, len(req.ChannelIDs))
		for _, channelID := range req.ChannelIDs {
			ch.Publish(ctx, switchboard.ChannelKey(channelID), string(raw))
			results = append(results, ChannelStatus{ChannelID: channelID, Status: "broadcast_sent"})
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"message":   "Broadcast sent successfully",
			"channels":  results,
			"messageId": messageID,
		})
	}
}
