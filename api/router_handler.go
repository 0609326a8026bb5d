package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/router"
	"github.com/xraph/switchboard/scope"
)

// RouteRequest is the body of POST /router/route.
type RouteRequest struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// DetachRequest is the body of POST /events/api/event and
// POST /events/websocket/event.
type DetachRequest struct {
	EventName string `json:"eventName"`
	Payload   any    `json:"payload"`
}

func httpScope(ctx context.Context) context.Context {
	return scope.With(ctx, scope.Caller{Source: scope.SourceHTTP})
}

func (a *API) routeEvent(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RouteRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Event == "" {
			writeError(w, badRequest("event is required"))
			return
		}
		res, err := a.eng.Router().RouteEvent(httpScope(r.Context()), req.Event, req.Payload)
		if err != nil {
			logger.Info("route event", slog.String("event", req.Event), slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// detachEvent accepts an event for background routing. source tags the
// caller so relayed websocket events are told apart from API ones.
func (a *API) detachEvent(source string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DetachRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.EventName == "" {
			writeError(w, badRequest("eventName is required"))
			return
		}
		logger.Debug("event accepted", slog.String("event", req.EventName))
		ctx := scope.With(r.Context(), scope.Caller{Source: source})
		router.Detach(ctx, a.eng.Router(), req.EventName, req.Payload)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
	}
}

// publishEvent relays the raw body on the global topic, which every
// gateway instance pushes to all of its sessions.
func (a *API) publishEvent(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := decode(r, &raw); err != nil {
			writeError(w, err)
			return
		}
		topic := a.eng.Config().Gateway.GlobalTopic
		if topic == "" {
			writeError(w, fmt.Errorf("%w: global topic disabled", switchboard.ErrNotFound))
			return
		}
		n := a.eng.Channel().Publish(r.Context(), topic, string(raw))
		logger.Debug("event published", slog.String("topic", topic), slog.Int64("receivers", n))
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "receivers": n})
	}
}
