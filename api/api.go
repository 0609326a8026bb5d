// Package api exposes the switchboard HTTP surface: routing entry points,
// token endpoints, gateway fan-out, Kafka production and operator views.
package api

import (
	"log/slog"
	"net/http"

	"github.com/alexedwards/flow"
	"golang.org/x/time/rate"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/engine"
	"github.com/xraph/switchboard/scope"
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng     *engine.Engine
	logger  *slog.Logger
	limiter *rate.Limiter
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger. Defaults to the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithLimiter replaces the admin token bucket.
func WithLimiter(l *rate.Limiter) Option {
	return func(a *API) { a.limiter = l }
}

// New creates an API from an Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	cfg := eng.Config().Server
	a := &API{
		eng:     eng,
		logger:  eng.Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.AdminRate), cfg.AdminBurst),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "api"))
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := flow.New()
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, switchboard.ErrNotFound)
	})
	a.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers every route on mux.
func (a *API) RegisterRoutes(mux *flow.Mux) {
	// gateway upgrade
	mux.Handle(a.eng.Config().Gateway.Path, a.eng.Server(), "GET")

	// routing
	mux.HandleFunc("/router/route", a.routeEvent(a.logger.With("handler", "route event")), "POST")
	mux.HandleFunc("/events", a.publishEvent(a.logger.With("handler", "publish event")), "POST")
	mux.HandleFunc("/events/api/event", a.detachEvent(scope.SourceHTTP, a.logger.With("handler", "detach event")), "POST")
	mux.HandleFunc("/events/websocket/event", a.detachEvent(scope.SourceWebSocket, a.logger.With("handler", "relay websocket event")), "POST")

	// credentials
	mux.HandleFunc("/websocket/token", a.issueToken(a.logger.With("handler", "issue token")), "POST")
	mux.HandleFunc("/websocket/validate-token", a.validateToken(a.logger.With("handler", "validate token")), "POST")
	mux.HandleFunc("/websocket/revoke-token", a.revokeToken(a.logger.With("handler", "revoke token")), "POST")

	mux.HandleFunc("/healthz", a.health, "GET")

	mux.Group(func(mux *flow.Mux) {
		mux.Use(a.throttle)

		// gateway
		mux.HandleFunc("/websocket/broadcast", a.broadcast(a.logger.With("handler", "broadcast")), "POST")
		mux.HandleFunc("/websocket/connections", a.connections, "GET")
		mux.HandleFunc("/websocket/initialize", a.initialize(a.logger.With("handler", "initialize channels")), "POST")
		mux.HandleFunc("/websocket/channel-broadcast", a.channelBroadcast(a.logger.With("handler", "channel broadcast")), "POST")

		// bus
		mux.HandleFunc("/kafka/produce", a.produce(a.logger.With("handler", "produce")), "POST")
		mux.HandleFunc("/dlq", a.listDeadLetters, "GET")

		// operators
		mux.HandleFunc("/activity/logs", a.activityLogs, "GET")
		mux.HandleFunc("/stats", a.stats, "GET")
		mux.HandleFunc("/cron", a.listTasks, "GET")
		mux.HandleFunc("/cron/:name/enable", a.setTaskEnabled(true), "POST")
		mux.HandleFunc("/cron/:name/disable", a.setTaskEnabled(false), "POST")
	})
}

// throttle rejects admin requests once the token bucket is empty.
func (a *API) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			a.logger.Warn("admin request throttled", slog.String("path", r.URL.Path))
			writeError(w, switchboard.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
