package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/activity"
	"github.com/xraph/switchboard/auth"
	"github.com/xraph/switchboard/backoff"
	"github.com/xraph/switchboard/channel"
	"github.com/xraph/switchboard/cron"
	"github.com/xraph/switchboard/dlq"
	"github.com/xraph/switchboard/ext"
	"github.com/xraph/switchboard/gateway"
	"github.com/xraph/switchboard/ingest"
	mw "github.com/xraph/switchboard/middleware"
	"github.com/xraph/switchboard/observability"
	"github.com/xraph/switchboard/router"
	"github.com/xraph/switchboard/store"
	redisstore "github.com/xraph/switchboard/store/redis"
)

const instrumentationName = "github.com/xraph/switchboard"

// Maintenance task names.
const (
	TaskActivityTrim = "activity-trim"
	TaskStats        = "stats"
)

// Engine owns one instance of every subsystem.
type Engine struct {
	cfg        switchboard.Config
	logger     *slog.Logger
	extensions *ext.Registry
	exts       []ext.Extension
	mws        []mw.Middleware

	dial     store.Dialer
	channel  *channel.Channel
	activity *activity.Log
	router   *router.Router
	auth     *auth.Service
	gateway  *gateway.Gateway
	server   *gateway.Server

	// Bus subsystem. consumer is nil when Kafka is disabled.
	fetcher   ingest.Fetcher
	writer    ingest.Writer
	producer  ingest.Sender
	consumer  *ingest.Consumer
	dlq       *dlq.Service
	scheduler *cron.Scheduler

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.exts = append(eng.exts, e)
	}
}

// WithMiddleware appends routing middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithDialer replaces the Redis dialer, e.g. with store/memory.
func WithDialer(d store.Dialer) Option {
	return func(eng *Engine) { eng.dial = d }
}

// WithKafka replaces the kafka-go reader and writer built from config.
// Either may be nil to keep the default. It has no effect while
// Kafka.Enabled is false.
func WithKafka(f ingest.Fetcher, w ingest.Writer) Option {
	return func(eng *Engine) {
		eng.fetcher = f
		eng.writer = w
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the routing
// chain. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both the
// metrics middleware and the observability extension use it.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build validates cfg and constructs every subsystem. Nothing connects
// until Start.
func Build(cfg switchboard.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	logger := eng.logger
	eng.extensions = ext.NewRegistry(logger)

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	// Store channel.
	if eng.dial == nil {
		eng.dial = redisstore.Dialer(&goredis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, redisstore.WithLogger(logger))
	}
	eng.channel = channel.New(eng.dial,
		channel.WithLogger(logger.With("component", "channel")),
		channel.WithBackoff(backoff.NewExponential(cfg.Channel.BackoffInitial, cfg.Channel.BackoffMax)),
		channel.WithHealthInterval(cfg.Channel.HealthInterval),
		channel.WithEmitter(eng.extensions),
	)

	eng.activity = activity.New(eng.channel,
		activity.WithLogger(logger),
		activity.WithMaxEntries(cfg.Activity.MaxEntries),
	)

	// Routing chain: recover → tracing → metrics → logging → scope → timeout.
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Scope(),
		mw.Timeout(cfg.Server.RouteTimeout),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	eng.router = router.New(eng.channel,
		router.WithLogger(logger.With("component", "router")),
		router.WithExtensions(eng.extensions),
		router.WithActivity(eng.activity),
		router.WithMiddleware(allMws...),
	)

	eng.auth = auth.New(cfg.Auth, eng.channel, auth.WithLogger(logger.With("component", "auth")))

	eng.gateway = gateway.New(eng.router, eng.auth, eng.channel,
		gateway.WithLogger(logger.With("component", "gateway")),
		gateway.WithExtensions(eng.extensions),
		gateway.WithGracePeriod(cfg.Gateway.GracePeriod),
		gateway.WithRateLimit(cfg.Gateway.RateLimit, cfg.Gateway.RateWindow),
		gateway.WithReplyTopic(cfg.Gateway.ReplyTopic),
		gateway.WithGlobalTopic(cfg.Gateway.GlobalTopic),
		gateway.WithOutboundSize(cfg.Gateway.OutboundSize),
	)
	eng.server = gateway.NewServer(eng.gateway, gateway.WithServerLogger(logger.With("component", "ws")))

	eng.buildBus()

	if err := eng.buildScheduler(); err != nil {
		return nil, err
	}
	return eng, nil
}

// buildBus creates the producer, dead-letter service and, when Kafka is
// enabled, the consumer.
func (eng *Engine) buildBus() {
	cfg := eng.cfg.Kafka
	logger := eng.logger.With("component", "kafka")

	if !cfg.Enabled {
		eng.producer = ingest.NoopProducer{Logger: logger}
		eng.dlq = dlq.NewService(eng.producer, dlq.WithTopic(cfg.DeadLetterTopic), dlq.WithLogger(logger))
		logger.Info("kafka disabled, using noop producer")
		return
	}

	if eng.writer == nil {
		eng.writer = ingest.NewWriter(cfg, logger)
	}
	if eng.fetcher == nil {
		eng.fetcher = ingest.NewReader(cfg, logger)
	}
	eng.producer = ingest.NewProducer(eng.writer, ingest.WithProducerLogger(logger))
	eng.dlq = dlq.NewService(eng.producer, dlq.WithTopic(cfg.DeadLetterTopic), dlq.WithLogger(logger))
	eng.consumer = ingest.NewConsumer(eng.fetcher, eng.router, eng.dlq,
		ingest.WithLogger(logger),
		ingest.WithMaxAttempts(cfg.MaxAttempts),
		ingest.WithRetryBackoff(backoff.NewExponentialWithJitter(eng.cfg.Channel.BackoffInitial, eng.cfg.Channel.BackoffMax)),
		ingest.WithExtensions(eng.extensions),
	)
}

func (eng *Engine) buildScheduler() error {
	eng.scheduler = cron.NewScheduler(cron.WithLogger(eng.logger.With("component", "cron")))

	if sched := eng.cfg.Activity.TrimSchedule; sched != "" && eng.cfg.Activity.MaxEntries > 0 {
		err := eng.scheduler.Register(TaskActivityTrim, sched, func(ctx context.Context) error {
			eng.activity.Trim(ctx)
			return nil
		})
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}
	if sched := eng.cfg.Log.StatsSchedule; sched != "" {
		if err := eng.scheduler.Register(TaskStats, sched, eng.logStats); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}
	return nil
}

// logStats writes one summary line of the engine's counters.
func (eng *Engine) logStats(ctx context.Context) error {
	st := eng.Stats()
	attrs := []slog.Attr{
		slog.String("channel_state", st.Channel.State),
		slog.Int64("channel_errors", st.Channel.Errors),
		slog.Int64("reconnects", st.Channel.ReconnectAttempts),
		slog.Int("sessions", st.Sessions.Total),
		slog.Int("authenticated", st.Sessions.Authenticated),
		slog.Int64("dead_letters", st.DeadLetters),
	}
	if st.Consumer != nil {
		attrs = append(attrs,
			slog.Int64("processed", st.Consumer.Processed),
			slog.Int64("retried", st.Consumer.Retried),
			slog.Int("pending_retries", st.Consumer.Pending),
		)
	}
	eng.logger.LogAttrs(ctx, slog.LevelInfo, "switchboard stats", attrs...)
	return nil
}

// ── Lifecycle ───────────────────────────────────────

// Start connects the store channel, subscribes the gateway's standing
// topics, and starts the maintenance scheduler. An unreachable store does
// not fail Start; the channel keeps reconnecting in the background.
func (eng *Engine) Start(ctx context.Context) error {
	eng.channel.Start(ctx)

	if err := eng.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	eng.logger.Info("switchboard started",
		slog.Bool("kafka", eng.consumer != nil),
		slog.String("reply_topic", eng.cfg.Gateway.ReplyTopic),
	)
	return nil
}

// Run blocks until ctx is done, consuming the bus when Kafka is enabled.
// Start must have been called.
func (eng *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if eng.consumer != nil {
		g.Go(func() error {
			return eng.consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Stop shuts subsystems down in reverse dependency order. In-flight
// detached routes and audit writes are waited for until ctx is done.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.extensions.EmitShutdown(ctx)

	var errs []error
	if err := eng.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop cron scheduler: %w", err))
	}
	eng.gateway.Stop(ctx)

	drained := make(chan struct{})
	go func() {
		eng.router.Wait()
		eng.activity.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		eng.logger.Warn("shutdown deadline reached with routes in flight")
	}
	eng.activity.Close()

	if eng.consumer != nil {
		if err := eng.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
	}
	if p, ok := eng.producer.(*ingest.Producer); ok {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	if err := eng.channel.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop channel: %w", err))
	}
	return errors.Join(errs...)
}

// ── Stats ───────────────────────────────────────────

// Stats is a point-in-time view of every subsystem's counters.
type Stats struct {
	Channel     channel.Stats  `json:"channel"`
	Sessions    gateway.Counts `json:"sessions"`
	Consumer    *ingest.Stats  `json:"consumer,omitempty"`
	DeadLetters int64          `json:"dead_letters"`
	Tasks       []cron.Entry   `json:"tasks"`
}

// Stats collects the current counters.
func (eng *Engine) Stats() Stats {
	st := Stats{
		Channel:     eng.channel.Stats(),
		Sessions:    eng.gateway.Counts(),
		DeadLetters: eng.dlq.Count(),
		Tasks:       eng.scheduler.Entries(),
	}
	if eng.consumer != nil {
		cs := eng.consumer.Stats()
		st.Consumer = &cs
	}
	return st
}

// ── Accessors ───────────────────────────────────────

// Config returns the configuration the engine was built with.
func (eng *Engine) Config() switchboard.Config { return eng.cfg }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Channel returns the resilient store channel.
func (eng *Engine) Channel() *channel.Channel { return eng.channel }

// Activity returns the activity log.
func (eng *Engine) Activity() *activity.Log { return eng.activity }

// Router returns the workflow router.
func (eng *Engine) Router() *router.Router { return eng.router }

// Auth returns the credential service.
func (eng *Engine) Auth() *auth.Service { return eng.auth }

// Gateway returns the connection gateway.
func (eng *Engine) Gateway() *gateway.Gateway { return eng.gateway }

// Server returns the WebSocket endpoint handler.
func (eng *Engine) Server() *gateway.Server { return eng.server }

// Producer returns the bus producer; a no-op sender when Kafka is disabled.
func (eng *Engine) Producer() ingest.Sender { return eng.producer }

// Consumer returns the ingestion consumer, or nil when Kafka is disabled.
func (eng *Engine) Consumer() *ingest.Consumer { return eng.consumer }

// DLQService returns the dead-letter service.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlq }

// Scheduler returns the maintenance scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }
