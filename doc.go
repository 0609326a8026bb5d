// Package switchboard is a real-time event-dispatch gateway. Events arriving
// from HTTP callers, WebSocket clients, or a Kafka topic are resolved into
// workflow instances whose steps are handed to the least loaded worker of
// each step's target pool. Worker replies come back over a shared pub/sub
// topic and are fanned out to the connected clients.
//
// The root package holds the configuration and the error taxonomy shared by
// every subsystem. The subsystems live in their own packages:
//
//	channel   resilient store/pub-sub connection (reconnect, replay)
//	router    event → workflow instance → worker queues
//	gateway   WebSocket sessions, auth, rate limiting, rooms, reply fan-in
//	ingest    Kafka consumer with bounded retry and dead-lettering
//	api       HTTP surface (routing, tokens, broadcasts, operators)
//	engine    wires the subsystems from a Config
//
// # Quick Start
//
//	cfg := switchboard.DefaultConfig()
//	cfg.Auth.Secret = os.Getenv("JWT_SECRET")
//
//	eng, err := engine.Build(cfg, engine.WithLogger(logger))
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	go http.ListenAndServe(cfg.Server.Addr, api.New(eng).Handler())
//	err = eng.Run(ctx)
//	_ = eng.Stop(context.Background())
//
// # Key layout
//
// Keys written to the shared store keep the layout external workers expect:
// workflow:<event>, workflow_instance:<uuid>, step_instance:<uuid>,
// worker_instance:<id>:queue, revoked_token:<token>, channel:<id>,
// user:<username> and activity:logs.
package switchboard
