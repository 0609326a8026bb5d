// Package engine wires every switchboard subsystem together: the resilient
// store channel, the workflow router and its middleware chain, credentials,
// the connection gateway, Kafka ingestion with dead letters, maintenance
// tasks and the extension registry.
//
// Engine sits above all subsystem packages and below the binary and the
// HTTP surface.
//
// # Building an Engine
//
//	cfg := switchboard.DefaultConfig()
//	cfg.Auth.Secret = os.Getenv("JWT_SECRET")
//
//	eng, err := engine.Build(cfg,
//	    engine.WithLogger(logger),
//	    engine.WithExtension(audithook.New(audithook.LogRecorder(logger))),
//	    engine.WithMiddleware(myMiddleware),
//	)
//
// # Running
//
//	if err := eng.Start(ctx); err != nil { ... }
//	go eng.Run(ctx)                       // consumes Kafka when enabled
//	http.Handle("/", api.New(eng).Handler())
//	...
//	eng.Stop(shutdownCtx)
//
// # Development and tests
//
// [WithDialer] swaps Redis for store/memory and [WithKafka] swaps the
// kafka-go reader and writer for fakes:
//
//	srv := memory.New()
//	eng, _ := engine.Build(cfg, engine.WithDialer(srv.Dialer()))
//
// # Options
//
//   - [WithLogger]: logger shared by every subsystem
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the routing chain
//   - [WithDialer]: replace the store dialer
//   - [WithKafka]: replace the bus reader and writer
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
