// Package observability provides an OpenTelemetry metrics extension for
// switchboard. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for routing, step assignment, socket sessions,
// dead letters, and store reconnects.
//
// For per-call tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
