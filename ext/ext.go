// Package ext defines the extension system for switchboard.
// Extensions are notified of lifecycle events (event routed, step
// dispatched, client connected, message dead-lettered, etc.) and can react
// to them: metrics, audit trails, alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/switchboard/dlq"
	"github.com/xraph/switchboard/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Routing hooks
// ──────────────────────────────────────────────────

// EventRouted is called after an event started a workflow instance.
type EventRouted interface {
	OnEventRouted(ctx context.Context, ev *workflow.Event, instanceID, requestID string, elapsed time.Duration) error
}

// RouteFailed is called when routing an event failed.
type RouteFailed interface {
	OnRouteFailed(ctx context.Context, ev *workflow.Event, err error) error
}

// StepDispatched is called after a step was queued for a worker.
type StepDispatched interface {
	OnStepDispatched(ctx context.Context, instanceID string, step *workflow.Step, w workflow.Worker) error
}

// StepSkipped is called when a step could not be assigned to a worker.
type StepSkipped interface {
	OnStepSkipped(ctx context.Context, instanceID string, step *workflow.Step, reason string) error
}

// ──────────────────────────────────────────────────
// Connection hooks
// ──────────────────────────────────────────────────

// ClientConnected is called when a session is registered.
type ClientConnected interface {
	OnClientConnected(ctx context.Context, sessionID string, authenticated bool) error
}

// ClientDisconnected is called once per session when it is torn down.
type ClientDisconnected interface {
	OnClientDisconnected(ctx context.Context, sessionID, reason string) error
}

// ClientRejected is called when a connection or authentication attempt
// presented an invalid credential.
type ClientRejected interface {
	OnClientRejected(ctx context.Context, sessionID string, err error) error
}

// RateLimited is called when a session exceeded its event window.
type RateLimited interface {
	OnRateLimited(ctx context.Context, sessionID, userID string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// MessageDeadLettered is called after a bus message was dead-lettered.
type MessageDeadLettered interface {
	OnMessageDeadLettered(ctx context.Context, entry *dlq.Entry) error
}

// ChannelReconnected is called when the store link recovered.
type ChannelReconnected interface {
	OnChannelReconnected(ctx context.Context, attempts int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
