package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/switchboard/dlq"
	"github.com/xraph/switchboard/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type eventRoutedEntry struct {
	name string
	hook EventRouted
}

type routeFailedEntry struct {
	name string
	hook RouteFailed
}

type stepDispatchedEntry struct {
	name string
	hook StepDispatched
}

type stepSkippedEntry struct {
	name string
	hook StepSkipped
}

type clientConnectedEntry struct {
	name string
	hook ClientConnected
}

type clientDisconnectedEntry struct {
	name string
	hook ClientDisconnected
}

type clientRejectedEntry struct {
	name string
	hook ClientRejected
}

type rateLimitedEntry struct {
	name string
	hook RateLimited
}

type messageDeadLetteredEntry struct {
	name string
	hook MessageDeadLettered
}

type channelReconnectedEntry struct {
	name string
	hook ChannelReconnected
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register all extensions before the engine starts; emit methods may then
// be called concurrently.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	eventRouted         []eventRoutedEntry
	routeFailed         []routeFailedEntry
	stepDispatched      []stepDispatchedEntry
	stepSkipped         []stepSkippedEntry
	clientConnected     []clientConnectedEntry
	clientDisconnected  []clientDisconnectedEntry
	clientRejected      []clientRejectedEntry
	rateLimited         []rateLimitedEntry
	messageDeadLettered []messageDeadLetteredEntry
	channelReconnected  []channelReconnectedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(EventRouted); ok {
		r.eventRouted = append(r.eventRouted, eventRoutedEntry{name, h})
	}
	if h, ok := e.(RouteFailed); ok {
		r.routeFailed = append(r.routeFailed, routeFailedEntry{name, h})
	}
	if h, ok := e.(StepDispatched); ok {
		r.stepDispatched = append(r.stepDispatched, stepDispatchedEntry{name, h})
	}
	if h, ok := e.(StepSkipped); ok {
		r.stepSkipped = append(r.stepSkipped, stepSkippedEntry{name, h})
	}
	if h, ok := e.(ClientConnected); ok {
		r.clientConnected = append(r.clientConnected, clientConnectedEntry{name, h})
	}
	if h, ok := e.(ClientDisconnected); ok {
		r.clientDisconnected = append(r.clientDisconnected, clientDisconnectedEntry{name, h})
	}
	if h, ok := e.(ClientRejected); ok {
		r.clientRejected = append(r.clientRejected, clientRejectedEntry{name, h})
	}
	if h, ok := e.(RateLimited); ok {
		r.rateLimited = append(r.rateLimited, rateLimitedEntry{name, h})
	}
	if h, ok := e.(MessageDeadLettered); ok {
		r.messageDeadLettered = append(r.messageDeadLettered, messageDeadLetteredEntry{name, h})
	}
	if h, ok := e.(ChannelReconnected); ok {
		r.channelReconnected = append(r.channelReconnected, channelReconnectedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Routing event emitters
// ──────────────────────────────────────────────────

// EmitEventRouted notifies all extensions that implement EventRouted.
func (r *Registry) EmitEventRouted(ctx context.Context, ev *workflow.Event, instanceID, requestID string, elapsed time.Duration) {
	for _, e := range r.eventRouted {
		if err := e.hook.OnEventRouted(ctx, ev, instanceID, requestID, elapsed); err != nil {
			r.logHookError("OnEventRouted", e.name, err)
		}
	}
}

// EmitRouteFailed notifies all extensions that implement RouteFailed.
func (r *Registry) EmitRouteFailed(ctx context.Context, ev *workflow.Event, routeErr error) {
	for _, e := range r.routeFailed {
		if err := e.hook.OnRouteFailed(ctx, ev, routeErr); err != nil {
			r.logHookError("OnRouteFailed", e.name, err)
		}
	}
}

// EmitStepDispatched notifies all extensions that implement StepDispatched.
func (r *Registry) EmitStepDispatched(ctx context.Context, instanceID string, step *workflow.Step, w workflow.Worker) {
	for _, e := range r.stepDispatched {
		if err := e.hook.OnStepDispatched(ctx, instanceID, step, w); err != nil {
			r.logHookError("OnStepDispatched", e.name, err)
		}
	}
}

// EmitStepSkipped notifies all extensions that implement StepSkipped.
func (r *Registry) EmitStepSkipped(ctx context.Context, instanceID string, step *workflow.Step, reason string) {
	for _, e := range r.stepSkipped {
		if err := e.hook.OnStepSkipped(ctx, instanceID, step, reason); err != nil {
			r.logHookError("OnStepSkipped", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Connection event emitters
// ──────────────────────────────────────────────────

// EmitClientConnected notifies all extensions that implement ClientConnected.
func (r *Registry) EmitClientConnected(ctx context.Context, sessionID string, authenticated bool) {
	for _, e := range r.clientConnected {
		if err := e.hook.OnClientConnected(ctx, sessionID, authenticated); err != nil {
			r.logHookError("OnClientConnected", e.name, err)
		}
	}
}

// EmitClientDisconnected notifies all extensions that implement ClientDisconnected.
func (r *Registry) EmitClientDisconnected(ctx context.Context, sessionID, reason string) {
	for _, e := range r.clientDisconnected {
		if err := e.hook.OnClientDisconnected(ctx, sessionID, reason); err != nil {
			r.logHookError("OnClientDisconnected", e.name, err)
		}
	}
}

// EmitClientRejected notifies all extensions that implement ClientRejected.
func (r *Registry) EmitClientRejected(ctx context.Context, sessionID string, cause error) {
	for _, e := range r.clientRejected {
		if err := e.hook.OnClientRejected(ctx, sessionID, cause); err != nil {
			r.logHookError("OnClientRejected", e.name, err)
		}
	}
}

// EmitRateLimited notifies all extensions that implement RateLimited.
func (r *Registry) EmitRateLimited(ctx context.Context, sessionID, userID string) {
	for _, e := range r.rateLimited {
		if err := e.hook.OnRateLimited(ctx, sessionID, userID); err != nil {
			r.logHookError("OnRateLimited", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitMessageDeadLettered notifies all extensions that implement MessageDeadLettered.
func (r *Registry) EmitMessageDeadLettered(ctx context.Context, entry *dlq.Entry) {
	for _, e := range r.messageDeadLettered {
		if err := e.hook.OnMessageDeadLettered(ctx, entry); err != nil {
			r.logHookError("OnMessageDeadLettered", e.name, err)
		}
	}
}

// EmitChannelReconnected notifies all extensions that implement ChannelReconnected.
func (r *Registry) EmitChannelReconnected(ctx context.Context, attempts int) {
	for _, e := range r.channelReconnected {
		if err := e.hook.OnChannelReconnected(ctx, attempts); err != nil {
			r.logHookError("OnChannelReconnected", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors never reach the routing or connection paths.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
