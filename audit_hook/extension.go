package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/dlq"
	"github.com/xraph/switchboard/ext"
	"github.com/xraph/switchboard/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.EventRouted         = (*Extension)(nil)
	_ ext.RouteFailed         = (*Extension)(nil)
	_ ext.StepSkipped         = (*Extension)(nil)
	_ ext.ClientConnected     = (*Extension)(nil)
	_ ext.ClientDisconnected  = (*Extension)(nil)
	_ ext.ClientRejected      = (*Extension)(nil)
	_ ext.RateLimited         = (*Extension)(nil)
	_ ext.MessageDeadLettered = (*Extension)(nil)
	_ ext.ChannelReconnected  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder writes audit events as structured log records on l, at
// warn level for warning and critical severities.
func LogRecorder(l *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		if evt.Severity != SeverityInfo {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("category", evt.Category),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		if len(evt.Metadata) > 0 {
			attrs = append(attrs, slog.Any("metadata", evt.Metadata))
		}
		l.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges switchboard lifecycle events to an audit trail
// backend. Each lifecycle hook emits a structured audit event through the
// [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Routing hooks ───────────────────────────────────

// OnEventRouted implements ext.EventRouted.
func (e *Extension) OnEventRouted(ctx context.Context, ev *workflow.Event, instanceID, requestID string, elapsed time.Duration) error {
	return e.record(ctx, ActionEventRouted, SeverityInfo, OutcomeSuccess,
		ResourceInstance, instanceID, CategoryRouting, nil,
		"event", ev.Name,
		"source", ev.Source,
		"request_id", requestID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnRouteFailed implements ext.RouteFailed. Unknown events are warnings;
// everything else is critical.
func (e *Extension) OnRouteFailed(ctx context.Context, ev *workflow.Event, err error) error {
	code := switchboard.Code(err)
	severity := SeverityCritical
	if code == switchboard.CodeNotFound || code == switchboard.CodeBadRequest {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionEventFailed, severity, OutcomeFailure,
		ResourceEvent, ev.Name, CategoryRouting, err,
		"source", ev.Source,
		"code", code,
	)
}

// OnStepSkipped implements ext.StepSkipped.
func (e *Extension) OnStepSkipped(ctx context.Context, instanceID string, step *workflow.Step, reason string) error {
	return e.record(ctx, ActionStepSkipped, SeverityWarning, OutcomeFailure,
		ResourceInstance, instanceID, CategoryRouting, nil,
		"step_instance_id", step.StepInstanceID,
		"target", step.Definition.Target(),
		"reason", reason,
	)
}

// ── Connection hooks ────────────────────────────────

// OnClientConnected implements ext.ClientConnected.
func (e *Extension) OnClientConnected(ctx context.Context, sessionID string, authenticated bool) error {
	return e.record(ctx, ActionClientConnected, SeverityInfo, OutcomeSuccess,
		ResourceSession, sessionID, CategoryConnection, nil,
		"authenticated", authenticated,
	)
}

// OnClientDisconnected implements ext.ClientDisconnected.
func (e *Extension) OnClientDisconnected(ctx context.Context, sessionID, reason string) error {
	return e.record(ctx, ActionClientDisconnected, SeverityInfo, OutcomeSuccess,
		ResourceSession, sessionID, CategoryConnection, nil,
		"reason", reason,
	)
}

// OnClientRejected implements ext.ClientRejected.
func (e *Extension) OnClientRejected(ctx context.Context, sessionID string, err error) error {
	return e.record(ctx, ActionClientRejected, SeverityWarning, OutcomeFailure,
		ResourceSession, sessionID, CategoryConnection, err,
	)
}

// OnRateLimited implements ext.RateLimited.
func (e *Extension) OnRateLimited(ctx context.Context, sessionID, userID string) error {
	return e.record(ctx, ActionClientRateLimited, SeverityWarning, OutcomeFailure,
		ResourceSession, sessionID, CategoryConnection, nil,
		"user_id", userID,
	)
}

// ── Bus and store hooks ─────────────────────────────

// OnMessageDeadLettered implements ext.MessageDeadLettered.
func (e *Extension) OnMessageDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	m := entry.OriginalMessage
	return e.record(ctx, ActionMessageDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceMessage, fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset), CategoryBus, nil,
		"key", m.Key,
		"attempts", entry.ProcessingAttempts,
		"error", entry.Error,
	)
}

// OnChannelReconnected implements ext.ChannelReconnected.
func (e *Extension) OnChannelReconnected(ctx context.Context, attempts int) error {
	return e.record(ctx, ActionChannelReconnected, SeverityWarning, OutcomeSuccess,
		ResourceChannel, "", CategoryStore, nil,
		"attempts", attempts,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
