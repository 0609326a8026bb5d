// Package router turns named events into workflow instances.
//
// A routing call loads the event's template from workflow:<name>, stamps a
// fresh instance with a workflow_instance id and request id, and then walks
// the template steps in order. Each step is assigned to the least-loaded
// worker of its target workflow and pushed onto that worker's queue. A
// step whose target is missing or has no workers is skipped; the instance
// is still persisted.
//
// Worker selection reads thread counts without reserving them, so two
// concurrent calls may pick the same worker. Counts are never written back.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/activity"
	"github.com/xraph/switchboard/ext"
	"github.com/xraph/switchboard/id"
	"github.com/xraph/switchboard/middleware"
	"github.com/xraph/switchboard/scope"
	"github.com/xraph/switchboard/workflow"
)

// StatusStarted is the status of a successful routing result.
const StatusStarted = "workflow_started"

// activitySource labels the router's entries in the activity log.
const activitySource = "router"

// Store is the slice of the resilient channel the router writes through.
// *channel.Channel satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	HSet(ctx context.Context, key string, fields map[string]string) bool
	LPush(ctx context.Context, key, value string) int64
}

// Result is returned by a successful routing call.
type Result struct {
	Status             string `json:"status"`
	WorkflowInstanceID string `json:"workflow_instance_id"`
	RequestID          string `json:"request_id"`
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithExtensions sets the registry that receives routing hooks.
func WithExtensions(reg *ext.Registry) Option {
	return func(r *Router) { r.exts = reg }
}

// WithMiddleware replaces the middleware wrapped around every call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Router) { r.mws = mws }
}

// WithActivity sets the audit log. Without one no entries are written.
func WithActivity(a *activity.Log) Option {
	return func(r *Router) { r.activity = a }
}

// Router routes events into workflow instances.
type Router struct {
	store    Store
	logger   *slog.Logger
	exts     *ext.Registry
	activity *activity.Log
	mws      []middleware.Middleware
	chain    middleware.Middleware
	now      func() time.Time

	wg sync.WaitGroup
}

// New creates a router writing through store.
func New(store Store, opts ...Option) *Router {
	r := &Router{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mws == nil {
		r.mws = []middleware.Middleware{middleware.Recover(r.logger), middleware.Scope()}
	}
	r.chain = middleware.Chain(r.mws...)
	return r
}

// RouteEvent starts a workflow instance for eventName with metadata as its
// payload. It fails only when the event has no usable template or the
// instance could not be persisted.
func (r *Router) RouteEvent(ctx context.Context, eventName string, metadata any) (*Result, error) {
	origin := scope.Source(ctx)
	r.logRequest(ctx, origin, eventName, metadata)

	ev := &workflow.Event{Name: eventName, Payload: metadata}
	start := r.now()

	var res *Result
	err := r.chain(ctx, ev, func(ctx context.Context) error {
		var err error
		res, err = r.route(ctx, ev)
		return err
	})

	if err != nil {
		r.logResponse(ctx, origin, eventName, map[string]any{"error": err.Error()})
		if r.exts != nil {
			r.exts.EmitRouteFailed(ctx, ev, err)
		}
		return nil, err
	}

	r.logResponse(ctx, origin, eventName, res)
	if r.exts != nil {
		r.exts.EmitEventRouted(ctx, ev, res.WorkflowInstanceID, res.RequestID, r.now().Sub(start))
	}
	return res, nil
}

// Detach runs a routing call in the background. The call keeps ctx's
// caller scope but not its cancellation. Failures are logged.
func Detach(ctx context.Context, r *Router, eventName string, metadata any) {
	ctx = scope.Detach(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.RouteEvent(ctx, eventName, metadata); err != nil {
			r.logger.Warn("detached route failed",
				slog.String("event", eventName),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until detached calls have returned.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) route(ctx context.Context, ev *workflow.Event) (*Result, error) {
	raw, ok := r.store.Get(ctx, switchboard.WorkflowKey(ev.Name))
	if !ok {
		return nil, fmt.Errorf("no workflow definition found for event: %s: %w", ev.Name, switchboard.ErrNotFound)
	}
	tpl, err := workflow.ParseTemplate(raw)
	if err != nil {
		return nil, fmt.Errorf("no workflow definition found for event: %s (%v): %w", ev.Name, err, switchboard.ErrNotFound)
	}

	inst := &workflow.Instance{
		ID:         id.NewWorkflowInstanceID(),
		Definition: tpl.Definition,
		Data:       make(map[string]any, len(tpl.Data)+3),
		Metadata:   make(map[string]any, len(tpl.Metadata)+4),
	}
	requestID := id.NewRequestID()

	maps.Copy(inst.Data, tpl.Data)
	inst.Data[workflow.DataPayload] = ev.Payload
	inst.Data[workflow.DataWorkflowInstanceID] = inst.ID
	inst.Data[workflow.DataRequestID] = requestID

	maps.Copy(inst.Metadata, tpl.Metadata)
	inst.Metadata[workflow.MetaStartTime] = r.now().UTC().Format(time.RFC3339)
	inst.Metadata[workflow.MetaEndTime] = ""
	inst.Metadata[workflow.MetaStatus] = workflow.StatusPending
	// Read before ids are assigned: a first step without an id leaves this empty.
	inst.Metadata[workflow.MetaCurrentStep] = inst.Definition.FirstStepID()

	for i := range inst.Definition.Steps {
		step := &inst.Definition.Steps[i]
		if step.StepInstanceID == "" {
			step.StepInstanceID = id.NewStepInstanceID()
		}
		r.dispatchStep(ctx, inst.ID, step)
	}

	fields, err := inst.Fields()
	if err != nil {
		return nil, fmt.Errorf("router: encode instance %s: %w", inst.ID, err)
	}
	if !r.store.HSet(ctx, inst.ID, fields) {
		return nil, fmt.Errorf("router: persist instance %s: %w", inst.ID, switchboard.ErrTransient)
	}

	return &Result{
		Status:             StatusStarted,
		WorkflowInstanceID: inst.ID,
		RequestID:          requestID,
	}, nil
}

// dispatchStep assigns one step and enqueues it. Every failure is logged
// and skips the step.
func (r *Router) dispatchStep(ctx context.Context, instanceID string, step *workflow.Step) {
	target := step.Definition.Target()
	key := switchboard.WorkflowKey(target)

	raw, ok := r.store.Get(ctx, key)
	if !ok || target == "" {
		r.skip(ctx, instanceID, step, "no workflow definition found for step", slog.String("key", key))
		return
	}
	tpl, err := workflow.ParseTemplate(raw)
	if err != nil {
		r.skip(ctx, instanceID, step, "invalid workflow definition for step",
			slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	w, ok := tpl.Workers.LeastLoaded()
	if !ok {
		r.skip(ctx, instanceID, step, "no workers defined for step", slog.String("key", key))
		return
	}

	if step.Data == nil {
		step.Data = make(map[string]any, 2)
	}
	step.Data[workflow.DataWorkerInstanceID] = w.InstanceID
	step.Data[workflow.DataWorkerID] = w.ID

	fields, err := step.Fields()
	if err != nil {
		r.skip(ctx, instanceID, step, "step not encodable", slog.String("error", err.Error()))
		return
	}
	if !r.store.HSet(ctx, step.StepInstanceID, fields) {
		r.skip(ctx, instanceID, step, "step not persisted")
		return
	}

	item, err := json.Marshal(workflow.QueueItem{
		WorkflowInstanceID: instanceID,
		StepInstanceID:     step.StepInstanceID,
	})
	if err != nil {
		r.skip(ctx, instanceID, step, "queue item not encodable", slog.String("error", err.Error()))
		return
	}
	r.store.LPush(ctx, switchboard.WorkerQueueKey(w.InstanceID), string(item))

	r.logger.Debug("step dispatched",
		slog.String("workflow_instance_id", instanceID),
		slog.String("step_instance_id", step.StepInstanceID),
		slog.String("worker_id", w.ID),
		slog.String("worker_instance_id", w.InstanceID),
	)
	if r.exts != nil {
		r.exts.EmitStepDispatched(ctx, instanceID, step, w)
	}
}

func (r *Router) skip(ctx context.Context, instanceID string, step *workflow.Step, reason string, attrs ...any) {
	attrs = append([]any{
		slog.String("workflow_instance_id", instanceID),
		slog.String("step_instance_id", step.StepInstanceID),
	}, attrs...)
	r.logger.Warn(reason, attrs...)
	if r.exts != nil {
		r.exts.EmitStepSkipped(ctx, instanceID, step, reason)
	}
}

func (r *Router) logRequest(ctx context.Context, origin, eventName string, metadata any) {
	if r.activity == nil {
		return
	}
	r.activity.LogRequest(ctx, activitySource, origin, eventName, map[string]any{"metadata": metadata})
}

func (r *Router) logResponse(ctx context.Context, origin, eventName string, response any) {
	if r.activity == nil {
		return
	}
	r.activity.LogResponse(ctx, activitySource, origin, eventName, response)
}
