// Package ext defines the extension system for switchboard.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, writing audit trails, paging someone. Each lifecycle
// hook is a separate interface so extensions opt in only to the events
// they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnStepSkipped(ctx context.Context, instanceID string, s *workflow.Step, reason string) error {
//	    log.Printf("step %s of %s skipped: %s", s.StepInstanceID, instanceID, reason)
//	    return nil
//	}
//
// # Routing Hooks
//
//   - [EventRouted]: an event started a workflow instance
//   - [RouteFailed]: routing an event failed
//   - [StepDispatched]: a step was pushed onto a worker queue
//   - [StepSkipped]: a step had no target template or no workers
//
// # Connection Hooks
//
//   - [ClientConnected] / [ClientDisconnected]: session lifecycle
//   - [ClientRejected]: invalid credential at connect or authenticate
//   - [RateLimited]: a session exhausted its event window
//
// # Other Hooks
//
//   - [MessageDeadLettered]: a bus message was given up on
//   - [ChannelReconnected]: the store link recovered
//   - [Shutdown]: the process is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never propagated.
package ext
