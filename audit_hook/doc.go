// Package audithook is a switchboard extension that turns lifecycle events
// into an audit trail.
//
// Every routing, connection, and dead-letter hook emits a structured audit
// event through the [Recorder] interface. The extension assigns severity
// levels (info for normal operations, warning for rejected clients and
// unknown events, critical for dead letters and store failures) and
// metadata such as the event name, session, and error.
//
// # Logging recorder
//
//	audithook.New(audithook.LogRecorder(logger.With("component", "audit")))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionClientRejected,
//	        audithook.ActionMessageDeadLettered,
//	    ),
//	)
package audithook
