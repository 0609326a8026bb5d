// Package cron runs periodic maintenance inside the gateway process.
//
// Tasks are registered by name with a standard 5-field cron expression
// or a descriptor such as "@every 1m". The [Scheduler] checks due entries
// on every tick and runs each one on the tick goroutine, so a task never
// overlaps with itself. A failing task is logged and retried at its next
// scheduled time.
//
// The engine registers:
//   - activity-trim: bounds the shared activity log to its configured size
//   - stats: logs session counts, channel health, and consumer counters
package cron
