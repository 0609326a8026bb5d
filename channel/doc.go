// Package channel owns the single logical connection to the shared store.
//
// A Channel wraps a store.Dialer with an explicit state machine:
//
//	Disconnected → Connecting → Connected
//	      ↑                         │
//	      └──── ping failure / ─────┘
//	            stream loss
//
// Every transition into Connected replays the subscription registry in
// registration order, so handlers registered with Subscribe keep receiving
// messages across outages without any action from their owners. Failed
// connection attempts are retried with exponential backoff (1s doubling to
// 30s) and the channel never gives up.
//
// Data operations (Get, Set, LPush, HSet, Publish, ...) never return
// transport errors. On failure they log, bump the error counter, and return
// an empty result, so callers treat "no data" as a valid degraded outcome.
package channel
