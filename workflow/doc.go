// Package workflow defines the documents the router reads and writes.
//
// A [Template] is stored as a JSON string under workflow:<name>. Templates
// reached by an incoming event carry a [Definition] whose steps are turned
// into step instances. Templates reached as a step *target* carry a
// [WorkerPool] listing the workers able to run that kind of step.
//
//	{
//	  "definition": {"hooks": {...}, "steps": [{"definition": {"type": "email"}}]},
//	  "data": {...},
//	  "metadata": {...},
//	  "workers": {"w1": {"instance_id": "i-1", "threads": 3}}
//	}
//
// Fields this package does not model are kept verbatim, so a template
// written by an external tool round-trips through the router unchanged.
//
// # Key Types
//
//   - [Template]: stored workflow document
//   - [Step]: one step of a definition, becomes a step instance
//   - [WorkerPool]: ordered worker_id → [Worker] mapping
//   - [Instance]: a started workflow, persisted as a three-field hash
//   - [QueueItem]: the entry pushed onto a worker queue
//   - [Event]: a routing request flowing through the middleware chain
package workflow
