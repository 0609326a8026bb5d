// Package dlq provides the dead-letter path for bus messages that failed
// processing too many times.
//
// When the ingestion consumer gives up on a message it builds an [Entry]
// with [NewEntry] and calls [Service.Push]. The entry is published as JSON
// to the dead-letter topic (dead-letter-queue by default) keyed by the
// original message key:
//
//	{
//	  "originalMessage": {"topic": "event-topic", "partition": 0, "offset": 42,
//	                      "key": "order-1", "value": "{...}", "timestamp": "..."},
//	  "error": "no workflow definition found for event: order.placed",
//	  "processingAttempts": 3,
//	  "failedAt": "2026-01-02T15:04:05Z"
//	}
//
// The service keeps a count and a small window of recent entries for
// operators.
package dlq
