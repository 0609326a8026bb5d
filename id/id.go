// Package id generates the identifiers switchboard writes to the shared
// store and hands to clients.
//
// Persisted identifiers double as store keys and must keep the layout
// external workers read: "workflow_instance:<uuid>" and
// "step_instance:<uuid>". Request ids use "req-<uuid>". Session and message
// ids use the same colon form with their own prefixes. Every suffix is a
// random (v4) UUID.
package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies the entity kind encoded in an identifier.
type Prefix string

// Prefix constants for all switchboard identifiers.
const (
	PrefixWorkflowInstance Prefix = "workflow_instance"
	PrefixStepInstance     Prefix = "step_instance"
	PrefixRequest          Prefix = "req"
	PrefixSession          Prefix = "conn"
	PrefixMessage          Prefix = "msg"
)

// separator returns the delimiter used between prefix and UUID.
func (p Prefix) separator() string {
	if p == PrefixRequest {
		return "-"
	}
	return ":"
}

// New generates a fresh identifier with the given prefix.
func New(prefix Prefix) string {
	return string(prefix) + prefix.separator() + uuid.NewString()
}

// Parse splits an identifier into its prefix and UUID and validates both.
func Parse(s string) (Prefix, uuid.UUID, error) {
	for _, p := range []Prefix{
		PrefixWorkflowInstance, PrefixStepInstance, PrefixRequest, PrefixSession, PrefixMessage,
	} {
		head := string(p) + p.separator()
		if !strings.HasPrefix(s, head) {
			continue
		}
		u, err := uuid.Parse(strings.TrimPrefix(s, head))
		if err != nil {
			return "", uuid.Nil, fmt.Errorf("id: parse %q: %w", s, err)
		}
		return p, u, nil
	}
	return "", uuid.Nil, fmt.Errorf("id: parse %q: unknown prefix", s)
}

// ParseWithPrefix parses s and checks that it carries the expected prefix.
func ParseWithPrefix(s string, expected Prefix) (uuid.UUID, error) {
	p, u, err := Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if p != expected {
		return uuid.Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, p)
	}
	return u, nil
}

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewWorkflowInstanceID returns "workflow_instance:<uuid>".
func NewWorkflowInstanceID() string { return New(PrefixWorkflowInstance) }

// NewStepInstanceID returns "step_instance:<uuid>".
func NewStepInstanceID() string { return New(PrefixStepInstance) }

// NewRequestID returns "req-<uuid>".
func NewRequestID() string { return New(PrefixRequest) }

// NewSessionID returns "conn:<uuid>".
func NewSessionID() string { return New(PrefixSession) }

// NewMessageID returns "msg:<uuid>".
func NewMessageID() string { return New(PrefixMessage) }
