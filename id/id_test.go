package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/switchboard/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() string
		prefix string
		kind   id.Prefix
	}{
		{"WorkflowInstance", id.NewWorkflowInstanceID, "workflow_instance:", id.PrefixWorkflowInstance},
		{"StepInstance", id.NewStepInstanceID, "step_instance:", id.PrefixStepInstance},
		{"Request", id.NewRequestID, "req-", id.PrefixRequest},
		{"Session", id.NewSessionID, "conn:", id.PrefixSession},
		{"Message", id.NewMessageID, "msg:", id.PrefixMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Fatalf("expected prefix %q, got %q", tt.prefix, got)
			}
			p, u, err := id.Parse(got)
			if err != nil {
				t.Fatalf("Parse(%q): %v", got, err)
			}
			if p != tt.kind {
				t.Errorf("prefix = %q, want %q", p, tt.kind)
			}
			if u.Version() != 4 {
				t.Errorf("uuid version = %d, want 4", u.Version())
			}
		})
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		s := id.NewWorkflowInstanceID()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate id %q", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParse_Errors(t *testing.T) {
	for _, s := range []string{"", "job_123", "workflow_instance:not-a-uuid", "req:4f6c"} {
		if _, _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	s := id.NewStepInstanceID()
	if _, err := id.ParseWithPrefix(s, id.PrefixWorkflowInstance); err == nil {
		t.Error("expected prefix mismatch error")
	}
	if _, err := id.ParseWithPrefix(s, id.PrefixStepInstance); err != nil {
		t.Errorf("ParseWithPrefix: %v", err)
	}
}
