package cron

import (
	"context"
	"time"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Entry is the state of a registered task.
type Entry struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	LastError string     `json:"last_error,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
