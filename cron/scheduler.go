package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var (
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("cron: task already registered")

	// ErrTaskNotFound is returned for an unknown task name.
	ErrTaskNotFound = errors.New("cron: task not found")
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type task struct {
	entry Entry
	sched cronlib.Schedule
	run   Task
}

// Scheduler runs registered tasks on a tick loop.
type Scheduler struct {
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu    sync.Mutex
	tasks map[string]*task

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:       slog.Default(),
		now:          time.Now,
		tickInterval: time.Second,
		tasks:        make(map[string]*task),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds an enabled task. Its first run is the schedule's next
// activation after now.
func (s *Scheduler) Register(name, schedule string, run Task) error {
	if name == "" || run == nil {
		return errors.New("cron: register: name and task are required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("cron: parse schedule %q for %s: %w", schedule, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	next := sched.Next(s.now().UTC())
	s.tasks[name] = &task{
		entry: Entry{Name: name, Schedule: schedule, Enabled: true, NextRunAt: &next},
		sched: sched,
		run:   run,
	}
	return nil
}

// SetEnabled enables or disables a task. Re-enabling schedules its next
// run from now.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if enabled && !t.entry.Enabled {
		next := t.sched.Next(s.now().UTC())
		t.entry.NextRunAt = &next
	}
	t.entry.Enabled = enabled
	return nil
}

// Entries returns a snapshot of every task sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.Int("tasks", len(s.tasks)),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for a running task to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

// tickLoop fires on each tick interval and processes due entries.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(s.now().UTC())
		}
	}
}

// tick runs every enabled task whose next run is not after now.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.entry.Enabled && t.entry.NextRunAt != nil && !t.entry.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].entry.Name < due[j].entry.Name })
	for _, t := range due {
		s.fire(t, now)
	}
}

func (s *Scheduler) fire(t *task, now time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	start := time.Now()
	err := t.run(ctx)
	cancel()

	next := t.sched.Next(now)
	s.mu.Lock()
	t.entry.Runs++
	t.entry.LastRunAt = &now
	t.entry.NextRunAt = &next
	if err != nil {
		t.entry.Failures++
		t.entry.LastError = err.Error()
	} else {
		t.entry.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("maintenance task failed",
			slog.String("task", t.entry.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("maintenance task ran",
		slog.String("task", t.entry.Name),
		slog.Duration("elapsed", time.Since(start)),
		slog.Time("next_run_at", next),
	)
}
