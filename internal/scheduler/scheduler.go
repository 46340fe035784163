// Package scheduler runs the engine's periodic jobs: the regression sweep
// that surfaces lapsed grace periods, and the daily reduction-gate check.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fledge-hq/fledge/internal/logging"
)

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// ScheduleType represents the type of schedule
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval" // Run every X duration
	ScheduleDaily    ScheduleType = "daily"    // Run at specific time daily
)

// Schedule defines when a task runs
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	Interval time.Duration `json:"interval,omitempty"` // For interval schedules
	At       string        `json:"at,omitempty"`       // For daily schedules (e.g., "03:00")
}

// Task represents a scheduled task
type Task struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   Schedule      `json:"schedule"`
	Handler    TaskHandler   `json:"-"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Timeout    time.Duration `json:"timeout"`
}

// Scheduler manages scheduled tasks
type Scheduler struct {
	tasks   map[string]*Task
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	log     *logging.Logger
}

// New creates a scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
		log:    logging.WithField("component", "scheduler"),
	}
}

// Register adds a task to the scheduler
func (s *Scheduler) Register(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if task.Timeout == 0 {
		task.Timeout = 5 * time.Minute
	}

	nextRun := calculateNextRun(task.Schedule, time.Now())
	task.NextRun = &nextRun

	s.tasks[task.ID] = task

	if s.started {
		s.startTask(task)
	}
	return nil
}

// Tasks returns a snapshot of all registered tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Start starts all registered tasks
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, task := range s.tasks {
		s.startTask(task)
	}
	return nil
}

// Stop stops the scheduler and waits for in-flight runs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) startTask(task *Task) {
	s.wg.Add(1)
	go s.runTaskLoop(s.ctx, task)
}

func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		var wait time.Duration
		if task.NextRun != nil {
			wait = time.Until(*task.NextRun)
		}
		s.mu.RUnlock()

		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.executeTask(ctx, task)
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	task.LastRun = &now
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
		s.log.Error("task %s failed: %v", task.ID, err)
	} else {
		task.LastError = ""
	}
	nextRun := calculateNextRun(task.Schedule, time.Now())
	task.NextRun = &nextRun
	s.mu.Unlock()
}

func calculateNextRun(schedule Schedule, now time.Time) time.Time {
	switch schedule.Type {
	case ScheduleDaily:
		hour, minute := 3, 0 // Default 3:00 AM
		fmt.Sscanf(schedule.At, "%d:%d", &hour, &minute)

		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next

	default: // interval
		return now.Add(schedule.Interval)
	}
}
