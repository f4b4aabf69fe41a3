package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned by RunNow while the schedule's previous run is in progress
var ErrAlreadyRunning = errors.New("schedule is already running")

// Schedule represents a recurring mirror run
type Schedule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CronExpr  string    `json:"cron_expr"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	RunCount  int       `json:"run_count"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`

	running bool
}

// Scheduler triggers mirror runs on cron expressions
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	executor  TaskExecutor
	logger    logrus.FieldLogger
	ctx       context.Context
	running   bool
}

// TaskExecutor performs one run of a schedule
type TaskExecutor interface {
	Execute(ctx context.Context, schedule *Schedule) error
}

// ExecutorFunc adapts a function to TaskExecutor
type ExecutorFunc func(ctx context.Context, schedule *Schedule) error

func (f ExecutorFunc) Execute(ctx context.Context, schedule *Schedule) error {
	return f(ctx, schedule)
}

// NewScheduler creates a new scheduler. Cron-triggered runs that fire while
// the previous one is still going are skipped.
func NewScheduler(executor TaskExecutor, logger logrus.FieldLogger) *Scheduler {
	cronLogger := cron.VerbosePrintfLogger(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		executor:  executor,
		logger:    logger,
		ctx:       context.Background(),
	}
}

// Start starts the scheduler. Runs receive ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.ctx = ctx
	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// AddSchedule registers schedule with the cron runner
func (s *Scheduler) AddSchedule(schedule *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule %s already exists", schedule.ID)
	}

	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	schedule.NextRun = cronSchedule.Next(time.Now())

	id := schedule.ID
	entryID := s.cron.Schedule(cronSchedule, cron.FuncJob(func() {
		if err := s.executeSchedule(id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.WithError(err).WithField("schedule", id).Error("Scheduled run failed")
		}
	}))
	s.entries[id] = entryID
	s.schedules[id] = schedule
	return nil
}

// GetSchedule returns a copy of the schedule's current state
func (s *Scheduler) GetSchedule(id string) (Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return Schedule{}, fmt.Errorf("schedule %s not found", id)
	}
	return *schedule, nil
}

// RunNow executes a schedule immediately and returns its error
func (s *Scheduler) RunNow(id string) error {
	return s.executeSchedule(id)
}

func (s *Scheduler) executeSchedule(id string) error {
	s.mu.Lock()
	schedule, exists := s.schedules[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("schedule %s not found", id)
	}
	if schedule.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	schedule.running = true
	schedule.LastRun = time.Now()
	schedule.RunCount++
	ctx := s.ctx
	snapshot := *schedule
	s.mu.Unlock()

	err := s.executor.Execute(ctx, &snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()

	schedule.running = false
	schedule.LastError = ""
	if err != nil {
		schedule.FailCount++
		schedule.LastError = err.Error()
	}

	if entryID, ok := s.entries[id]; ok {
		if next := s.cron.Entry(entryID).Next; !next.IsZero() {
			schedule.NextRun = next
		}
	}
	return err
}

// SchedulerStats summarizes all schedules
type SchedulerStats struct {
	TotalSchedules int       `json:"total_schedules"`
	TotalRuns      int       `json:"total_runs"`
	TotalFailures  int       `json:"total_failures"`
	NextRun        time.Time `json:"next_run"`
}

func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SchedulerStats{TotalSchedules: len(s.schedules)}
	for _, schedule := range s.schedules {
		stats.TotalRuns += schedule.RunCount
		stats.TotalFailures += schedule.FailCount
		if stats.NextRun.IsZero() || schedule.NextRun.Before(stats.NextRun) {
			stats.NextRun = schedule.NextRun
		}
	}
	return stats
}
