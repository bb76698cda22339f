package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a unit of periodic maintenance work, such as update log compaction.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobStatus reports the last outcome of a registered job.
type JobStatus struct {
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Scheduler runs registered jobs on their cron schedules.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler that checks for due jobs every interval.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger.With(slog.String("component", "scheduler")),
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
}

// Add registers job on the cron expression spec.
func (s *Scheduler) Add(spec string, job Job) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name()]; ok {
		return fmt.Errorf("job %q already registered", job.Name())
	}
	s.entries[job.Name()] = &entry{
		job:      job,
		schedule: schedule,
		status:   JobStatus{Name: job.Name(), Schedule: spec, NextRunAt: schedule.Next(s.now())},
	}
	return nil
}

// Jobs returns the status of every registered job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status)
	}
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.status.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if !s.tryAcquire(e.job.Name()) {
			continue // already running (dedup)
		}
		s.runJob(ctx, e, now)
		s.releaseJob(e.job.Name())
	}
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("job %q is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, e, s.now())
}

func (s *Scheduler) runJob(ctx context.Context, e *entry, now time.Time) error {
	name := e.job.Name()
	s.logger.Debug("running scheduled job", slog.String("job", name))

	start := time.Now()
	err := e.job.Run(ctx)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("scheduled job finished",
			slog.String("job", name),
			slog.Duration("took", time.Since(start)),
		)
	}

	s.mu.Lock()
	e.status.LastRunAt = &now
	e.status.LastRunStatus = status
	e.status.NextRunAt = e.schedule.Next(now)
	s.mu.Unlock()
	return err
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
