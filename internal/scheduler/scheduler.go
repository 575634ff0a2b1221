// Package scheduler runs named maintenance jobs on cron schedules. The
// server uses it to refresh the schema catalog.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a scheduled job performs.
type JobFunc func(ctx context.Context) error

// JobStatus is a snapshot of a job's bookkeeping.
type JobStatus struct {
	Name          string
	Cron          string
	NextRunAt     time.Time
	LastRunAt     time.Time
	LastRunStatus string
}

type job struct {
	name     string
	expr     string
	schedule cron.Schedule
	fn       JobFunc
	next     time.Time
	last     time.Time
	status   string
}

// Scheduler checks its jobs on a fixed tick and runs those that are due.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler that ticks every interval. A
// non-positive interval means one minute, the cron resolution.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job. The first run happens at the first schedule time
// after registration.
func (s *Scheduler) Add(name, cronExpr string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	s.jobs[name] = &job{
		name:     name,
		expr:     cronExpr,
		schedule: schedule,
		fn:       fn,
		next:     schedule.Next(s.now()),
	}
	return nil
}

// Jobs returns the registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:          j.name,
			Cron:          j.expr,
			NextRunAt:     j.next,
			LastRunAt:     j.last,
			LastRunStatus: j.status,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
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
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick runs every job whose next run time is not after now. It returns
// the number of jobs run.
func (s *Scheduler) tick(ctx context.Context, now time.Time) int {
	s.jobsMu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.jobsMu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].name < due[k].name })

	ran := 0
	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.name)
		ran++
	}
	return ran
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.jobsMu.Lock()
	j, ok := s.jobs[name]
	s.jobsMu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("scheduler: job %q is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, j, s.now())
}

// runJob executes a job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) error {
	s.logger.DebugContext(ctx, "running scheduled job", slog.String("job", j.name))

	err := j.fn(ctx)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}

	s.jobsMu.Lock()
	j.last = now
	j.status = status
	j.next = j.schedule.Next(now)
	s.jobsMu.Unlock()
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

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
