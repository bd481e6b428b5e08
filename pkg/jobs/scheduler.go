package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/honestinvoice/gatekeeper/pkg/async"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// ErrUnknownJob is returned by RunNow for a name that was never added
var ErrUnknownJob = errors.New("unknown job")

// Job is a named task with a cron schedule
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds one run. Zero means DefaultTimeout.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// DefaultTimeout bounds a job run when the job sets none
const DefaultTimeout = 10 * time.Minute

// Scheduler runs jobs on cron schedules in UTC
type Scheduler struct {
	cron   *cron.Cron
	logger *observability.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	ctx     context.Context
	started bool
}

// NewScheduler creates a scheduler. The cron library's own diagnostics go to
// log; job results go to logger.
func NewScheduler(log *logrus.Logger, logger *observability.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	cronLogger := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger: logger.WithField("component", "jobs"),
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
}

// Add registers job. The schedule is parsed immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already added", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(s.context(), job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Start runs every job once in the background, then starts the schedule.
// Runs inherit the values of ctx but not its cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		job := job
		async.SafeGo(ctx, job.Timeout, job.Name, s.logger, func(ctx context.Context) error {
			return s.execute(ctx, job)
		})
	}
	s.cron.Start()
	s.logger.WithField("jobs", len(jobs)).Info("job scheduler started")
}

// Stop stops the schedule and waits for running jobs or ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("job scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs the named job synchronously
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	return s.execute(ctx, job)
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(parent context.Context, job Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), job.Timeout)
	defer cancel()
	if err := s.execute(ctx, job); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job", job.Name).Error("job failed")
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return err
	}
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"job":         job.Name,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("job finished")
	return nil
}
