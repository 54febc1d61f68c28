// Package scheduler triggers periodic jobs (epoch checks, retention purges)
// on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("scheduler already running")

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is one cron entry.
type Job struct {
	Name string
	// Spec is a standard 5-field cron expression or a descriptor such as "@every 1m".
	Spec string
	// Timeout bounds a single run; zero means no bound.
	Timeout time.Duration
	Run     JobFunc
}

// Scheduler runs registered jobs until its context ends. Runs of the same job
// never overlap: a tick that arrives while the previous run is still busy is
// skipped.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	running bool
	logger  *zap.Logger
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Add registers a job. The spec is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no func", job.Name)
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("parse schedule for %q: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// in-flight runs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, job := range jobs {
		if _, err := c.AddFunc(job.Spec, s.wrap(ctx, job)); err != nil {
			return fmt.Errorf("failed to add cron job %q: %w", job.Name, err)
		}
		s.logger.Info("cron job registered", zap.String("job", job.Name), zap.String("spec", job.Spec))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) wrap(ctx context.Context, job Job) func() {
	logger := s.logger.With(zap.String("job", job.Name))
	return func() {
		if ctx.Err() != nil {
			return
		}
		runCtx := ctx
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}
		start := time.Now()
		err := job.Run(runCtx)
		switch {
		case err == nil:
			logger.Debug("cron job finished", zap.Duration("duration", time.Since(start)))
		case mirror.IsControl(err) && ctx.Err() != nil:
			logger.Info("cron job interrupted by shutdown")
		default:
			logger.Error("cron job failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
