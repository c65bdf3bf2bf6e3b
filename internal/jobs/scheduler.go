// Package jobs schedules recurring background work on cron expressions
// with seconds precision.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler wraps a seconds-aware cron runner with logging and overlap
// protection: a job still running when its next tick fires is skipped.
// Fixed-interval jobs run on their own tickers, so intervals below one
// second are honored.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  map[string]bool
	interval []intervalJob
}

type intervalJob struct {
	every time.Duration
	job   Job
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
	}
}

// Add registers a job under a cron spec (six fields, seconds first).
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.invoke(job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	s.logger.Info("job scheduled", "job", job.Name(), "spec", spec)
	return nil
}

// Every registers a job on a fixed interval. Register before Start.
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval %v must be positive", job.Name(), interval)
	}
	s.mu.Lock()
	s.interval = append(s.interval, intervalJob{every: interval, job: job})
	s.mu.Unlock()
	s.logger.Info("job scheduled", "job", job.Name(), "interval", interval)
	return nil
}

func (s *Scheduler) runTicker(entry intervalJob) {
	defer s.wg.Done()
	ticker := time.NewTicker(entry.every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.invoke(entry.job)
		}
	}
}

func (s *Scheduler) invoke(job Job) {
	name := job.Name()

	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("job still running, skipping tick", "job", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("job failed", "job", name, "error", err, "elapsed", time.Since(start))
		return
	}
	s.logger.Info("job finished", "job", name, "elapsed", time.Since(start))
}

// Start begins dispatching. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	entries := s.interval
	s.mu.Unlock()
	for _, entry := range entries {
		s.wg.Add(1)
		go s.runTicker(entry)
	}
}

// Stop halts dispatch, cancels the job context, and waits for in-flight
// jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
	s.wg.Wait()
}

// Func adapts a closure to the Job interface.
type Func struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.JobName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }
