// Package scheduler runs the engine's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
)

// JobFunc performs one run of a job. now is the tick time.
type JobFunc func(ctx context.Context, now time.Time) error

// Job is a named function run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// Stats summarizes one job's runs.
type Stats struct {
	Runs      int64
	Errors    int64
	LastRun   time.Time
	LastError string
}

// Scheduler runs each registered job on its own ticker.
type Scheduler struct {
	mu       sync.RWMutex
	jobs     []Job
	stats    map[string]*Stats
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *logging.Logger
}

// New creates a scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		stats:  make(map[string]*Stats),
		logger: logger.Component("scheduler"),
	}
}

// Add registers a job. Jobs added while the scheduler runs start on the next Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s has invalid interval %s", job.Name, job.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stats[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs = append(s.jobs, job)
	s.stats[job.Name] = &Stats{}
	return nil
}

// Start begins running all jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	jobs := append([]Job(nil), s.jobs...)
	stop := s.stopChan
	s.mu.Unlock()

	s.logger.Info("scheduler starting", slog.Int("jobs", len(jobs)))
	for _, job := range jobs {
		s.wg.Add(1)
		go s.runJob(ctx, job, stop)
	}
	return nil
}

// Stop halts all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) runJob(ctx context.Context, job Job, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			s.execute(ctx, job, now)
		}
	}
}

// RunNow executes the named job once, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	var (
		job   Job
		found bool
	)
	for _, j := range s.jobs {
		if j.Name == name {
			job, found = j, true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(ctx, job, time.Now())
}

func (s *Scheduler) execute(ctx context.Context, job Job, now time.Time) error {
	err := job.Run(ctx, now)

	s.mu.Lock()
	st := s.stats[job.Name]
	st.Runs++
	st.LastRun = now
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled job failed", slog.String("job", job.Name), logging.Error(err))
	}
	return err
}

// Stats returns a snapshot of per-job statistics.
func (s *Scheduler) Stats() map[string]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Stats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}
