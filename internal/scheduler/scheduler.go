// Package scheduler runs the periodic cleanup jobs on cron schedules and on
// demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrUnknownJob is returned by Run for names never registered
var ErrUnknownJob = errors.New("unknown job")

// ErrJobRunning is returned by Run while the same job is already running
var ErrJobRunning = errors.New("job already running")

// JobFunc performs one pass and reports how many items it handled
type JobFunc func(ctx context.Context) (int, error)

// JobInfo describes a registered job
type JobInfo struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule,omitempty"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
	Handled  int        `json:"last_handled"`
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	running  sync.Mutex

	mu      sync.Mutex
	lastRun *time.Time
	lastErr string
	handled int
}

// Scheduler owns the cron runner. Every run of a job gets its own context
// bounded by timeout and cancelled by Stop.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
	jobs    map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. timeout bounds a single run.
func New(timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:  logger.With(zap.String("system", "scheduler")),
		timeout: timeout,
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cron = cron.New(cron.WithChain(s.recoverWrapper()))
	return s
}

// Register adds a job. An empty schedule registers it for on-demand runs only.
func (s *Scheduler) Register(name, schedule string, fn JobFunc) error {
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, schedule: schedule, fn: fn}
	if schedule != "" {
		if _, err := s.cron.AddFunc(schedule, func() {
			if _, err := s.run(j); err != nil && !errors.Is(err, ErrJobRunning) {
				s.logger.Warn("Scheduled job failed", zap.String("job_name", name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", name, err)
		}
	}
	s.jobs[name] = j
	s.logger.Info("Registered job", zap.String("job_name", name), zap.String("schedule", schedule))
	return nil
}

// Start begins running scheduled jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them, or for ctx
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Run executes a job now and waits for it. A job never overlaps itself.
func (s *Scheduler) Run(name string) (int, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, ErrUnknownJob
	}
	return s.run(j)
}

// Jobs lists registered jobs by name
func (s *Scheduler) Jobs() []JobInfo {
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, JobInfo{
			Name:     j.name,
			Schedule: j.schedule,
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
			Handled:  j.handled,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) run(j *job) (int, error) {
	if !j.running.TryLock() {
		return 0, ErrJobRunning
	}
	defer j.running.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	log := s.logger.With(
		zap.String("job_name", j.name),
		zap.String("execution_id", uuid.NewString()),
	)
	start := time.Now()
	log.Debug("Job execution started")

	handled, err := j.fn(ctx)

	finished := time.Now()
	j.mu.Lock()
	j.lastRun = &finished
	j.handled = handled
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	log.Info("Job execution finished",
		zap.Int("handled", handled),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return handled, err
}

// recoverWrapper keeps a panicking job from taking the process down
func (s *Scheduler) recoverWrapper() cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		return cron.FuncJob(func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Job panicked",
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
				}
			}()
			j.Run()
		})
	}
}
