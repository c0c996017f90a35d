// Package jobs runs periodic background maintenance for the task system.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// DelayedJob skips the immediate first run and waits one interval instead.
type DelayedJob interface {
	Job
	Delayed() bool
}

type funcJob struct {
	name     string
	interval time.Duration
	delayed  bool
	fn       func(ctx context.Context) error
}

func (j *funcJob) Name() string                  { return j.name }
func (j *funcJob) Interval() time.Duration       { return j.interval }
func (j *funcJob) Run(ctx context.Context) error { return j.fn(ctx) }
func (j *funcJob) Delayed() bool                 { return j.delayed }

// Func adapts fn to a Job that runs immediately and then every interval.
func Func(name string, interval time.Duration, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, interval: interval, fn: fn}
}

// DelayedFunc adapts fn to a Job whose first run happens after one interval.
func DelayedFunc(name string, interval time.Duration, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, interval: interval, delayed: true, fn: fn}
}

// Manager owns the lifecycle of registered jobs.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a manager bound to parent.
func NewManager(parent context.Context, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "jobs")
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Register adds a job. Jobs registered after Start are ignored.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// Start launches every registered job.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.runJob(job)
	}
}

// Stop signals all jobs to stop.
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all jobs exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runJob(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	if d, ok := job.(DelayedJob); !ok || !d.Delayed() {
		m.executeJob(job)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.executeJob(job)
		}
	}
}

func (m *Manager) executeJob(job Job) {
	if m.ctx.Err() != nil {
		return
	}
	if err := job.Run(m.ctx); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("background job failed", "job", job.Name(), "error", err)
	}
}
