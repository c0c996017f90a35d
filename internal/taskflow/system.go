// Package taskflow is the task system: it admits runs, executes handlers
// under concurrency limits, records every event in the write-ahead log,
// streams events to subscribers and recovers tasks after a crash.
package taskflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtlprog/taskflow/internal/backpressure"
	"github.com/mtlprog/taskflow/internal/dlq"
	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/eventlog"
	"github.com/mtlprog/taskflow/internal/flush"
	"github.com/mtlprog/taskflow/internal/jobs"
	"github.com/mtlprog/taskflow/internal/observability"
	"github.com/mtlprog/taskflow/internal/repository"
	"github.com/mtlprog/taskflow/internal/slots"
)

// System states.
const (
	StatusCreated      = "created"
	StatusRunning      = "running"
	StatusShuttingDown = "shutting_down"
	StatusStopped      = "stopped"
)

// Options wires a System. Repository is required.
type Options struct {
	Config     Config
	Repository repository.Repository
	Hooks      observability.Hooks
	Logger     *slog.Logger
}

type counters struct {
	active       atomic.Int64
	started      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	cancelled    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	recovered    atomic.Int64
}

// System is the task system.
type System struct {
	cfg    Config
	logger *slog.Logger
	hooks  observability.Hooks

	log       *eventlog.Log
	repo      repository.Repository
	flusher   *flush.Flusher
	admission *backpressure.Controller
	slots     *slots.Manager
	dlq       *dlq.Queue
	jobs      *jobs.Manager

	// rootCtx parents every handler context; abort cancels them all.
	rootCtx context.Context
	abort   context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	status    string
	startedAt time.Time
	templates map[string]*Template
	tasks     map[string]*execution
	byKey     map[string]*execution
	stopped   chan struct{}

	maintenanceMu sync.Mutex
	compacted     map[string]bool

	counters counters
}

// New builds a System and opens its event log. Call Start before Run.
func New(opts Options) (*System, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Repository == nil {
		return nil, domain.NewConfigValidationError("repository", "is required")
	}

	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	hooks := observability.OrNoop(opts.Hooks)

	wal, err := eventlog.Open(eventlog.Config{
		Dir:          cfg.EventLog.Dir,
		FileName:     cfg.EventLog.FileName,
		MaxFileBytes: cfg.EventLog.MaxFileBytes,
		Logger:       base.With("component", "eventlog"),
		Hooks:        hooks,
	})
	if err != nil {
		return nil, err
	}

	admission, err := backpressure.New(cfg.Backpressure, hooks,
		backpressure.WithLogger(base.With("component", "backpressure")))
	if err != nil {
		_ = wal.Close()
		return nil, err
	}
	slotManager, err := slots.New(cfg.Slots, hooks, base.With("component", "slots"))
	if err != nil {
		_ = wal.Close()
		return nil, err
	}
	deadLetters, err := dlq.New(cfg.DLQ, hooks, dlq.WithLogger(base.With("component", "dlq")))
	if err != nil {
		_ = wal.Close()
		return nil, err
	}

	flushCfg := cfg.Flush
	flushCfg.Logger = base.With("component", "flush")
	flushCfg.Hooks = hooks

	rootCtx, abort := context.WithCancel(context.Background())
	s := &System{
		cfg:       cfg,
		logger:    base.With("component", "taskflow"),
		hooks:     hooks,
		log:       wal,
		repo:      opts.Repository,
		flusher:   flush.New(wal, opts.Repository, flushCfg),
		admission: admission,
		slots:     slotManager,
		dlq:       deadLetters,
		jobs:      jobs.NewManager(context.Background(), base.With("component", "jobs")),
		rootCtx:   rootCtx,
		abort:     abort,
		status:    StatusCreated,
		templates: make(map[string]*Template),
		tasks:     make(map[string]*execution),
		byKey:     make(map[string]*execution),
		stopped:   make(chan struct{}),
		compacted: make(map[string]bool),
	}
	return s, nil
}

// Start initializes the repository and the flush worker, starts background
// jobs and recovers tasks left running by a previous process. Register
// templates before Start so their stale tasks can be resumed.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusRunning:
		s.mu.Unlock()
		return nil
	case StatusShuttingDown, StatusStopped:
		s.mu.Unlock()
		return domain.NewShuttingDownError()
	}

	if err := s.repo.Initialize(ctx); err != nil {
		s.mu.Unlock()
		return domain.NewInitializationError("repository", err)
	}
	if err := s.flusher.Initialize(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.dlq.Start()
	s.registerJobs()
	s.jobs.Start()

	s.status = StatusRunning
	s.startedAt = time.Now()
	templates := len(s.templates)
	s.mu.Unlock()

	s.logger.Info("task system started",
		"wal_dir", s.cfg.EventLog.Dir,
		"wal_seq", s.log.CurrentSeq(),
		"templates", templates,
	)

	if s.cfg.Recovery.Enabled {
		if _, err := s.RecoverStaleTasks(ctx); err != nil {
			s.logger.Warn("initial stale task recovery failed", "error", err)
		}
	}
	return nil
}

// RegisterTask adds a template. Names are unique.
func (s *System) RegisterTask(def TaskDefinition) (*Template, error) {
	if err := domain.ValidateTaskName(def.Name); err != nil {
		return nil, err
	}
	if def.Handler == nil {
		return nil, domain.NewValidationError("handler", "handler is required")
	}
	if def.DefaultOptions.TimeoutMs < 0 || def.DefaultOptions.MaxConcurrentExecutions < 0 {
		return nil, domain.NewValidationError("executionOptions", "timeout and concurrency must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[def.Name]; ok {
		return nil, domain.NewConflictError(fmt.Sprintf("task %q is already registered", def.Name),
			map[string]any{"name": def.Name})
	}

	tmpl := &Template{
		sys:     s,
		name:    def.Name,
		handler: def.Handler,
		options: def.DefaultOptions,
	}
	s.templates[def.Name] = tmpl
	s.logger.Debug("task registered", "name", def.Name)
	return tmpl, nil
}

// Template returns a registered template by name.
func (s *System) Template(name string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// Templates returns the registered templates ordered by name.
func (s *System) Templates() []*Template {
	s.mu.RLock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Template) int { return strings.Compare(a.name, b.name) })
	return out
}

// Status returns the system state.
func (s *System) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Repository exposes the projection store for read-only queries.
func (s *System) Repository() repository.Repository { return s.repo }

// EventLog exposes the write-ahead log for diagnostics.
func (s *System) EventLog() *eventlog.Log { return s.log }

// Handle returns the in-memory handle of a task.
func (s *System) Handle(taskID string) (*TaskHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return &TaskHandle{sys: s, ex: ex}, true
}

// Task returns the current state of a task, from memory when it is tracked
// and from the repository otherwise.
func (s *System) Task(ctx context.Context, taskID string) (*domain.TaskSnapshot, error) {
	if h, ok := s.Handle(taskID); ok {
		snap := h.Task()
		return &snap, nil
	}
	snap, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, domain.NewNotFoundError("task", taskID)
	}
	return snap, nil
}

// Events returns a task's persisted history, falling back to the in-memory
// buffer for tasks whose events have not been flushed yet.
func (s *System) Events(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	events, err := s.repo.GetEvents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}
	if h, ok := s.Handle(taskID); ok {
		return h.History(), nil
	}
	if _, err := s.Task(ctx, taskID); err != nil {
		return nil, err
	}
	return events, nil
}

// Cancel stops a queued or running task.
func (s *System) Cancel(_ context.Context, taskID string) error {
	s.mu.RLock()
	ex, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return domain.NewNotFoundError("task", taskID)
	}
	if ex.isFinished() {
		return domain.NewTaskStateError(taskID, ex.task.Status(), "cancel", nil)
	}
	ex.requestCancel("cancelled by request")
	s.logger.Info("task cancellation requested", "task_id", taskID)
	return nil
}

// trackLocked registers ex for lookups by id and key. Caller holds mu.
func (s *System) trackLocked(ex *execution) {
	s.tasks[ex.task.ID] = ex
	s.byKey[ex.task.IdempotencyKey] = ex
}

// untrackLocked forgets ex unless a newer execution took its key.
func (s *System) untrackLocked(ex *execution) {
	if s.tasks[ex.task.ID] == ex {
		delete(s.tasks, ex.task.ID)
	}
	if s.byKey[ex.task.IdempotencyKey] == ex {
		delete(s.byKey, ex.task.IdempotencyKey)
	}
}

func (s *System) defaultOptions() domain.ExecutionOptions {
	return domain.ExecutionOptions{
		MaxRetries: s.cfg.Executor.DefaultMaxRetries,
		TimeoutMs:  s.cfg.Executor.DefaultTimeout.Milliseconds(),
	}
}

// publish appends ev to the event log, then makes it visible to subscribers.
// Retry and recovered events are stream-only.
func (s *System) publish(ex *execution, ev domain.TaskEvent, fsync bool) error {
	if _, _, err := s.log.AppendEvent(ev, fsync); err != nil {
		s.logger.Error("failed to append task event",
			"task_id", ev.TaskID, "type", ev.Type, "error", err)
		return fmt.Errorf("append %s event for task %s: %w", ev.Type, ev.TaskID, err)
	}
	ex.deliver(ev)
	return nil
}
