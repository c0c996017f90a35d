package taskflow

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mtlprog/taskflow/internal/domain"
)

// Handler runs one attempt of a task. It sends progress, custom and
// heartbeat events on events and ends with a terminal event (Complete,
// Failed or Cancelled) or by returning. A returned error fails the attempt;
// returning nil without a terminal event completes the task with a nil result.
// Handlers must stop when ctx is cancelled. The channel is never closed.
type Handler func(ctx context.Context, tc TaskContext, events chan<- domain.EventInput) error

// TaskContext describes the attempt being executed.
type TaskContext struct {
	TaskID         string
	Name           string
	IdempotencyKey string
	UserID         *string
	Attempt        int
	Input          json.RawMessage
	Logger         *slog.Logger
}

// Decode unmarshals the task input into v.
func (tc TaskContext) Decode(v any) error {
	return json.Unmarshal(tc.Input, v)
}

// TaskDefinition describes a template to register.
type TaskDefinition struct {
	Name           string
	Handler        Handler
	DefaultOptions domain.ExecutionOptions
}

// Template is a registered task type.
type Template struct {
	sys     *System
	name    string
	handler Handler
	options domain.ExecutionOptions
}

func (t *Template) Name() string { return t.name }

// Options returns the template defaults merged over the system defaults.
func (t *Template) Options() domain.ExecutionOptions {
	return t.sys.defaultOptions().Merge(t.options)
}

// RunParams describes one run request.
type RunParams struct {
	Input  any
	UserID *string
	// IdempotencyKey deduplicates runs; derived from name, user and input
	// when empty.
	IdempotencyKey string
	// Options override the template defaults for this run.
	Options domain.ExecutionOptions
}

// RecoverParams locate a previous run; they are matched the way Run derives
// its idempotency key.
type RecoverParams struct {
	Input          any
	UserID         *string
	IdempotencyKey string
}

// Run submits a task. A run whose idempotency key matches a task that has not
// finished yet returns that task's handle instead of starting a new one.
func (t *Template) Run(ctx context.Context, p RunParams) (*TaskHandle, error) {
	return t.sys.run(ctx, t, p)
}

// Recover reattaches to a previous run of this template. It returns nil when
// no such run exists.
func (t *Template) Recover(ctx context.Context, p RecoverParams) (*TaskHandle, error) {
	key, _, err := t.sys.deriveKey(t.name, p.Input, p.UserID, p.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return t.sys.Recover(ctx, key)
}

// deriveKey validates the caller-supplied identity of a run.
func (s *System) deriveKey(name string, input any, userID *string, explicit string) (string, json.RawMessage, error) {
	raw, err := domain.ValidateInput(input, s.cfg.Executor.MaxInputBytes)
	if err != nil {
		return "", nil, err
	}
	if err := domain.ValidateUserID(userID); err != nil {
		return "", nil, err
	}
	if err := domain.ValidateIdempotencyKey(explicit); err != nil {
		return "", nil, err
	}
	return domain.DeriveIdempotencyKey(name, userID, raw, explicit), raw, nil
}

func (s *System) run(ctx context.Context, tmpl *Template, p RunParams) (*TaskHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, input, err := s.deriveKey(tmpl.name, p.Input, p.UserID, p.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if p.Options.TimeoutMs < 0 || p.Options.MaxConcurrentExecutions < 0 {
		return nil, domain.NewValidationError("executionOptions", "timeout and concurrency must not be negative")
	}
	opts := tmpl.Options().Merge(p.Options)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.byKey[key]; existing != nil && !existing.isFinished() {
		s.logger.Debug("run deduplicated", "task_id", existing.task.ID, "idempotency_key", key)
		return &TaskHandle{sys: s, ex: existing}, nil
	}

	switch s.status {
	case StatusRunning:
	case StatusCreated:
		return nil, domain.NewInitializationError("taskflow", domain.ErrNotInitialized)
	default:
		return nil, domain.NewShuttingDownError()
	}

	task := domain.NewTask(domain.NewTaskParams{
		Name:             tmpl.name,
		IdempotencyKey:   key,
		UserID:           p.UserID,
		Input:            input,
		ExecutionOptions: opts,
	})
	if err := s.admission.Accept(task, s.dlq.Has(key)); err != nil {
		return nil, err
	}

	ex := newExecution(s.rootCtx, task, tmpl, true, s.cfg.Stream)
	created := domain.NewTaskEvent(task, domain.EventTypeCreated)
	created.Input = input
	created.ExecutionOptions = &opts
	if err := s.publish(ex, created, s.cfg.EventLog.FsyncOnCreate); err != nil {
		s.admission.DecrementQueueSize()
		ex.cancel()
		return nil, err
	}

	s.trackLocked(ex)
	s.launch(ex)

	s.logger.Info("task created",
		"task_id", task.ID,
		"name", task.Name,
		"idempotency_key", key,
		"task_type", task.TaskType(),
	)
	return &TaskHandle{sys: s, ex: ex}, nil
}
