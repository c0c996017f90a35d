package domain

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of a task in the state machine.
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is terminal.
// Failed is terminal for execution purposes; only the dead letter retry path reopens it.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsValid checks if the status is one of the allowed values.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions lists the domain methods permitted from each status.
var validTransitions = map[TaskStatus][]string{
	TaskStatusCreated:   {"start", "cancel"},
	TaskStatusRunning:   {"complete", "fail", "cancel"},
	TaskStatusFailed:    {"resetToPending"},
	TaskStatusCompleted: {},
	TaskStatusCancelled: {},
}

// TaskType distinguishes user-initiated from background tasks.
type TaskType string

const (
	TaskTypeUser       TaskType = "user"
	TaskTypeBackground TaskType = "background"
)

// ExecutionOptions are per-task overrides of the template defaults.
// Zero values mean "use the default" (retries, timeout) or "unlimited" (concurrency).
// Set MaxRetries to NoRetries to disable retries explicitly.
type ExecutionOptions struct {
	MaxRetries              int   `json:"maxRetries,omitempty" yaml:"max_retries"`
	TimeoutMs               int64 `json:"timeoutMs,omitempty" yaml:"timeout_ms"`
	MaxConcurrentExecutions int   `json:"maxConcurrentExecutions,omitempty" yaml:"max_concurrent_executions"`
}

// Merge returns o with every non-zero field of override applied.
func (o ExecutionOptions) Merge(override ExecutionOptions) ExecutionOptions {
	if override.MaxRetries != 0 {
		o.MaxRetries = override.MaxRetries
	}
	if override.TimeoutMs != 0 {
		o.TimeoutMs = override.TimeoutMs
	}
	if override.MaxConcurrentExecutions != 0 {
		o.MaxConcurrentExecutions = override.MaxConcurrentExecutions
	}
	return o
}

// NoRetries disables retries when used as ExecutionOptions.MaxRetries.
const NoRetries = -1

// Retries returns how many times a failed attempt may be retried.
func (o ExecutionOptions) Retries() int {
	return max(0, o.MaxRetries)
}

// Timeout returns the task timeout, zero when unbounded.
func (o ExecutionOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// TaskSnapshot is a point-in-time copy of a task, safe to share across goroutines.
type TaskSnapshot struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	IdempotencyKey   string           `json:"idempotencyKey"`
	UserID           *string          `json:"userId"`
	Input            json.RawMessage  `json:"input,omitempty"`
	Status           TaskStatus       `json:"status"`
	Attempt          int              `json:"attempt"`
	Result           json.RawMessage  `json:"result,omitempty"`
	Error            string           `json:"error,omitempty"`
	ExecutionOptions ExecutionOptions `json:"executionOptions"`
	CreatedAt        time.Time        `json:"createdAt"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	LastHeartbeatAt  *time.Time       `json:"lastHeartbeatAt,omitempty"`
}

// TaskType returns user for tasks with an owner, background otherwise.
func (s TaskSnapshot) TaskType() TaskType {
	if s.UserID == nil {
		return TaskTypeBackground
	}
	return TaskTypeUser
}

// Task is a unit of work owned by the task system.
// Identity fields are immutable after construction; lifecycle state is
// only changed through the transition methods.
type Task struct {
	ID               string
	Name             string
	IdempotencyKey   string
	UserID           *string
	Input            json.RawMessage
	ExecutionOptions ExecutionOptions
	CreatedAt        time.Time

	mu              sync.RWMutex
	status          TaskStatus
	attempt         int
	result          json.RawMessage
	err             string
	startedAt       *time.Time
	completedAt     *time.Time
	lastHeartbeatAt *time.Time
}

// NewTaskParams holds the inputs for NewTask.
type NewTaskParams struct {
	Name             string
	IdempotencyKey   string
	UserID           *string
	Input            json.RawMessage
	ExecutionOptions ExecutionOptions
}

// NewTask creates a task in the created state with attempt 1.
func NewTask(p NewTaskParams) *Task {
	return &Task{
		ID:               uuid.NewString(),
		Name:             p.Name,
		IdempotencyKey:   p.IdempotencyKey,
		UserID:           p.UserID,
		Input:            p.Input,
		ExecutionOptions: p.ExecutionOptions,
		CreatedAt:        time.Now(),
		status:           TaskStatusCreated,
		attempt:          1,
	}
}

// RestoreTask rebuilds a task from a persisted snapshot.
func RestoreTask(s TaskSnapshot) *Task {
	attempt := s.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return &Task{
		ID:               s.ID,
		Name:             s.Name,
		IdempotencyKey:   s.IdempotencyKey,
		UserID:           s.UserID,
		Input:            s.Input,
		ExecutionOptions: s.ExecutionOptions,
		CreatedAt:        s.CreatedAt,
		status:           s.Status,
		attempt:          attempt,
		result:           s.Result,
		err:              s.Error,
		startedAt:        s.StartedAt,
		completedAt:      s.CompletedAt,
		lastHeartbeatAt:  s.LastHeartbeatAt,
	}
}

// TaskType returns user for tasks with an owner, background otherwise.
func (t *Task) TaskType() TaskType {
	if t.UserID == nil {
		return TaskTypeBackground
	}
	return TaskTypeUser
}

// Status returns the current status.
func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Attempt returns the current attempt number, starting at 1.
func (t *Task) Attempt() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempt
}

// Err returns the recorded failure message, if any.
func (t *Task) Err() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Snapshot returns a consistent copy of the task.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskSnapshot{
		ID:               t.ID,
		Name:             t.Name,
		IdempotencyKey:   t.IdempotencyKey,
		UserID:           t.UserID,
		Input:            t.Input,
		Status:           t.status,
		Attempt:          t.attempt,
		Result:           t.result,
		Error:            t.err,
		ExecutionOptions: t.ExecutionOptions,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.startedAt,
		CompletedAt:      t.completedAt,
		LastHeartbeatAt:  t.lastHeartbeatAt,
	}
}

// must be called with t.mu held.
func (t *Task) checkTransition(transition string, allowed ...TaskStatus) error {
	for _, s := range allowed {
		if t.status == s {
			return nil
		}
	}
	return NewTaskStateError(t.ID, t.status, transition, validTransitions[t.status])
}

// Start moves a created task to running.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTransition("start", TaskStatusCreated); err != nil {
		return err
	}
	now := time.Now()
	t.status = TaskStatusRunning
	t.startedAt = &now
	t.lastHeartbeatAt = &now
	return nil
}

// Complete moves a running task to completed with the given result.
func (t *Task) Complete(result json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTransition("complete", TaskStatusRunning); err != nil {
		return err
	}
	now := time.Now()
	t.status = TaskStatusCompleted
	t.result = result
	t.completedAt = &now
	return nil
}

// Fail moves a running task to failed and records the error message.
func (t *Task) Fail(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTransition("fail", TaskStatusRunning); err != nil {
		return err
	}
	now := time.Now()
	t.status = TaskStatusFailed
	t.err = message
	t.completedAt = &now
	return nil
}

// Cancel moves a created or running task to cancelled.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTransition("cancel", TaskStatusCreated, TaskStatusRunning); err != nil {
		return err
	}
	now := time.Now()
	t.status = TaskStatusCancelled
	t.completedAt = &now
	return nil
}

// ResetToPending reopens a failed task for another attempt.
func (t *Task) ResetToPending() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTransition("resetToPending", TaskStatusFailed); err != nil {
		return err
	}
	t.status = TaskStatusCreated
	t.attempt++
	t.err = ""
	t.result = nil
	t.startedAt = nil
	t.completedAt = nil
	return nil
}

// RecordHeartbeat stamps the liveness time of a running task.
func (t *Task) RecordHeartbeat(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHeartbeatAt = &at
}

// LastHeartbeatAt returns the last liveness time, nil before start.
func (t *Task) LastHeartbeatAt() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastHeartbeatAt
}
