package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the in-process vocabulary of task events.
type EventType string

const (
	EventTypeCreated   EventType = "created"
	EventTypeStart     EventType = "start"
	EventTypeProgress  EventType = "progress"
	EventTypeComplete  EventType = "complete"
	EventTypeError     EventType = "error"
	EventTypeCancelled EventType = "cancelled"
	EventTypeHeartbeat EventType = "heartbeat"
	EventTypeCustom    EventType = "custom"
	EventTypeRetry     EventType = "retry"
	EventTypeRecovered EventType = "recovered"
)

// AllEventTypes lists every event type.
var AllEventTypes = []EventType{
	EventTypeCreated, EventTypeStart, EventTypeProgress, EventTypeComplete,
	EventTypeError, EventTypeCancelled, EventTypeHeartbeat, EventTypeCustom,
	EventTypeRetry, EventTypeRecovered,
}

// IsTerminal returns true for events that end an execution.
func (t EventType) IsTerminal() bool {
	return t == EventTypeComplete || t == EventTypeError || t == EventTypeCancelled
}

// EntryType is the WAL vocabulary of persisted events.
type EntryType string

const (
	EntryTaskCreated   EntryType = "TASK_CREATED"
	EntryTaskStart     EntryType = "TASK_START"
	EntryTaskProgress  EntryType = "TASK_PROGRESS"
	EntryTaskComplete  EntryType = "TASK_COMPLETE"
	EntryTaskError     EntryType = "TASK_ERROR"
	EntryTaskCancelled EntryType = "TASK_CANCELLED"
	EntryTaskHeartbeat EntryType = "TASK_HEARTBEAT"
	EntryTaskCustom    EntryType = "TASK_CUSTOM"
)

// AllEntryTypes lists every WAL entry type.
var AllEntryTypes = []EntryType{
	EntryTaskCreated, EntryTaskStart, EntryTaskProgress, EntryTaskComplete,
	EntryTaskError, EntryTaskCancelled, EntryTaskHeartbeat, EntryTaskCustom,
}

// ToEntryType maps an event type to its WAL type.
// Retry and recovered are process-internal notifications and have no WAL
// representation; ok is false for them.
func ToEntryType(t EventType) (EntryType, bool) {
	switch t {
	case EventTypeCreated:
		return EntryTaskCreated, true
	case EventTypeStart:
		return EntryTaskStart, true
	case EventTypeProgress:
		return EntryTaskProgress, true
	case EventTypeComplete:
		return EntryTaskComplete, true
	case EventTypeError:
		return EntryTaskError, true
	case EventTypeCancelled:
		return EntryTaskCancelled, true
	case EventTypeHeartbeat:
		return EntryTaskHeartbeat, true
	case EventTypeCustom:
		return EntryTaskCustom, true
	case EventTypeRetry, EventTypeRecovered:
		return "", false
	default:
		return "", false
	}
}

// ToEventType maps a WAL type back to its event type.
// No WAL type maps to retry or recovered; ok is false for unknown values.
func ToEventType(t EntryType) (EventType, bool) {
	switch t {
	case EntryTaskCreated:
		return EventTypeCreated, true
	case EntryTaskStart:
		return EventTypeStart, true
	case EntryTaskProgress:
		return EventTypeProgress, true
	case EntryTaskComplete:
		return EventTypeComplete, true
	case EntryTaskError:
		return EventTypeError, true
	case EntryTaskCancelled:
		return EventTypeCancelled, true
	case EntryTaskHeartbeat:
		return EventTypeHeartbeat, true
	case EntryTaskCustom:
		return EventTypeCustom, true
	default:
		return "", false
	}
}

// ShouldStoreInTaskEvents reports whether an entry belongs in the per-task
// event history. Heartbeats only refresh liveness.
func ShouldStoreInTaskEvents(t EntryType) bool {
	return t != EntryTaskHeartbeat
}

// IsRecoveryRelevant reports whether an entry must survive WAL compaction.
func IsRecoveryRelevant(t EntryType) bool {
	return t != EntryTaskHeartbeat
}

// TaskEvent is an immutable fact emitted during a task's life.
type TaskEvent struct {
	ID               string            `json:"id"`
	TaskID           string            `json:"taskId"`
	Name             string            `json:"name"`
	IdempotencyKey   string            `json:"idempotencyKey"`
	UserID           *string           `json:"userId"`
	TaskType         TaskType          `json:"taskType"`
	Timestamp        time.Time         `json:"timestamp"`
	Type             EventType         `json:"type"`
	Attempt          int               `json:"attempt,omitempty"`
	Message          string            `json:"message,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	EventName        string            `json:"eventName,omitempty"`
	NextRetryDelayMs int64             `json:"nextRetryDelayMs,omitempty"`
	Input            json.RawMessage   `json:"input,omitempty"`
	ExecutionOptions *ExecutionOptions `json:"executionOptions,omitempty"`
}

// NewTaskEvent creates an event of the given type stamped with the task identity.
func NewTaskEvent(t *Task, typ EventType) TaskEvent {
	return TaskEvent{
		ID:             uuid.NewString(),
		TaskID:         t.ID,
		Name:           t.Name,
		IdempotencyKey: t.IdempotencyKey,
		UserID:         t.UserID,
		TaskType:       t.TaskType(),
		Timestamp:      time.Now(),
		Type:           typ,
		Attempt:        t.Attempt(),
	}
}

// EventLogEntry is the WAL projection of a TaskEvent.
type EventLogEntry struct {
	Seq              int64             `json:"seq"`
	Timestamp        int64             `json:"timestamp"`
	TaskID           string            `json:"taskId"`
	Type             EntryType         `json:"type"`
	Name             string            `json:"name"`
	IdempotencyKey   string            `json:"idempotencyKey"`
	UserID           *string           `json:"userId"`
	TaskType         TaskType          `json:"taskType"`
	EventID          string            `json:"eventId,omitempty"`
	Attempt          int               `json:"attempt,omitempty"`
	Message          string            `json:"message,omitempty"`
	EventName        string            `json:"eventName,omitempty"`
	Input            json.RawMessage   `json:"input,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            *string           `json:"error,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	ExecutionOptions *ExecutionOptions `json:"executionOptions,omitempty"`
}

// Time returns the entry timestamp.
func (e EventLogEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ToEntry projects the event onto the WAL. ok is false for retry and recovered.
func (e TaskEvent) ToEntry() (EventLogEntry, bool) {
	typ, ok := ToEntryType(e.Type)
	if !ok {
		return EventLogEntry{}, false
	}
	entry := EventLogEntry{
		Timestamp:        e.Timestamp.UnixMilli(),
		TaskID:           e.TaskID,
		Type:             typ,
		Name:             e.Name,
		IdempotencyKey:   e.IdempotencyKey,
		UserID:           e.UserID,
		TaskType:         e.TaskType,
		EventID:          e.ID,
		Attempt:          e.Attempt,
		Message:          e.Message,
		EventName:        e.EventName,
		Input:            e.Input,
		Result:           e.Result,
		Payload:          e.Payload,
		ExecutionOptions: e.ExecutionOptions,
	}
	if e.Error != "" {
		msg := e.Error
		entry.Error = &msg
	}
	return entry, true
}

// ToTaskEvent rebuilds the event carried by a WAL entry.
func (e EventLogEntry) ToTaskEvent() (TaskEvent, bool) {
	typ, ok := ToEventType(e.Type)
	if !ok {
		return TaskEvent{}, false
	}
	ev := TaskEvent{
		ID:               e.EventID,
		TaskID:           e.TaskID,
		Name:             e.Name,
		IdempotencyKey:   e.IdempotencyKey,
		UserID:           e.UserID,
		TaskType:         e.TaskType,
		Timestamp:        e.Time(),
		Type:             typ,
		Attempt:          e.Attempt,
		Message:          e.Message,
		Payload:          e.Payload,
		Result:           e.Result,
		EventName:        e.EventName,
		Input:            e.Input,
		ExecutionOptions: e.ExecutionOptions,
	}
	if e.Error != nil {
		ev.Error = *e.Error
	}
	return ev, true
}

// EventInput is what a handler emits while it runs.
type EventInput struct {
	Type      EventType
	Message   string
	Payload   any
	Result    any
	EventName string
	Err       error
}

// Progress reports intermediate progress.
func Progress(message string, payload any) EventInput {
	return EventInput{Type: EventTypeProgress, Message: message, Payload: payload}
}

// Custom emits an application-defined named event.
func Custom(name string, payload any) EventInput {
	return EventInput{Type: EventTypeCustom, EventName: name, Payload: payload}
}

// Complete finishes the task successfully with result.
func Complete(result any) EventInput {
	return EventInput{Type: EventTypeComplete, Result: result}
}

// Failed finishes the task with an error; equivalent to returning err from the handler.
func Failed(err error) EventInput {
	return EventInput{Type: EventTypeError, Err: err}
}

// Cancelled finishes the task as cancelled.
func Cancelled(message string) EventInput {
	return EventInput{Type: EventTypeCancelled, Message: message}
}

// Heartbeat refreshes the task's liveness without adding to its history.
func Heartbeat() EventInput {
	return EventInput{Type: EventTypeHeartbeat}
}
