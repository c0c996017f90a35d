package dto

import (
	"encoding/json"
	"time"

	"github.com/mtlprog/taskflow/internal/dlq"
	"github.com/mtlprog/taskflow/internal/domain"
)

// TaskDetail represents a task in API responses.
type TaskDetail struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	IdempotencyKey  string          `json:"idempotency_key"`
	UserID          *string         `json:"user_id"`
	TaskType        string          `json:"task_type"`
	Status          string          `json:"status"`
	Attempt         int             `json:"attempt"`
	Input           json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	MaxRetries      int             `json:"max_retries"`
	TimeoutMs       int64           `json:"timeout_ms"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at"`
}

// TasksListResponse represents the response for GET /tasks.
type TasksListResponse struct {
	Tasks  []TaskDetail `json:"tasks"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// TaskEventResponse represents a single entry of a task's history.
type TaskEventResponse struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Attempt   int             `json:"attempt"`
	EventName string          `json:"event_name,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskEventsResponse represents the response for GET /tasks/{id}/events.
type TaskEventsResponse struct {
	TaskID string              `json:"task_id"`
	Events []TaskEventResponse `json:"events"`
}

// DeadLetterResponse represents one dead letter queue entry.
type DeadLetterResponse struct {
	Key         string     `json:"key"`
	Task        TaskDetail `json:"task"`
	Reason      string     `json:"reason"`
	Error       string     `json:"error"`
	AddedAt     time.Time  `json:"added_at"`
	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at"`
}

// DeadLettersResponse represents the response for GET /dlq.
type DeadLettersResponse struct {
	Entries []DeadLetterResponse `json:"entries"`
}

// RetryAllResponse represents the response for POST /dlq/retry.
type RetryAllResponse struct {
	Retried []TaskDetail  `json:"retried"`
	Errors  []ErrorDetail `json:"errors"`
}

// CancelResponse represents the response for POST /tasks/{id}/cancel.
type CancelResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TemplateResponse describes a registered template and its effective defaults.
type TemplateResponse struct {
	Name       string `json:"name"`
	MaxRetries int    `json:"max_retries"`
	TimeoutMs  int64  `json:"timeout_ms"`
}

// TemplatesResponse represents the response for GET /templates.
type TemplatesResponse struct {
	Templates []TemplateResponse `json:"templates"`
}

// ToTaskDetail converts domain.TaskSnapshot to TaskDetail.
func ToTaskDetail(task domain.TaskSnapshot) TaskDetail {
	return TaskDetail{
		ID:              task.ID,
		Name:            task.Name,
		IdempotencyKey:  task.IdempotencyKey,
		UserID:          task.UserID,
		TaskType:        string(task.TaskType()),
		Status:          string(task.Status),
		Attempt:         task.Attempt,
		Input:           task.Input,
		Result:          task.Result,
		Error:           task.Error,
		MaxRetries:      task.ExecutionOptions.MaxRetries,
		TimeoutMs:       task.ExecutionOptions.TimeoutMs,
		CreatedAt:       task.CreatedAt,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
		LastHeartbeatAt: task.LastHeartbeatAt,
	}
}

// ToTaskDetails converts a slice of snapshots.
func ToTaskDetails(tasks []domain.TaskSnapshot) []TaskDetail {
	out := make([]TaskDetail, len(tasks))
	for i := range tasks {
		out[i] = ToTaskDetail(tasks[i])
	}
	return out
}

// ToTaskEventResponse converts domain.TaskEvent to TaskEventResponse.
func ToTaskEventResponse(event domain.TaskEvent) TaskEventResponse {
	return TaskEventResponse{
		ID:        event.ID,
		TaskID:    event.TaskID,
		Type:      string(event.Type),
		Attempt:   event.Attempt,
		EventName: event.EventName,
		Message:   event.Message,
		Payload:   event.Payload,
		Result:    event.Result,
		Error:     event.Error,
		CreatedAt: event.Timestamp,
	}
}

// ToDeadLetterResponse converts dlq.Entry to DeadLetterResponse.
func ToDeadLetterResponse(entry dlq.Entry) DeadLetterResponse {
	return DeadLetterResponse{
		Key:         entry.Key,
		Task:        ToTaskDetail(entry.Task),
		Reason:      entry.Reason,
		Error:       entry.Error,
		AddedAt:     entry.AddedAt,
		RetryCount:  entry.RetryCount,
		LastRetryAt: entry.LastRetryAt,
	}
}
