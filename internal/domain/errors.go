package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorCode identifies the kind of engine error.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeConfigValidation ErrorCode = "CONFIG_VALIDATION_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeTaskState        ErrorCode = "TASK_STATE_ERROR"
	CodeSlotTimeout      ErrorCode = "SLOT_TIMEOUT"
	CodeBackpressure     ErrorCode = "BACKPRESSURE"
	CodeInitialization   ErrorCode = "INITIALIZATION_ERROR"
	CodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	CodeStreamOverflow   ErrorCode = "STREAM_OVERFLOW"
	CodeShuttingDown     ErrorCode = "SYSTEM_SHUTTING_DOWN"
)

// Sentinel errors usable with errors.Is.
var (
	ErrShuttingDown   = errors.New("task system is shutting down")
	ErrTaskNotFound   = errors.New("task not found")
	ErrNotInitialized = errors.New("component not initialized")
)

// TaskSystemError is the common base of every error raised by the engine.
type TaskSystemError struct {
	Code      ErrorCode
	Message   string
	Context   map[string]any
	Cause     error
	Timestamp time.Time
}

func newBase(code ErrorCode, message string, ctx map[string]any, cause error) TaskSystemError {
	return TaskSystemError{
		Code:      code,
		Message:   message,
		Context:   ctx,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func (e *TaskSystemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskSystemError) Unwrap() error { return e.Cause }

func (e *TaskSystemError) base() *TaskSystemError { return e }

// MarshalJSON renders the error for structured logs and API responses.
func (e *TaskSystemError) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"code":      e.Code,
		"message":   e.Message,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Context) > 0 {
		out["context"] = e.Context
	}
	if e.Cause != nil {
		out["cause"] = e.Cause.Error()
	}
	return json.Marshal(out)
}

type baser interface {
	base() *TaskSystemError
}

// AsTaskSystemError extracts the common error base from any engine error in the chain.
func AsTaskSystemError(err error) (*TaskSystemError, bool) {
	var b baser
	if errors.As(err, &b) {
		return b.base(), true
	}
	return nil, false
}

// ValidationError reports bad caller input.
type ValidationError struct {
	TaskSystemError
	Field string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		TaskSystemError: newBase(CodeValidation, message, map[string]any{"field": field}, nil),
		Field:           field,
	}
}

// ConfigValidationError reports an invalid configuration value.
type ConfigValidationError struct {
	TaskSystemError
	Field string
}

func NewConfigValidationError(field, message string) *ConfigValidationError {
	return &ConfigValidationError{
		TaskSystemError: newBase(CodeConfigValidation, message, map[string]any{"field": field}, nil),
		Field:           field,
	}
}

// NotFoundError reports a lookup miss for a task, template or handler.
type NotFoundError struct {
	TaskSystemError
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	var cause error
	if resource == "task" {
		cause = ErrTaskNotFound
	}
	return &NotFoundError{
		TaskSystemError: newBase(CodeNotFound, fmt.Sprintf("%s %q not found", resource, id),
			map[string]any{"resource": resource, "id": id}, cause),
		Resource: resource,
		ID:       id,
	}
}

// ConflictError reports a state conflict such as a duplicate registration.
type ConflictError struct {
	TaskSystemError
}

func NewConflictError(message string, ctx map[string]any) *ConflictError {
	return &ConflictError{TaskSystemError: newBase(CodeConflict, message, ctx, nil)}
}

// NewShuttingDownError is returned by admission once shutdown has begun.
func NewShuttingDownError() *ConflictError {
	return &ConflictError{TaskSystemError: newBase(CodeShuttingDown, "task system is shutting down", nil, ErrShuttingDown)}
}

// TaskStateError reports an illegal state transition.
type TaskStateError struct {
	TaskSystemError
	TaskID           string
	CurrentState     TaskStatus
	Transition       string
	ValidTransitions []string
}

func NewTaskStateError(taskID string, current TaskStatus, transition string, valid []string) *TaskStateError {
	return &TaskStateError{
		TaskSystemError: newBase(CodeTaskState,
			fmt.Sprintf("cannot %s task %s in state %s", transition, taskID, current),
			map[string]any{
				"task_id":           taskID,
				"current_state":     current,
				"transition":        transition,
				"valid_transitions": valid,
			}, nil),
		TaskID:           taskID,
		CurrentState:     current,
		Transition:       transition,
		ValidTransitions: valid,
	}
}

// SlotTimeoutError is returned when no execution slot frees up in time.
type SlotTimeoutError struct {
	TaskSystemError
	Timeout time.Duration
}

func NewSlotTimeoutError(taskID string, timeout time.Duration) *SlotTimeoutError {
	return &SlotTimeoutError{
		TaskSystemError: newBase(CodeSlotTimeout,
			fmt.Sprintf("timed out after %s waiting for an execution slot", timeout),
			map[string]any{"task_id": taskID, "timeout_ms": timeout.Milliseconds()}, nil),
		Timeout: timeout,
	}
}

// TimeoutMs returns the slot timeout in milliseconds.
func (e *SlotTimeoutError) TimeoutMs() int64 { return e.Timeout.Milliseconds() }

// Backpressure rejection reasons.
const (
	ReasonGlobalRateLimit = "global_rate_limit"
	ReasonUserRateLimit   = "user_rate_limit"
	ReasonQueueFull       = "queue_full"
)

// BackpressureError is returned when admission control rejects a task.
type BackpressureError struct {
	TaskSystemError
	Reason     string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewBackpressureError(reason string, limit, remaining int, retryAfter time.Duration) *BackpressureError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &BackpressureError{
		TaskSystemError: newBase(CodeBackpressure,
			fmt.Sprintf("task rejected by admission control (%s)", reason),
			map[string]any{
				"reason":         reason,
				"limit":          limit,
				"remaining":      remaining,
				"retry_after_ms": retryAfter.Milliseconds(),
			}, nil),
		Reason:     reason,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}
}

// RetryAfterMs returns the suggested wait before retrying, in milliseconds.
func (e *BackpressureError) RetryAfterMs() int64 { return e.RetryAfter.Milliseconds() }

// HTTPStatus is always 429 Too Many Requests.
func (e *BackpressureError) HTTPStatus() int { return http.StatusTooManyRequests }

// Headers returns the rate limit headers of the 429 response.
func (e *BackpressureError) Headers() http.Header {
	h := make(http.Header)
	// Retry-After is in whole seconds, rounded up.
	secs := (e.RetryAfter + time.Second - 1) / time.Second
	h.Set("Retry-After", strconv.FormatInt(int64(secs), 10))
	h.Set("X-RateLimit-Limit", strconv.Itoa(e.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(e.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(e.Timestamp.Add(e.RetryAfter).Unix(), 10))
	return h
}

// InitializationError reports a component setup failure.
type InitializationError struct {
	TaskSystemError
	Component string
}

func NewInitializationError(component string, cause error) *InitializationError {
	return &InitializationError{
		TaskSystemError: newBase(CodeInitialization,
			fmt.Sprintf("%s initialization failed", component),
			map[string]any{"component": component}, cause),
		Component: component,
	}
}

// RetryExhaustedError records the final failure of a task that used up its retries.
type RetryExhaustedError struct {
	TaskSystemError
	Attempts    int
	MaxAttempts int
}

func NewRetryExhaustedError(taskID string, attempts, maxAttempts int, cause error) *RetryExhaustedError {
	return &RetryExhaustedError{
		TaskSystemError: newBase(CodeRetryExhausted,
			fmt.Sprintf("task %s failed after %d of %d attempts", taskID, attempts, maxAttempts),
			map[string]any{"task_id": taskID, "attempts": attempts, "max_attempts": maxAttempts}, cause),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

// StreamOverflowError is recorded when a subscriber falls behind its delivery buffer.
type StreamOverflowError struct {
	TaskSystemError
	TaskID   string
	Capacity int
}

func NewStreamOverflowError(taskID string, capacity int) *StreamOverflowError {
	return &StreamOverflowError{
		TaskSystemError: newBase(CodeStreamOverflow,
			fmt.Sprintf("subscriber for task %s overflowed its buffer of %d events", taskID, capacity),
			map[string]any{"task_id": taskID, "capacity": capacity}, nil),
		TaskID:   taskID,
		Capacity: capacity,
	}
}

// Retryable reports whether an engine error may succeed if attempted again.
func (e *TaskSystemError) Retryable() bool {
	switch e.Code {
	case CodeSlotTimeout, CodeBackpressure, CodeInitialization, CodeStreamOverflow:
		return true
	default:
		return false
	}
}

var transientMarkers = []string{
	"econnreset", "econnrefused", "etimedout", "epipe", "enotfound", "eai_again",
	"econnaborted", "ehostunreach", "enetunreach",
	"connection reset", "connection refused", "broken pipe", "timeout", "timed out",
	"temporarily unavailable", "service unavailable", "too many requests", "network",
}

var permanentMarkers = []string{
	"unauthorized", "forbidden", "invalid", "not found", "bad request",
}

// IsRetryableError classifies err for automatic retry policies.
// Unknown errors default to retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if b, ok := AsTaskSystemError(err); ok {
		return b.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		switch {
		case code == http.StatusTooManyRequests || code >= 500:
			return true
		case code >= 400:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}
