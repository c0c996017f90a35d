package taskflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/observability"
)

type resultKind int

const (
	resultComplete resultKind = iota
	resultFailed
	resultCancelled
)

// attemptResult is how one handler invocation ended.
type attemptResult struct {
	kind    resultKind
	result  json.RawMessage
	err     error
	message string
}

var errTaskTimeout = errors.New("task timed out")

// launch starts the executor goroutine of ex. Caller holds mu or owns ex.
func (s *System) launch(ex *execution) {
	s.counters.active.Add(1)
	s.hooks.RecordGauge(observability.TasksActive, float64(s.counters.active.Load()), nil)
	s.wg.Add(1)
	go s.execute(ex)
}

// execute drives ex through its attempts until it reaches a final state.
func (s *System) execute(ex *execution) {
	defer s.wg.Done()
	defer s.finish(ex)

	for {
		retry, delay := s.runAttempt(ex)
		if !retry {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ex.ctx.Done():
			timer.Stop()
			s.logger.Info("retry abandoned", "task_id", ex.task.ID, "attempt", ex.task.Attempt())
			return
		}

		if err := ex.task.ResetToPending(); err != nil {
			s.logger.Error("failed to reset task for retry", "task_id", ex.task.ID, "error", err)
			ex.setErr(err)
			return
		}
	}
}

func (s *System) finish(ex *execution) {
	if ex.admitted {
		s.admission.DecrementQueueSize()
	}
	ex.finish()

	s.counters.active.Add(-1)
	s.hooks.RecordGauge(observability.TasksActive, float64(s.counters.active.Load()), nil)
	s.hooks.IncrementCounter(observability.TasksFinished, 1,
		map[string]string{"status": string(ex.task.Status())})

	if s.cfg.Stream.Retention == 0 {
		s.mu.Lock()
		s.untrackLocked(ex)
		s.mu.Unlock()
	}
}

// runAttempt executes one attempt and reports whether to retry after delay.
func (s *System) runAttempt(ex *execution) (bool, time.Duration) {
	task := ex.task

	if err := s.slots.Acquire(ex.ctx, task); err != nil {
		s.cancelBeforeStart(ex, err)
		return false, 0
	}
	defer s.slots.Release(task)

	if err := task.Start(); err != nil {
		s.logger.Error("failed to start task", "task_id", task.ID, "error", err)
		ex.setErr(err)
		return false, 0
	}
	ex.heartbeatDue(time.Now(), 0)
	if err := s.publish(ex, domain.NewTaskEvent(task, domain.EventTypeStart), false); err != nil {
		ex.setErr(err)
		return false, 0
	}
	s.counters.started.Add(1)
	s.hooks.IncrementCounter(observability.TasksStarted, 1, map[string]string{"name": task.Name})
	s.logger.Debug("task started", "task_id", task.ID, "attempt", task.Attempt())

	return s.settle(ex, s.invoke(ex))
}

// cancelBeforeStart ends a task that never got a slot.
func (s *System) cancelBeforeStart(ex *execution, cause error) {
	task := ex.task
	message := ex.reasonForCancel()
	var slotErr *domain.SlotTimeoutError
	if errors.As(cause, &slotErr) {
		message = slotErr.Error()
	}
	if message == "" {
		message = "cancelled before start"
	}

	if err := task.Cancel(); err != nil {
		s.logger.Error("failed to cancel task", "task_id", task.ID, "error", err)
		ex.setErr(err)
		return
	}
	ev := domain.NewTaskEvent(task, domain.EventTypeCancelled)
	ev.Message = message
	if err := s.publish(ex, ev, false); err != nil {
		ex.setErr(err)
		return
	}
	s.counters.cancelled.Add(1)
	s.logger.Info("task cancelled before start", "task_id", task.ID, "reason", message)
}

// invoke runs the handler and relays its events until it ends, times out or
// is aborted.
func (s *System) invoke(ex *execution) attemptResult {
	task := ex.task
	hctx, cancel := ex.ctx, context.CancelFunc(func() {})
	if timeout := task.ExecutionOptions.Timeout(); timeout > 0 {
		hctx, cancel = context.WithTimeoutCause(ex.ctx, timeout, errTaskTimeout)
	}
	defer cancel()

	events := make(chan domain.EventInput)
	handlerDone := make(chan error, 1)
	tc := TaskContext{
		TaskID:         task.ID,
		Name:           task.Name,
		IdempotencyKey: task.IdempotencyKey,
		UserID:         task.UserID,
		Attempt:        task.Attempt(),
		Input:          task.Input,
		Logger:         s.logger.With("task_id", task.ID, "name", task.Name),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				handlerDone <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		handlerDone <- ex.tmpl.handler(hctx, tc, events)
	}()

	heartbeat := time.NewTicker(s.cfg.Executor.HeartbeatInterval)
	defer heartbeat.Stop()

	var terminal *domain.EventInput
	var abortTimer <-chan time.Time
	ctxDone := hctx.Done()

	for {
		select {
		case in := <-events:
			if terminal != nil {
				s.logger.Debug("event after terminal event ignored", "task_id", task.ID, "type", in.Type)
				continue
			}
			if in.Type.IsTerminal() {
				terminal = &in
				continue
			}
			if err := s.relay(ex, in); err != nil {
				go drain(events, handlerDone)
				ex.requestCancel("event log write failed")
				return attemptResult{kind: resultFailed, err: err}
			}
		case err := <-handlerDone:
			return s.classify(ex, hctx, terminal, err)
		case <-heartbeat.C:
			s.heartbeat(ex)
		case <-ctxDone:
			ctxDone = nil
			abortTimer = time.After(s.cfg.Executor.AbortTimeout)
		case <-abortTimer:
			s.logger.Warn("handler ignored cancellation", "task_id", task.ID,
				"abort_timeout", s.cfg.Executor.AbortTimeout)
			go drain(events, handlerDone)
			return s.classify(ex, hctx, terminal, nil)
		}
	}
}

// drain discards events from a handler that outlived its attempt.
func drain(events <-chan domain.EventInput, done <-chan error) {
	for {
		select {
		case <-events:
		case <-done:
			return
		}
	}
}

func (s *System) classify(ex *execution, hctx context.Context, terminal *domain.EventInput, handlerErr error) attemptResult {
	if terminal != nil {
		switch terminal.Type {
		case domain.EventTypeComplete:
			result, err := marshalOptional(terminal.Result)
			if err != nil {
				return attemptResult{kind: resultFailed,
					err: domain.NewValidationError("result", fmt.Sprintf("result is not JSON serializable: %v", err))}
			}
			return attemptResult{kind: resultComplete, result: result}
		case domain.EventTypeError:
			err := terminal.Err
			if err == nil {
				err = errors.New("task failed")
			}
			return attemptResult{kind: resultFailed, err: err}
		default:
			return attemptResult{kind: resultCancelled, message: terminal.Message}
		}
	}

	if ex.ctx.Err() != nil {
		reason := ex.reasonForCancel()
		if reason == "" {
			reason = "aborted"
		}
		return attemptResult{kind: resultCancelled, message: reason}
	}
	if errors.Is(context.Cause(hctx), errTaskTimeout) {
		return attemptResult{kind: resultFailed,
			err: fmt.Errorf("%w after %s", errTaskTimeout, ex.task.ExecutionOptions.Timeout())}
	}
	if handlerErr != nil {
		return attemptResult{kind: resultFailed, err: handlerErr}
	}
	return attemptResult{kind: resultComplete}
}

// settle applies the attempt result to the task and records it.
func (s *System) settle(ex *execution, res attemptResult) (bool, time.Duration) {
	task := ex.task
	switch res.kind {
	case resultComplete:
		if err := task.Complete(res.result); err != nil {
			ex.setErr(err)
			return false, 0
		}
		ev := domain.NewTaskEvent(task, domain.EventTypeComplete)
		ev.Result = res.result
		if err := s.publish(ex, ev, false); err != nil {
			ex.setErr(err)
			return false, 0
		}
		s.counters.completed.Add(1)
		s.logger.Info("task completed", "task_id", task.ID, "name", task.Name, "attempt", task.Attempt())
		return false, 0

	case resultCancelled:
		if err := task.Cancel(); err != nil {
			ex.setErr(err)
			return false, 0
		}
		ev := domain.NewTaskEvent(task, domain.EventTypeCancelled)
		ev.Message = res.message
		if err := s.publish(ex, ev, false); err != nil {
			ex.setErr(err)
			return false, 0
		}
		s.counters.cancelled.Add(1)
		s.logger.Info("task cancelled", "task_id", task.ID, "reason", res.message)
		return false, 0
	}

	message := res.err.Error()
	if err := task.Fail(message); err != nil {
		ex.setErr(err)
		return false, 0
	}
	ev := domain.NewTaskEvent(task, domain.EventTypeError)
	ev.Error = message
	if err := s.publish(ex, ev, false); err != nil {
		ex.setErr(err)
		return false, 0
	}

	attempt := task.Attempt()
	maxRetries := task.ExecutionOptions.Retries()
	retryable := domain.IsRetryableError(res.err)
	if retryable && attempt <= maxRetries && ex.ctx.Err() == nil && s.Status() == StatusRunning {
		delay := s.cfg.Executor.RetryBaseDelay * time.Duration(attempt*attempt)
		retry := domain.NewTaskEvent(task, domain.EventTypeRetry)
		retry.Error = message
		retry.NextRetryDelayMs = delay.Milliseconds()
		ex.deliver(retry)
		s.counters.retried.Add(1)
		s.logger.Warn("task attempt failed, retrying",
			"task_id", task.ID, "attempt", attempt, "max_retries", maxRetries,
			"delay", delay, "error", message)
		return true, delay
	}

	s.counters.failed.Add(1)
	if ex.ctx.Err() != nil || s.Status() != StatusRunning {
		s.logger.Warn("task failed during shutdown or cancellation", "task_id", task.ID, "error", message)
		return false, 0
	}

	reason := "retries_exhausted"
	if !retryable {
		reason = "non_retryable_error"
	}
	s.dlq.AddRetried(task, reason,
		domain.NewRetryExhaustedError(task.ID, attempt, maxRetries+1, res.err), ex.deadLetterRetries)
	s.counters.deadLettered.Add(1)
	s.logger.Error("task failed", "task_id", task.ID, "name", task.Name,
		"attempt", attempt, "reason", reason, "error", message)
	return false, 0
}

// relay persists and streams a non-terminal handler event.
func (s *System) relay(ex *execution, in domain.EventInput) error {
	switch in.Type {
	case domain.EventTypeHeartbeat:
		return s.heartbeat(ex)
	case domain.EventTypeProgress, domain.EventTypeCustom:
	default:
		s.logger.Warn("handler emitted a reserved event type", "task_id", ex.task.ID, "type", in.Type)
		return nil
	}

	payload, err := marshalOptional(in.Payload)
	if err != nil {
		s.logger.Warn("dropping event with unserializable payload",
			"task_id", ex.task.ID, "type", in.Type, "error", err)
		return nil
	}
	ev := domain.NewTaskEvent(ex.task, in.Type)
	ev.Message = in.Message
	ev.EventName = in.EventName
	ev.Payload = payload
	return s.publish(ex, ev, false)
}

// heartbeat records liveness, dropping beats closer than the configured
// minimum interval.
func (s *System) heartbeat(ex *execution) error {
	now := time.Now()
	if !ex.heartbeatDue(now, s.cfg.Executor.MinHeartbeatInterval) {
		return nil
	}
	ex.task.RecordHeartbeat(now)
	ev := domain.NewTaskEvent(ex.task, domain.EventTypeHeartbeat)
	ev.Timestamp = now
	return s.publish(ex, ev, false)
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(t) {
			return nil, errors.New("invalid JSON")
		}
		return t, nil
	}
	return json.Marshal(v)
}
