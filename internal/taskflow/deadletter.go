package taskflow

import (
	"context"
	"errors"

	"github.com/mtlprog/taskflow/internal/dlq"
	"github.com/mtlprog/taskflow/internal/domain"
)

// DeadLetters lists the dead-letter queue, oldest first.
func (s *System) DeadLetters() []dlq.Entry { return s.dlq.List() }

// DeadLetter returns one dead-letter entry.
func (s *System) DeadLetter(key string) (dlq.Entry, bool) { return s.dlq.Get(key) }

// RemoveDeadLetter drops an entry without retrying it.
func (s *System) RemoveDeadLetter(key string) error {
	if !s.dlq.Remove(key) {
		return domain.NewNotFoundError("dead letter entry", key)
	}
	return nil
}

// OnDeadLetterEvent subscribes fn to dead-letter queue events.
func (s *System) OnDeadLetterEvent(fn func(dlq.Event)) func() { return s.dlq.OnEvent(fn) }

// RetryDeadLetter takes the task under key out of the dead-letter queue and
// runs it again as a new attempt. The retry goes through admission control
// like a fresh run.
func (s *System) RetryDeadLetter(ctx context.Context, key string) (*TaskHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := s.dlq.Get(key)
	if !ok {
		return nil, domain.NewNotFoundError("dead letter entry", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusRunning:
	case StatusCreated:
		return nil, domain.NewInitializationError("taskflow", domain.ErrNotInitialized)
	default:
		return nil, domain.NewShuttingDownError()
	}

	tmpl := s.templates[entry.Task.Name]
	if tmpl == nil {
		return nil, domain.NewNotFoundError("template", entry.Task.Name)
	}

	if err := s.admission.Accept(domain.RestoreTask(entry.Task), false); err != nil {
		return nil, err
	}
	task, err := s.dlq.Retry(key)
	if err != nil {
		s.admission.DecrementQueueSize()
		return nil, err
	}

	ex := newExecution(s.rootCtx, task, tmpl, true, s.cfg.Stream)
	ex.deadLetterRetries = entry.RetryCount + 1
	retry := domain.NewTaskEvent(task, domain.EventTypeRetry)
	retry.Message = "retried from dead letter queue"
	ex.deliver(retry)

	s.trackLocked(ex)
	s.launch(ex)
	s.counters.retried.Add(1)

	s.logger.Info("dead letter retried",
		"task_id", task.ID,
		"idempotency_key", key,
		"attempt", task.Attempt(),
	)
	return &TaskHandle{sys: s, ex: ex}, nil
}

// RetryAllDeadLetters retries every entry, oldest first. Entries that cannot
// be retried stay queued and their errors are joined.
func (s *System) RetryAllDeadLetters(ctx context.Context) ([]*TaskHandle, error) {
	var handles []*TaskHandle
	var errs []error
	for _, entry := range s.dlq.List() {
		h, err := s.RetryDeadLetter(ctx, entry.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}
