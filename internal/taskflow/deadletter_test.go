package taskflow_test

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mtlprog/taskflow/internal/dlq"
	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

// failFirst fails with a non-retryable error until healed is set.
func failFirst(healed *atomic.Bool) taskflow.TaskDefinition {
	return taskflow.TaskDefinition{
		Name: "billing",
		Handler: func(_ context.Context, tc taskflow.TaskContext, events chan<- domain.EventInput) error {
			if !healed.Load() {
				return domain.NewValidationError("account", "invalid account")
			}
			events <- domain.Complete(tc.Attempt)
			return nil
		},
	}
}

func (s *SystemTestSuite) TestRetryDeadLetter() {
	var healed atomic.Bool
	tmpl := s.start(failFirst(&healed))[0]
	ctx := context.Background()

	var seen []dlq.EventType
	unsubscribe := s.sys.OnDeadLetterEvent(func(ev dlq.Event) { seen = append(seen, ev.Type) })
	defer unsubscribe()

	h, err := tmpl.Run(ctx, taskflow.RunParams{Input: "acct-1"})
	s.Require().NoError(err)
	s.Equal(domain.TaskStatusFailed, s.wait(h).Status)
	key := h.Task().IdempotencyKey

	healed.Store(true)
	retried, err := s.sys.RetryDeadLetter(ctx, key)
	s.Require().NoError(err)
	s.Equal(h.ID(), retried.ID())

	snap := s.wait(retried)
	s.Equal(domain.TaskStatusCompleted, snap.Status)
	s.Equal(2, snap.Attempt)
	s.Equal(domain.EventTypeRetry, retried.History()[0].Type)
	s.Empty(s.sys.DeadLetters())
	s.Equal([]dlq.EventType{dlq.EventAdded, dlq.EventRetried}, seen)
	s.eventuallyPersisted(h.ID(), domain.TaskStatusCompleted)

	// the key is free again
	_, err = tmpl.Run(ctx, taskflow.RunParams{Input: "acct-1"})
	s.NoError(err)
}

func (s *SystemTestSuite) TestRetryDeadLetter_CountCarriesOver() {
	s.cfg.DLQ.MaxRetries = 1
	var healed atomic.Bool
	tmpl := s.start(failFirst(&healed))[0]
	ctx := context.Background()

	h, err := tmpl.Run(ctx, taskflow.RunParams{Input: "acct-2"})
	s.Require().NoError(err)
	s.wait(h)
	key := h.Task().IdempotencyKey

	retried, err := s.sys.RetryDeadLetter(ctx, key)
	s.Require().NoError(err)
	s.Equal(domain.TaskStatusFailed, s.wait(retried).Status)

	entry, ok := s.sys.DeadLetter(key)
	s.Require().True(ok)
	s.Equal(1, entry.RetryCount)

	_, err = s.sys.RetryDeadLetter(ctx, key)
	var exhausted *domain.RetryExhaustedError
	s.Require().True(errors.As(err, &exhausted))
	s.True(s.sys.Stats().DLQ.Size == 1)
	s.Zero(s.sys.Stats().Backpressure.QueueSize)
}

func (s *SystemTestSuite) TestRetryDeadLetter_Errors() {
	var healed atomic.Bool
	s.start(failFirst(&healed))
	ctx := context.Background()

	_, err := s.sys.RetryDeadLetter(ctx, "missing")
	var notFound *domain.NotFoundError
	s.True(errors.As(err, &notFound))
	s.True(errors.As(s.sys.RemoveDeadLetter("missing"), &notFound))
}

func (s *SystemTestSuite) TestRetryAllAndRemoveDeadLetters() {
	var healed atomic.Bool
	tmpl := s.start(failFirst(&healed))[0]
	ctx := context.Background()

	var keys []string
	for _, acct := range []string{"a", "b", "c"} {
		h, err := tmpl.Run(ctx, taskflow.RunParams{Input: acct})
		s.Require().NoError(err)
		s.wait(h)
		keys = append(keys, h.Task().IdempotencyKey)
	}
	s.Require().Len(s.sys.DeadLetters(), 3)

	s.Require().NoError(s.sys.RemoveDeadLetter(keys[0]))
	healed.Store(true)

	handles, err := s.sys.RetryAllDeadLetters(ctx)
	s.Require().NoError(err)
	s.Len(handles, 2)
	for _, h := range handles {
		s.Equal(domain.TaskStatusCompleted, s.wait(h).Status)
	}
	s.Empty(s.sys.DeadLetters())
}
