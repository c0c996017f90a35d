package taskflow_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

func countType(events []domain.TaskEvent, typ domain.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *SystemTestSuite) TestRetries_ThenDeadLetter() {
	var calls atomic.Int32
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "flaky",
		Handler: func(_ context.Context, tc taskflow.TaskContext, _ chan<- domain.EventInput) error {
			calls.Add(1)
			return errors.New("connection reset by peer")
		},
		DefaultOptions: domain.ExecutionOptions{MaxRetries: 2},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{Input: "x"})
	s.Require().NoError(err)

	snap := s.wait(h)
	s.Equal(domain.TaskStatusFailed, snap.Status)
	s.Equal(3, snap.Attempt)
	s.Equal(int32(3), calls.Load())
	s.Equal("connection reset by peer", snap.Error)

	history := h.History()
	s.Equal(3, countType(history, domain.EventTypeStart))
	s.Equal(3, countType(history, domain.EventTypeError))
	s.Equal(2, countType(history, domain.EventTypeRetry))

	letters := s.sys.DeadLetters()
	s.Require().Len(letters, 1)
	s.Equal(h.Task().IdempotencyKey, letters[0].Key)
	s.Equal("retries_exhausted", letters[0].Reason)
	s.Contains(letters[0].Error, "after 3 of 3 attempts")

	st := s.sys.Stats().Tasks
	s.Equal(int64(2), st.Retried)
	s.Equal(int64(1), st.Failed)
	s.Equal(int64(1), st.DeadLettered)

	// the key stays blocked while it is dead-lettered
	_, err = tmpl.Run(context.Background(), taskflow.RunParams{Input: "x"})
	var vErr *domain.ValidationError
	s.Require().True(errors.As(err, &vErr))
	s.Equal("idempotencyKey", vErr.Field)
}

func (s *SystemTestSuite) TestNonRetryableError_SkipsRetries() {
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "strict",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			events <- domain.Failed(domain.NewValidationError("input", "invalid order"))
			return nil
		},
		DefaultOptions: domain.ExecutionOptions{MaxRetries: 5},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)

	snap := s.wait(h)
	s.Equal(domain.TaskStatusFailed, snap.Status)
	s.Equal(1, snap.Attempt)
	s.Zero(countType(h.History(), domain.EventTypeRetry))

	entry, ok := s.sys.DeadLetter(snap.IdempotencyKey)
	s.Require().True(ok)
	s.Equal("non_retryable_error", entry.Reason)
}

func (s *SystemTestSuite) TestNoRetries() {
	var calls atomic.Int32
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "once",
		Handler: func(context.Context, taskflow.TaskContext, chan<- domain.EventInput) error {
			calls.Add(1)
			return errors.New("service unavailable")
		},
		DefaultOptions: domain.ExecutionOptions{MaxRetries: domain.NoRetries},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	s.Equal(domain.TaskStatusFailed, s.wait(h).Status)
	s.Equal(int32(1), calls.Load())
}

func (s *SystemTestSuite) TestRetry_SucceedsOnLaterAttempt() {
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "eventually",
		Handler: func(_ context.Context, tc taskflow.TaskContext, events chan<- domain.EventInput) error {
			if tc.Attempt < 2 {
				return errors.New("temporary failure")
			}
			events <- domain.Complete(tc.Attempt)
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)

	snap := s.wait(h)
	s.Equal(domain.TaskStatusCompleted, snap.Status)
	s.Equal(2, snap.Attempt)
	s.JSONEq(`2`, string(snap.Result))
	s.Empty(snap.Error)
	s.Empty(s.sys.DeadLetters())

	var retry domain.TaskEvent
	for _, ev := range h.History() {
		if ev.Type == domain.EventTypeRetry {
			retry = ev
		}
	}
	s.Equal(int64(1), retry.NextRetryDelayMs)
}

func (s *SystemTestSuite) TestHandlerPanic_FailsTask() {
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "panics",
		Handler: func(context.Context, taskflow.TaskContext, chan<- domain.EventInput) error {
			panic("nil map")
		},
		DefaultOptions: domain.ExecutionOptions{MaxRetries: domain.NoRetries},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	snap := s.wait(h)
	s.Equal(domain.TaskStatusFailed, snap.Status)
	s.Contains(snap.Error, "handler panic: nil map")
}

func (s *SystemTestSuite) TestTimeout_FailsTask() {
	tmpl := s.start(taskflow.TaskDefinition{
		Name:           "slow",
		Handler:        blockUntilCancelled,
		DefaultOptions: domain.ExecutionOptions{TimeoutMs: 50, MaxRetries: domain.NoRetries},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	snap := s.wait(h)
	s.Equal(domain.TaskStatusFailed, snap.Status)
	s.Contains(snap.Error, "timed out after 50ms")
}

func (s *SystemTestSuite) TestCancel_RunningTask() {
	tmpl := s.start(taskflow.TaskDefinition{Name: "forever", Handler: blockUntilCancelled})[0]
	ctx := context.Background()

	h, err := tmpl.Run(ctx, taskflow.RunParams{})
	s.Require().NoError(err)
	s.Eventually(func() bool { return h.Task().Status == domain.TaskStatusRunning },
		2*time.Second, 5*time.Millisecond)

	s.Require().NoError(h.Cancel(ctx))
	snap := s.wait(h)
	s.Equal(domain.TaskStatusCancelled, snap.Status)

	history := h.History()
	s.Equal("cancelled by request", history[len(history)-1].Message)
	s.Empty(s.sys.DeadLetters())

	var stateErr *domain.TaskStateError
	s.True(errors.As(h.Cancel(ctx), &stateErr))

	var notFound *domain.NotFoundError
	s.True(errors.As(s.sys.Cancel(ctx, "missing"), &notFound))
	s.eventuallyPersisted(h.ID(), domain.TaskStatusCancelled)
}

func (s *SystemTestSuite) TestCancel_ByHandler() {
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "gives-up",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			events <- domain.Cancelled("nothing to do")
			// ignored: the attempt already has its terminal event
			events <- domain.Complete("late")
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	snap := s.wait(h)
	s.Equal(domain.TaskStatusCancelled, snap.Status)
	s.Empty(snap.Result)
}

func (s *SystemTestSuite) TestSlotTimeout_CancelsQueuedTask() {
	s.cfg.Slots.MaxGlobal = 1
	s.cfg.Slots.MaxPerUser = 1
	s.cfg.Slots.SlotTimeout = 50 * time.Millisecond
	tmpl := s.start(taskflow.TaskDefinition{Name: "forever", Handler: blockUntilCancelled})[0]
	ctx := context.Background()

	first, err := tmpl.Run(ctx, taskflow.RunParams{Input: 1})
	s.Require().NoError(err)
	s.Eventually(func() bool { return first.Task().Status == domain.TaskStatusRunning },
		2*time.Second, 5*time.Millisecond)

	second, err := tmpl.Run(ctx, taskflow.RunParams{Input: 2})
	s.Require().NoError(err)
	snap := s.wait(second)
	s.Equal(domain.TaskStatusCancelled, snap.Status)
	s.Nil(snap.StartedAt)

	history := second.History()
	last := history[len(history)-1]
	s.Equal(domain.EventTypeCancelled, last.Type)
	s.True(strings.Contains(last.Message, "waiting for an execution slot"), last.Message)
	s.Equal(int64(1), s.sys.Stats().Slots.TotalTimeouts)
}

func (s *SystemTestSuite) TestCancel_QueuedTask() {
	s.cfg.Slots.MaxGlobal = 1
	s.cfg.Slots.MaxPerUser = 1
	tmpl := s.start(taskflow.TaskDefinition{Name: "forever", Handler: blockUntilCancelled})[0]
	ctx := context.Background()

	first, err := tmpl.Run(ctx, taskflow.RunParams{Input: 1})
	s.Require().NoError(err)
	s.Eventually(func() bool { return first.Task().Status == domain.TaskStatusRunning },
		2*time.Second, 5*time.Millisecond)

	queued, err := tmpl.Run(ctx, taskflow.RunParams{Input: 2})
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.sys.Stats().Slots.Waiting == 1 },
		2*time.Second, 5*time.Millisecond)

	s.Require().NoError(queued.Cancel(ctx))
	snap := s.wait(queued)
	s.Equal(domain.TaskStatusCancelled, snap.Status)
	s.Zero(countType(queued.History(), domain.EventTypeStart))
}

func (s *SystemTestSuite) TestTemplateConcurrencyLimit() {
	var running, peak atomic.Int32
	release := make(chan struct{})
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "serial",
		Handler: func(ctx context.Context, _ taskflow.TaskContext, _ chan<- domain.EventInput) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		DefaultOptions: domain.ExecutionOptions{MaxConcurrentExecutions: 1},
	})[0]

	var handles []*taskflow.TaskHandle
	for i := range 3 {
		h, err := tmpl.Run(context.Background(), taskflow.RunParams{Input: i})
		s.Require().NoError(err)
		handles = append(handles, h)
	}
	s.Eventually(func() bool { return s.sys.Stats().Slots.Waiting == 2 },
		2*time.Second, 5*time.Millisecond)

	close(release)
	for _, h := range handles {
		s.Equal(domain.TaskStatusCompleted, s.wait(h).Status)
	}
	s.Equal(int32(1), peak.Load())
}

func (s *SystemTestSuite) TestHeartbeats_BoundedByMinInterval() {
	s.cfg.Executor.MinHeartbeatInterval = time.Hour
	release := make(chan struct{})
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "beats",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			<-release
			for range 5 {
				events <- domain.Heartbeat()
			}
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	sub := h.Subscribe(context.Background(), "")
	close(release)

	beats := 0
	for ev := range sub.Events() {
		if ev.Type == domain.EventTypeHeartbeat {
			beats++
		}
	}
	s.Zero(beats)
	s.Zero(countType(h.History(), domain.EventTypeHeartbeat))
}

func (s *SystemTestSuite) TestHeartbeats_DeliveredLiveOnly() {
	s.cfg.Executor.MinHeartbeatInterval = 0
	release := make(chan struct{})
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "beats",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			<-release
			for range 5 {
				events <- domain.Heartbeat()
			}
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	sub := h.Subscribe(context.Background(), "")
	close(release)

	beats := 0
	for ev := range sub.Events() {
		if ev.Type == domain.EventTypeHeartbeat {
			beats++
		}
	}
	s.Equal(5, beats)
	s.Zero(countType(h.History(), domain.EventTypeHeartbeat))
	s.NotNil(h.Task().LastHeartbeatAt)
}
