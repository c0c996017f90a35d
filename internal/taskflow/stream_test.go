package taskflow_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

func collect(sub *taskflow.Subscription) []domain.TaskEvent {
	var out []domain.TaskEvent
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func (s *SystemTestSuite) TestSubscribe_ReplaysAfterLastEventID() {
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "steps",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			for i := 1; i <= 5; i++ {
				events <- domain.Progress(fmt.Sprintf("step %d", i), nil)
			}
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	s.wait(h)

	all := collect(h.Subscribe(context.Background(), ""))
	s.Require().Len(all, 8)
	s.Equal(domain.EventTypeCreated, all[0].Type)
	s.Equal(domain.EventTypeComplete, all[7].Type)

	// resume after "step 1"
	rest := collect(h.Subscribe(context.Background(), all[2].ID))
	s.Require().Len(rest, 5)
	s.Equal("step 2", rest[0].Message)

	// an unknown id replays everything
	s.Len(collect(h.Subscribe(context.Background(), "gone")), 8)
}

func (s *SystemTestSuite) TestSubscribe_ReplayBoundedByBufferSize() {
	s.cfg.Stream.BufferSize = 3
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "steps",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			for i := 1; i <= 5; i++ {
				events <- domain.Progress(fmt.Sprintf("step %d", i), nil)
			}
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	s.wait(h)

	events := collect(h.Subscribe(context.Background(), ""))
	s.Equal([]domain.EventType{
		domain.EventTypeProgress, domain.EventTypeProgress, domain.EventTypeComplete,
	}, eventTypes(events))
	s.Equal("step 4", events[0].Message)
}

func (s *SystemTestSuite) TestSubscribe_LiveEvents() {
	release := make(chan struct{})
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "live",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			<-release
			events <- domain.Progress("working", map[string]int{"pct": 50})
			events <- domain.Complete("done")
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	sub := h.Subscribe(context.Background(), "")
	close(release)

	events := collect(sub)
	s.Require().NoError(sub.Err())
	s.Equal(domain.EventTypeProgress, events[len(events)-2].Type)
	s.JSONEq(`{"pct":50}`, string(events[len(events)-2].Payload))
	s.Equal(domain.EventTypeComplete, events[len(events)-1].Type)
}

func (s *SystemTestSuite) TestSubscribe_SlowSubscriberOverflows() {
	s.cfg.Stream.SubscriberBuffer = 1
	release := make(chan struct{})
	tmpl := s.start(taskflow.TaskDefinition{
		Name: "chatty",
		Handler: func(_ context.Context, _ taskflow.TaskContext, events chan<- domain.EventInput) error {
			<-release
			for i := range 10 {
				events <- domain.Progress(fmt.Sprintf("step %d", i), nil)
			}
			return nil
		},
	})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	slow := h.Subscribe(context.Background(), "")
	close(release)
	s.wait(h)

	got := collect(slow)
	s.Less(len(got), 13)
	var overflow *domain.StreamOverflowError
	s.True(errors.As(slow.Err(), &overflow))

	// other subscribers and the task itself are unaffected
	s.Equal(domain.TaskStatusCompleted, h.Task().Status)
	s.Len(h.History(), 13)
}

func (s *SystemTestSuite) TestSubscribe_ContextCancelCloses() {
	tmpl := s.start(taskflow.TaskDefinition{Name: "forever", Handler: blockUntilCancelled})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	sub := h.Subscribe(ctx, "")
	cancel()
	collect(sub)
	s.NoError(sub.Err())

	sub = h.Subscribe(context.Background(), "")
	sub.Close()
	sub.Close()
	collect(sub)
}
