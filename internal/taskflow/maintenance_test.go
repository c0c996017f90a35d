package taskflow_test

import (
	"context"
	"fmt"
	"time"

	"github.com/mtlprog/taskflow/internal/taskflow"
)

func (s *SystemTestSuite) TestMaintainEventLog_CompactsFlushedFiles() {
	s.cfg.EventLog.MaxFileBytes = 1024
	tmpl := s.start(taskflow.TaskDefinition{Name: "report", Handler: completeWith("ok")})[0]
	ctx := context.Background()

	for i := range 10 {
		h, err := tmpl.Run(ctx, taskflow.RunParams{Input: fmt.Sprintf("run-%d", i)})
		s.Require().NoError(err)
		s.wait(h)
	}
	s.Eventually(func() bool {
		st := s.sys.Stats()
		return st.Flush.LastFlushedSeq == st.EventLog.CurrentSeq
	}, 5*time.Second, 10*time.Millisecond)

	results, err := s.sys.MaintainEventLog()
	s.Require().NoError(err)
	s.NotEmpty(results)
	s.Positive(s.sys.Stats().EventLog.RotatedFiles)

	// compacted files are not rewritten again
	again, err := s.sys.MaintainEventLog()
	s.Require().NoError(err)
	s.Empty(again)
}

func (s *SystemTestSuite) TestRetention_ZeroForgetsFinishedTasks() {
	s.cfg.Stream.Retention = 0
	tmpl := s.start(taskflow.TaskDefinition{Name: "report", Handler: completeWith("ok")})[0]

	h, err := tmpl.Run(context.Background(), taskflow.RunParams{})
	s.Require().NoError(err)
	s.wait(h)

	s.Eventually(func() bool {
		_, ok := s.sys.Handle(h.ID())
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	// still readable from the repository
	s.eventuallyPersisted(h.ID(), "completed")
	snap, err := s.sys.Task(context.Background(), h.ID())
	s.Require().NoError(err)
	s.Equal(h.ID(), snap.ID)
}
