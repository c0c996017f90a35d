package taskflow_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/repository"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

func resumable() taskflow.TaskDefinition {
	return taskflow.TaskDefinition{
		Name: "resumable",
		Handler: func(_ context.Context, tc taskflow.TaskContext, events chan<- domain.EventInput) error {
			events <- domain.Complete(map[string]int{"attempt": tc.Attempt})
			return nil
		},
	}
}

// seed writes entries for a task left behind by a crashed process straight
// into the database.
func (s *SystemTestSuite) seed(entries ...domain.EventLogEntry) {
	ctx := context.Background()
	repo, err := repository.NewSQLite(ctx, s.dbPath, discard)
	s.Require().NoError(err)
	defer repo.Close()
	s.Require().NoError(repo.Initialize(ctx))
	s.Require().NoError(repo.ExecuteBatch(ctx, entries))
}

var seedSeq int64 = 1000

func seedEntry(taskID, name, key string, typ domain.EntryType, at time.Time) domain.EventLogEntry {
	seedSeq++
	e := domain.EventLogEntry{
		Seq:            seedSeq,
		Timestamp:      at.UnixMilli(),
		TaskID:         taskID,
		Type:           typ,
		Name:           name,
		IdempotencyKey: key,
		TaskType:       domain.TaskTypeBackground,
		EventID:        uuid.NewString(),
		Attempt:        1,
	}
	if typ == domain.EntryTaskCreated {
		e.Input = json.RawMessage(`{}`)
		e.ExecutionOptions = &domain.ExecutionOptions{MaxRetries: 1}
	}
	return e
}

func (s *SystemTestSuite) TestRecover_AfterRestart() {
	ctx := context.Background()
	input := map[string]string{"month": "jan"}

	tmpl := s.start(resumable())[0]
	h, err := tmpl.Run(ctx, taskflow.RunParams{Input: input})
	s.Require().NoError(err)
	s.Equal(domain.TaskStatusCompleted, s.wait(h).Status)
	seq := s.sys.Stats().EventLog.CurrentSeq
	s.shutdown(taskflow.ShutdownOptions{})

	tmpl = s.start(resumable())[0]
	s.Equal(seq, s.sys.Stats().EventLog.CurrentSeq, "sequence continues across restarts")

	recovered, err := tmpl.Recover(ctx, taskflow.RecoverParams{Input: input})
	s.Require().NoError(err)
	s.Require().NotNil(recovered)
	s.Equal(h.ID(), recovered.ID())

	snap := recovered.Task()
	s.Equal(domain.TaskStatusCompleted, snap.Status)
	s.JSONEq(`{"attempt":1}`, string(snap.Result))
	s.Equal([]domain.EventType{
		domain.EventTypeCreated, domain.EventTypeStart, domain.EventTypeComplete, domain.EventTypeRecovered,
	}, eventTypes(recovered.History()))

	select {
	case <-recovered.Done():
	default:
		s.Fail("a recovered finished task is done")
	}

	again, err := tmpl.Recover(ctx, taskflow.RecoverParams{Input: input})
	s.Require().NoError(err)
	s.Equal(recovered.ID(), again.ID())

	missing, err := tmpl.Recover(ctx, taskflow.RecoverParams{Input: "never ran"})
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *SystemTestSuite) TestRecover_ResumesUnstartedTask() {
	key := domain.DeriveIdempotencyKey("resumable", nil, nil, "order-9")
	id := uuid.NewString()
	s.seed(seedEntry(id, "resumable", key, domain.EntryTaskCreated, time.Now()))

	tmpl := s.start(resumable())[0]
	h, err := tmpl.Recover(context.Background(), taskflow.RecoverParams{IdempotencyKey: "order-9"})
	s.Require().NoError(err)
	s.Require().NotNil(h)
	s.Equal(id, h.ID())

	snap := s.wait(h)
	s.Equal(domain.TaskStatusCompleted, snap.Status)
	s.Equal(1, snap.Attempt)
	s.eventuallyPersisted(id, domain.TaskStatusCompleted)
}

func (s *SystemTestSuite) TestRecoverStaleTasks_OnStart() {
	old := time.Now().Add(-2 * time.Minute)
	orphan := uuid.NewString()
	retired := uuid.NewString()
	s.seed(
		seedEntry(orphan, "resumable", "k-orphan", domain.EntryTaskCreated, old),
		seedEntry(orphan, "resumable", "k-orphan", domain.EntryTaskStart, old),
		seedEntry(retired, "retired", "k-retired", domain.EntryTaskCreated, old),
		seedEntry(retired, "retired", "k-retired", domain.EntryTaskStart, old),
	)

	s.start(resumable())

	h, ok := s.sys.Handle(orphan)
	s.Require().True(ok, "stale task is resumed during start")
	snap := s.wait(h)
	s.Equal(domain.TaskStatusCompleted, snap.Status)
	s.Equal(2, snap.Attempt)
	s.JSONEq(`{"attempt":2}`, string(snap.Result))
	s.Contains(eventTypes(h.History()), domain.EventTypeRecovered)

	gone, ok := s.sys.Handle(retired)
	s.Require().True(ok)
	gSnap := s.wait(gone)
	s.Equal(domain.TaskStatusFailed, gSnap.Status)
	s.Contains(gSnap.Error, `no handler registered for task "retired"`)

	s.Equal(int64(1), s.sys.Stats().Tasks.Recovered)

	s.eventuallyPersisted(orphan, domain.TaskStatusCompleted)
	s.eventuallyPersisted(retired, domain.TaskStatusFailed)

	n, err := s.sys.RecoverStaleTasks(context.Background())
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SystemTestSuite) TestRecoverStaleTasks_Disabled() {
	s.cfg.Recovery.Enabled = false
	old := time.Now().Add(-2 * time.Minute)
	orphan := uuid.NewString()
	s.seed(
		seedEntry(orphan, "resumable", "k-orphan", domain.EntryTaskCreated, old),
		seedEntry(orphan, "resumable", "k-orphan", domain.EntryTaskStart, old),
	)

	s.start(resumable())
	_, ok := s.sys.Handle(orphan)
	s.False(ok)
}
