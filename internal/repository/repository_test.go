package repository_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/mtlprog/taskflow/internal/database"
	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/repository"
)

// RepositoryTestSuite runs the same contract against every backend.
type RepositoryTestSuite struct {
	suite.Suite
	open  func(ctx context.Context) repository.Repository
	reset func(ctx context.Context, repo repository.Repository)

	repo repository.Repository
	seq  int64
}

func (s *RepositoryTestSuite) SetupTest() {
	ctx := context.Background()
	s.repo = s.open(ctx)
	s.Require().NoError(s.repo.Initialize(ctx))
	if s.reset != nil {
		s.reset(ctx, s.repo)
	}
	s.seq = 0
}

func (s *RepositoryTestSuite) TearDownTest() {
	s.Require().NoError(s.repo.Close())
}

// entry builds the next WAL entry for taskID.
func (s *RepositoryTestSuite) entry(taskID string, typ domain.EntryType, at time.Time) domain.EventLogEntry {
	s.seq++
	return domain.EventLogEntry{
		Seq:            s.seq,
		Timestamp:      at.UnixMilli(),
		TaskID:         taskID,
		Type:           typ,
		Name:           "report",
		IdempotencyKey: "key-" + taskID,
		TaskType:       domain.TaskTypeBackground,
		EventID:        uuid.NewString(),
		Attempt:        1,
	}
}

func (s *RepositoryTestSuite) created(taskID string, at time.Time) domain.EventLogEntry {
	e := s.entry(taskID, domain.EntryTaskCreated, at)
	e.Input = json.RawMessage(`{"month":"2024-01"}`)
	e.ExecutionOptions = &domain.ExecutionOptions{MaxRetries: 2, TimeoutMs: 5000}
	return e
}

func (s *RepositoryTestSuite) TestInitializeIsIdempotent() {
	s.NoError(s.repo.Initialize(context.Background()))
	s.NoError(s.repo.HealthCheck(context.Background()))
}

func (s *RepositoryTestSuite) TestEmptyBatch() {
	s.NoError(s.repo.ExecuteBatch(context.Background(), nil))
}

func (s *RepositoryTestSuite) TestLifecycleProjection() {
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now()

	progress := s.entry(id, domain.EntryTaskProgress, now)
	progress.Message = "half way"
	progress.Payload = json.RawMessage(`{"pct":50}`)
	complete := s.entry(id, domain.EntryTaskComplete, now)
	complete.Result = json.RawMessage(`{"rows":10}`)

	batch := []domain.EventLogEntry{
		s.created(id, now),
		s.entry(id, domain.EntryTaskStart, now),
		progress,
		s.entry(id, domain.EntryTaskHeartbeat, now.Add(time.Second)),
		complete,
	}
	s.Require().NoError(s.repo.ExecuteBatch(ctx, batch))

	task, err := s.repo.FindByID(ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(task)
	s.Equal(domain.TaskStatusCompleted, task.Status)
	s.JSONEq(`{"rows":10}`, string(task.Result))
	s.JSONEq(`{"month":"2024-01"}`, string(task.Input))
	s.Equal(2, task.ExecutionOptions.MaxRetries)
	s.Require().NotNil(task.StartedAt)
	s.Require().NotNil(task.CompletedAt)
	s.Require().NotNil(task.LastHeartbeatAt)

	events, err := s.repo.GetEvents(ctx, id)
	s.Require().NoError(err)
	s.Require().Len(events, 4, "heartbeats are not part of the history")
	s.Equal(domain.EventTypeCreated, events[0].Type)
	s.Equal(domain.EventTypeStart, events[1].Type)
	s.Equal(domain.EventTypeProgress, events[2].Type)
	s.Equal("half way", events[2].Message)
	s.JSONEq(`{"pct":50}`, string(events[2].Payload))
	s.Equal(domain.EventTypeComplete, events[3].Type)
	s.Equal("report", events[3].Name)
	s.Equal(batch[4].EventID, events[3].ID)

	// re-drain after a crash between apply and progress save
	s.Require().NoError(s.repo.ExecuteBatch(ctx, batch))
	events, err = s.repo.GetEvents(ctx, id)
	s.Require().NoError(err)
	s.Len(events, 4)
}

func (s *RepositoryTestSuite) TestErrorAndCancel() {
	ctx := context.Background()
	failed := uuid.NewString()
	cancelled := uuid.NewString()
	now := time.Now()

	errEntry := s.entry(failed, domain.EntryTaskError, now)
	msg := "upstream unavailable"
	errEntry.Error = &msg

	s.Require().NoError(s.repo.ExecuteBatch(ctx, []domain.EventLogEntry{
		s.created(failed, now),
		s.entry(failed, domain.EntryTaskStart, now),
		errEntry,
		s.created(cancelled, now),
		s.entry(cancelled, domain.EntryTaskCancelled, now),
	}))

	task, err := s.repo.FindByID(ctx, failed)
	s.Require().NoError(err)
	s.Equal(domain.TaskStatusFailed, task.Status)
	s.Equal(msg, task.Error)

	events, err := s.repo.GetEvents(ctx, failed)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(msg, events[2].Error)

	task, err = s.repo.FindByID(ctx, cancelled)
	s.Require().NoError(err)
	s.Equal(domain.TaskStatusCancelled, task.Status)

	counts, err := s.repo.CountByStatus(ctx)
	s.Require().NoError(err)
	s.Equal(1, counts[domain.TaskStatusFailed])
	s.Equal(1, counts[domain.TaskStatusCancelled])
}

func (s *RepositoryTestSuite) TestLookupsReturnNilWhenAbsent() {
	ctx := context.Background()

	task, err := s.repo.FindByID(ctx, uuid.NewString())
	s.NoError(err)
	s.Nil(task)

	task, err = s.repo.FindByIdempotencyKey(ctx, "missing")
	s.NoError(err)
	s.Nil(task)

	events, err := s.repo.GetEvents(ctx, uuid.NewString())
	s.NoError(err)
	s.Empty(events)
}

func (s *RepositoryTestSuite) TestFindByIdempotencyKeyReturnsLatest() {
	ctx := context.Background()
	older := uuid.NewString()
	newer := uuid.NewString()
	now := time.Now()

	first := s.created(older, now.Add(-time.Minute))
	first.IdempotencyKey = "shared"
	second := s.created(newer, now)
	second.IdempotencyKey = "shared"
	s.Require().NoError(s.repo.ExecuteBatch(ctx, []domain.EventLogEntry{first, second}))

	task, err := s.repo.FindByIdempotencyKey(ctx, "shared")
	s.Require().NoError(err)
	s.Require().NotNil(task)
	s.Equal(newer, task.ID)
}

func (s *RepositoryTestSuite) TestFindStaleTasks() {
	ctx := context.Background()
	stale := uuid.NewString()
	fresh := uuid.NewString()
	done := uuid.NewString()
	old := time.Now().Add(-time.Hour)
	now := time.Now()

	s.Require().NoError(s.repo.ExecuteBatch(ctx, []domain.EventLogEntry{
		s.created(stale, old),
		s.entry(stale, domain.EntryTaskStart, old),
		s.created(fresh, old),
		s.entry(fresh, domain.EntryTaskStart, old),
		s.entry(fresh, domain.EntryTaskHeartbeat, now),
		s.created(done, old),
		s.entry(done, domain.EntryTaskStart, old),
		s.entry(done, domain.EntryTaskComplete, old),
	}))

	tasks, err := s.repo.FindStaleTasks(ctx, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.Equal(stale, tasks[0].ID)
	s.Equal(domain.TaskStatusRunning, tasks[0].Status)
}

func (s *RepositoryTestSuite) TestListTasks() {
	ctx := context.Background()
	now := time.Now()
	user := "u1"

	var batch []domain.EventLogEntry
	for i := 0; i < 3; i++ {
		e := s.created(uuid.NewString(), now.Add(time.Duration(i)*time.Second))
		if i == 0 {
			e.UserID = &user
			e.TaskType = domain.TaskTypeUser
		}
		batch = append(batch, e)
	}
	batch = append(batch, s.entry(batch[2].TaskID, domain.EntryTaskStart, now))
	s.Require().NoError(s.repo.ExecuteBatch(ctx, batch))

	all, err := s.repo.ListTasks(ctx, repository.ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal(batch[2].TaskID, all[0].ID, "newest first")

	running, err := s.repo.ListTasks(ctx, repository.ListFilter{Statuses: []domain.TaskStatus{domain.TaskStatusRunning}})
	s.Require().NoError(err)
	s.Require().Len(running, 1)

	mine, err := s.repo.ListTasks(ctx, repository.ListFilter{UserID: &user})
	s.Require().NoError(err)
	s.Require().Len(mine, 1)
	s.Equal(domain.TaskTypeUser, mine[0].TaskType())

	page, err := s.repo.ListTasks(ctx, repository.ListFilter{Limit: 1, Offset: 1})
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal(batch[1].TaskID, page[0].ID)
}

func TestSQLiteRepository(t *testing.T) {
	dir := t.TempDir()
	n := 0
	suite.Run(t, &RepositoryTestSuite{
		open: func(ctx context.Context) repository.Repository {
			n++
			path := filepath.Join(dir, "db", uuid.NewString()+".sqlite")
			store, err := repository.NewSQLite(ctx, path, nil)
			if err != nil {
				t.Fatalf("open sqlite store %d: %v", n, err)
			}
			return store
		},
	})
}

func TestPostgresRepository(t *testing.T) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	suite.Run(t, &RepositoryTestSuite{
		open: func(ctx context.Context) repository.Repository {
			store, err := repository.NewPostgres(ctx, databaseURL, database.PoolConfig{}, nil)
			if err != nil {
				t.Fatalf("connect postgres: %v", err)
			}
			return store
		},
		reset: func(ctx context.Context, repo repository.Repository) {
			if err := repository.Truncate(ctx, repo); err != nil {
				t.Fatalf("truncate: %v", err)
			}
		},
	})
}
