package repository

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/mtlprog/taskflow/internal/domain"
)

// ExecuteBatch applies entries in order inside one transaction.
//
// TASK_CREATED inserts the task row. TASK_START and the terminal types update
// status and terminal fields. TASK_HEARTBEAT only refreshes last_heartbeat_at.
// Every type except heartbeat also appends a task_events row with the next
// per-task seq; the unique wal_seq makes a re-drained entry a no-op.
func (s *Store) ExecuteBatch(ctx context.Context, entries []domain.EventLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	err := s.conn.InTx(ctx, func(q querier) error {
		for i := range entries {
			if err := s.applyEntry(ctx, q, &entries[i]); err != nil {
				return fmt.Errorf("apply entry seq %d (%s): %w", entries[i].Seq, entries[i].Type, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("execute batch of %d entries: %w", len(entries), err)
	}

	s.logger.Debug("batch applied",
		"entries", len(entries),
		"first_seq", entries[0].Seq,
		"last_seq", entries[len(entries)-1].Seq,
	)
	return nil
}

func (s *Store) applyEntry(ctx context.Context, q querier, e *domain.EventLogEntry) error {
	switch e.Type {
	case domain.EntryTaskCreated:
		if err := s.insertTask(ctx, q, e); err != nil {
			return err
		}
	case domain.EntryTaskStart:
		if err := s.updateTask(ctx, q, e.TaskID, map[string]any{
			"status":            string(domain.TaskStatusRunning),
			"attempt":           attemptOf(e),
			"started_at":        e.Timestamp,
			"last_heartbeat_at": e.Timestamp,
			"completed_at":      nil,
			"result":            nil,
			"error":             nil,
		}, e.Timestamp); err != nil {
			return err
		}
	case domain.EntryTaskComplete:
		if err := s.updateTask(ctx, q, e.TaskID, map[string]any{
			"status":       string(domain.TaskStatusCompleted),
			"result":       nullableJSON(e.Result),
			"completed_at": e.Timestamp,
		}, e.Timestamp); err != nil {
			return err
		}
	case domain.EntryTaskError:
		if err := s.updateTask(ctx, q, e.TaskID, map[string]any{
			"status":       string(domain.TaskStatusFailed),
			"error":        e.Error,
			"completed_at": e.Timestamp,
		}, e.Timestamp); err != nil {
			return err
		}
	case domain.EntryTaskCancelled:
		if err := s.updateTask(ctx, q, e.TaskID, map[string]any{
			"status":       string(domain.TaskStatusCancelled),
			"completed_at": e.Timestamp,
		}, e.Timestamp); err != nil {
			return err
		}
	case domain.EntryTaskHeartbeat:
		return s.updateTask(ctx, q, e.TaskID, map[string]any{
			"last_heartbeat_at": e.Timestamp,
		}, e.Timestamp)
	case domain.EntryTaskProgress, domain.EntryTaskCustom:
	default:
		return fmt.Errorf("unknown entry type %q", e.Type)
	}

	if !domain.ShouldStoreInTaskEvents(e.Type) {
		return nil
	}
	return s.insertEvent(ctx, q, e)
}

func attemptOf(e *domain.EventLogEntry) int {
	if e.Attempt < 1 {
		return 1
	}
	return e.Attempt
}

func (s *Store) insertTask(ctx context.Context, q querier, e *domain.EventLogEntry) error {
	var options *string
	if e.ExecutionOptions != nil {
		b, err := json.Marshal(e.ExecutionOptions)
		if err != nil {
			return fmt.Errorf("encode execution options: %w", err)
		}
		options = nullableJSON(b)
	}

	taskType := e.TaskType
	if taskType == "" {
		taskType = domain.TaskTypeBackground
		if e.UserID != nil {
			taskType = domain.TaskTypeUser
		}
	}

	query, args, err := s.conn.Builder().
		Insert("tasks").
		Columns(
			"id", "name", "idempotency_key", "user_id", "task_type", "status", "attempt",
			"input", "execution_options", "created_at", "updated_at",
		).
		Values(
			e.TaskID, e.Name, e.IdempotencyKey, e.UserID, string(taskType),
			string(domain.TaskStatusCreated), attemptOf(e),
			nullableJSON(e.Input), options, e.Timestamp, e.Timestamp,
		).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert task query: %w", err)
	}

	if err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert task %s: %w", e.TaskID, err)
	}
	return nil
}

func (s *Store) updateTask(ctx context.Context, q querier, taskID string, set map[string]any, ts int64) error {
	set["updated_at"] = ts

	query, args, err := s.conn.Builder().
		Update("tasks").
		SetMap(set).
		Where(sq.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update task query: %w", err)
	}

	if err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, q querier, e *domain.EventLogEntry) error {
	seqQuery, seqArgs, err := s.conn.Builder().
		Select("COALESCE(MAX(seq), 0)").
		From("task_events").
		Where(sq.Eq{"task_id": e.TaskID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build event seq query: %w", err)
	}

	var last int64
	if err := q.QueryRow(ctx, seqQuery, seqArgs...).Scan(&last); err != nil {
		return fmt.Errorf("next event seq for task %s: %w", e.TaskID, err)
	}

	id := e.EventID
	if id == "" {
		id = uuid.NewString()
	}
	var message, eventName *string
	if e.Message != "" {
		message = &e.Message
	}
	if e.EventName != "" {
		eventName = &e.EventName
	}

	query, args, err := s.conn.Builder().
		Insert("task_events").
		Columns(
			"id", "task_id", "seq", "wal_seq", "type", "event_name", "message",
			"payload", "result", "error", "attempt", "created_at",
		).
		Values(
			id, e.TaskID, last+1, e.Seq, string(e.Type), eventName, message,
			nullableJSON(e.Payload), nullableJSON(e.Result), e.Error, attemptOf(e), e.Timestamp,
		).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert event query: %w", err)
	}

	if err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert event for task %s: %w", e.TaskID, err)
	}
	return nil
}
