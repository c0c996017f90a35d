package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mtlprog/taskflow/internal/domain"
)

// taskColumns is the shared list of columns for task queries.
var taskColumns = []string{
	"id", "name", "idempotency_key", "user_id", "status", "attempt",
	"input", "result", "error", "execution_options",
	"created_at", "started_at", "completed_at", "last_heartbeat_at",
}

// scanTask scans a single row into a TaskSnapshot.
func scanTask(row rowScanner) (*domain.TaskSnapshot, error) {
	var (
		task                                  domain.TaskSnapshot
		status                                string
		input, result, errMsg, options        *string
		createdAt                             int64
		startedAt, completedAt, lastHeartbeat *int64
	)
	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.IdempotencyKey,
		&task.UserID,
		&status,
		&task.Attempt,
		&input,
		&result,
		&errMsg,
		&options,
		&createdAt,
		&startedAt,
		&completedAt,
		&lastHeartbeat,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Input = rawJSON(input)
	task.Result = rawJSON(result)
	if errMsg != nil {
		task.Error = *errMsg
	}
	if options != nil && *options != "" {
		if err := json.Unmarshal([]byte(*options), &task.ExecutionOptions); err != nil {
			return nil, fmt.Errorf("decode execution options of task %s: %w", task.ID, err)
		}
	}
	task.CreatedAt = time.UnixMilli(createdAt)
	task.StartedAt = msTime(startedAt)
	task.CompletedAt = msTime(completedAt)
	task.LastHeartbeatAt = msTime(lastHeartbeat)
	return &task, nil
}

// scanTasks scans multiple rows into snapshots.
func scanTasks(rows rowIterator) ([]domain.TaskSnapshot, error) {
	defer rows.Close()

	var tasks []domain.TaskSnapshot
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return tasks, nil
}

func (s *Store) findOne(ctx context.Context, where sq.Sqlizer, label string) (*domain.TaskSnapshot, error) {
	query, args, err := s.conn.Builder().
		Select(taskColumns...).
		From("tasks").
		Where(where).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", label, err)
	}

	task, err := scanTask(s.conn.QueryRow(ctx, query, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return task, nil
}

// FindByID retrieves a task by ID.
func (s *Store) FindByID(ctx context.Context, taskID string) (*domain.TaskSnapshot, error) {
	return s.findOne(ctx, sq.Eq{"id": taskID}, "find task by id")
}

// FindByIdempotencyKey retrieves the most recent task with the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*domain.TaskSnapshot, error) {
	return s.findOne(ctx, sq.Eq{"idempotency_key": key}, "find task by idempotency key")
}

// FindStaleTasks returns running tasks without a heartbeat for threshold.
func (s *Store) FindStaleTasks(ctx context.Context, threshold time.Duration) ([]domain.TaskSnapshot, error) {
	cutoff := time.Now().Add(-threshold).UnixMilli()

	query, args, err := s.conn.Builder().
		Select(taskColumns...).
		From("tasks").
		Where(sq.Eq{"status": string(domain.TaskStatusRunning)}).
		Where(sq.Or{
			sq.Lt{"last_heartbeat_at": cutoff},
			sq.Eq{"last_heartbeat_at": nil},
		}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale tasks query: %w", err)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	return scanTasks(rows)
}

func rawJSON(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func msTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
