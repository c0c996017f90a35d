package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mtlprog/taskflow/internal/domain"
)

// GetEvents retrieves the event history of a task ordered by per-task seq.
func (s *Store) GetEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	query, args, err := s.conn.Builder().
		Select(
			"e.id", "e.task_id", "t.name", "t.idempotency_key", "t.user_id", "t.task_type",
			"e.type", "e.event_name", "e.message", "e.payload", "e.result", "e.error",
			"e.attempt", "e.created_at",
		).
		From("task_events e").
		Join("tasks t ON t.id = e.task_id").
		Where(sq.Eq{"e.task_id": taskID}).
		OrderBy("e.seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var (
			event                                    domain.TaskEvent
			taskType, entryType                      string
			eventName, message, payload, result, msg *string
			createdAt                                int64
		)
		err := rows.Scan(
			&event.ID,
			&event.TaskID,
			&event.Name,
			&event.IdempotencyKey,
			&event.UserID,
			&taskType,
			&entryType,
			&eventName,
			&message,
			&payload,
			&result,
			&msg,
			&event.Attempt,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}

		typ, ok := domain.ToEventType(domain.EntryType(entryType))
		if !ok {
			s.logger.Warn("skipping event with unknown type", "task_id", taskID, "type", entryType)
			continue
		}
		event.Type = typ
		event.TaskType = domain.TaskType(taskType)
		event.Timestamp = time.UnixMilli(createdAt)
		event.Payload = rawJSON(payload)
		event.Result = rawJSON(result)
		if eventName != nil {
			event.EventName = *eventName
		}
		if message != nil {
			event.Message = *message
		}
		if msg != nil {
			event.Error = *msg
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}
