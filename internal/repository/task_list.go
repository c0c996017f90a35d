package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mtlprog/taskflow/internal/domain"
)

// ListTasks retrieves tasks with filters and pagination, newest first.
func (s *Store) ListTasks(ctx context.Context, filter ListFilter) ([]domain.TaskSnapshot, error) {
	qb := s.conn.Builder().Select(taskColumns...).From("tasks")

	// Apply status filter
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		qb = qb.Where(sq.Eq{"status": statuses})
	}

	if filter.Name != "" {
		qb = qb.Where(sq.Eq{"name": filter.Name})
	}
	if filter.UserID != nil {
		qb = qb.Where(sq.Eq{"user_id": *filter.UserID})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query, args, err := qb.
		OrderBy("created_at DESC", "id ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}
