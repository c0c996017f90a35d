package repository

import (
	"context"
	"fmt"

	"github.com/mtlprog/taskflow/internal/domain"
)

// CountByStatus returns the number of materialized tasks per status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	query, args, err := s.conn.Builder().
		Select("status", "COUNT(*)").
		From("tasks").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}
