package repository

import "context"

// Truncate empties both tables of a Store between tests.
func Truncate(ctx context.Context, repo Repository) error {
	s := repo.(*Store)
	return s.conn.InTx(ctx, func(q querier) error {
		if err := q.Exec(ctx, "DELETE FROM task_events"); err != nil {
			return err
		}
		return q.Exec(ctx, "DELETE FROM tasks")
	})
}
