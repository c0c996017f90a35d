package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/taskflow/internal/database"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type rowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier runs statements either directly or inside a transaction.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) rowScanner
	Query(ctx context.Context, query string, args ...any) (rowIterator, error)
}

// connector is the backend-specific half of a store.
type connector interface {
	querier
	InTx(ctx context.Context, fn func(q querier) error) error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	Builder() sq.StatementBuilderType
	Dialect() database.Dialect
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// --- postgres ---

type pgConnector struct {
	pool  *pgxpool.Pool
	close func()
}

func (c *pgConnector) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.pool.Exec(ctx, query, args...)
	return err
}

func (c *pgConnector) QueryRow(ctx context.Context, query string, args ...any) rowScanner {
	return c.pool.QueryRow(ctx, query, args...)
}

func (c *pgConnector) Query(ctx context.Context, query string, args ...any) (rowIterator, error) {
	return c.pool.Query(ctx, query, args...)
}

func (c *pgConnector) InTx(ctx context.Context, fn func(q querier) error) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
}

func (c *pgConnector) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

func (c *pgConnector) Migrate(ctx context.Context) error {
	return database.RunPostgresMigrations(ctx, c.pool)
}

func (c *pgConnector) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}

func (c *pgConnector) Builder() sq.StatementBuilderType { return psql }

func (c *pgConnector) Dialect() database.Dialect { return database.DialectPostgres }

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}

func (t pgTx) QueryRow(ctx context.Context, query string, args ...any) rowScanner {
	return t.tx.QueryRow(ctx, query, args...)
}

func (t pgTx) Query(ctx context.Context, query string, args ...any) (rowIterator, error) {
	return t.tx.Query(ctx, query, args...)
}

// --- database/sql (sqlite) ---

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type stdQuerier struct {
	q sqlQuerier
}

func (s stdQuerier) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.q.ExecContext(ctx, query, args...)
	return err
}

func (s stdQuerier) QueryRow(ctx context.Context, query string, args ...any) rowScanner {
	return s.q.QueryRowContext(ctx, query, args...)
}

func (s stdQuerier) Query(ctx context.Context, query string, args ...any) (rowIterator, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{Rows: rows}, nil
}

type sqliteConnector struct {
	stdQuerier
	db *sql.DB
}

func (c *sqliteConnector) InTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(stdQuerier{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (c *sqliteConnector) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqliteConnector) Migrate(ctx context.Context) error {
	return database.RunMigrations(ctx, c.db, database.DialectSQLite)
}

func (c *sqliteConnector) Close() error { return c.db.Close() }

func (c *sqliteConnector) Builder() sq.StatementBuilderType { return sqlite }

func (c *sqliteConnector) Dialect() database.Dialect { return database.DialectSQLite }
