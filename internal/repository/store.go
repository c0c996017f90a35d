package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/taskflow/internal/database"
)

// Store implements Repository on top of a SQL connector.
// The same statements serve SQLite and PostgreSQL; only placeholders differ.
type Store struct {
	conn   connector
	logger *slog.Logger
}

var _ Repository = (*Store)(nil)

func newStore(conn connector, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default().With("component", "repository")
	}
	return &Store{
		conn:   conn,
		logger: logger.With("dialect", conn.Dialect()),
	}
}

// NewSQLite opens the embedded single-process store at path.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := database.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	conn := &sqliteConnector{stdQuerier: stdQuerier{q: db}, db: db}
	return newStore(conn, logger), nil
}

// NewPostgres connects a pool to databaseURL. The store owns the pool.
func NewPostgres(ctx context.Context, databaseURL string, poolCfg database.PoolConfig, logger *slog.Logger) (*Store, error) {
	db, err := database.New(ctx, databaseURL, poolCfg)
	if err != nil {
		return nil, err
	}
	return newStore(&pgConnector{pool: db.Pool(), close: db.Close}, logger), nil
}

// NewPostgresFromPool wraps an existing pool. Close leaves the pool open.
func NewPostgresFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return newStore(&pgConnector{pool: pool}, logger)
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() database.Dialect { return s.conn.Dialect() }

// Initialize applies pending migrations.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.conn.Migrate(ctx); err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	return nil
}

// HealthCheck pings the backend.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("repository health check: %w", err)
	}
	return nil
}

// Close releases the backend connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close repository: %w", err)
	}
	return nil
}
