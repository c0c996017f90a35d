// Package repository is the queryable projection of the event log.
// Tasks and their event history are materialized into SQL tables by
// applying WAL entries in batches; the WAL stays the source of truth.
package repository

import (
	"context"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
)

// Repository is implemented by every storage backend.
// Lookups return (nil, nil) when nothing matches.
type Repository interface {
	// Initialize applies schema migrations. It is safe to call repeatedly.
	Initialize(ctx context.Context) error
	// ExecuteBatch applies WAL entries in one transaction. Re-applying
	// entries that were already applied is a no-op.
	ExecuteBatch(ctx context.Context, entries []domain.EventLogEntry) error
	FindByID(ctx context.Context, taskID string) (*domain.TaskSnapshot, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.TaskSnapshot, error)
	// FindStaleTasks returns running tasks whose last heartbeat is older than threshold.
	FindStaleTasks(ctx context.Context, threshold time.Duration) ([]domain.TaskSnapshot, error)
	// GetEvents returns the task's event history ordered by per-task seq.
	GetEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error)
	ListTasks(ctx context.Context, filter ListFilter) ([]domain.TaskSnapshot, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ListFilter narrows ListTasks. Zero fields do not filter.
type ListFilter struct {
	Statuses []domain.TaskStatus
	Name     string
	UserID   *string
	Limit    int
	Offset   int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)
