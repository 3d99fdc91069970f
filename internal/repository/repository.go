// Package repository provides durable storage for audit events.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// DefaultQueryLimit caps queries that do not set a limit.
const DefaultQueryLimit = 100

// MaxQueryLimit is the largest limit honoured by QueryEvents.
const MaxQueryLimit = 1000

// AuditRepository defines the interface for audit event storage
type AuditRepository interface {
	// AppendEvents stores a batch. Events already stored (same ID) are ignored.
	AppendEvents(ctx context.Context, events []model.AuditEvent) error
	// QueryEvents returns matching events, newest first.
	QueryEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// New opens the audit backend selected by cfg.Audit.Backend.
func New(ctx context.Context, cfg *config.Config) (AuditRepository, error) {
	switch cfg.Audit.Backend {
	case "postgres":
		return NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString(), cfg.Database.Postgres.MaxConns)
	case "opensearch":
		repo, err := NewOpenSearchRepository(cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	case "memory", "":
		return NewMemoryRepository(0), nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

// Migrate applies the SQL migrations in dir to the database at connString.
func Migrate(dir, connString string) error {
	m, err := migrate.New("file://"+dir, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func queryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}
