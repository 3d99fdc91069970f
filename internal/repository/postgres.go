package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// PostgresRepository implements AuditRepository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string, maxConns int32) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

const insertEventSQL = `
	INSERT INTO audit_events (id, occurred_at, event_type, actor_key, user_id, ip_address,
		endpoint, method, risk_level, result, metadata, signature)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`

// AppendEvents inserts the batch in a single round trip.
func (r *PostgresRepository) AppendEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for event %s: %w", ev.ID, err)
		}
		if ev.Metadata == nil {
			meta = []byte("{}")
		}
		batch.Queue(insertEventSQL,
			ev.ID, ev.Timestamp, ev.EventType, ev.ActorKey, ev.UserID, ev.IPAddress,
			ev.Endpoint, ev.Method, string(ev.RiskLevel), ev.Result, meta, ev.Signature)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert audit events: %w", err)
	}
	return nil
}

// QueryEvents returns matching events, newest first.
func (r *PostgresRepository) QueryEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	query, args := buildEventQuery(filter)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			ev   model.AuditEvent
			risk string
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &ev.ActorKey, &ev.UserID,
			&ev.IPAddress, &ev.Endpoint, &ev.Method, &risk, &ev.Result, &meta, &ev.Signature); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.RiskLevel = model.Severity(risk)
		ev.Timestamp = ev.Timestamp.UTC()
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

func buildEventQuery(filter model.AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.ActorKey != "" {
		add("actor_key = $%d", filter.ActorKey)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.RiskLevel != "" {
		add("risk_level = $%d", string(filter.RiskLevel))
	}
	if filter.From != nil {
		add("occurred_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("occurred_at <= $%d", *filter.To)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id::text, occurred_at, event_type, actor_key, user_id, ip_address,
		endpoint, method, risk_level, result, metadata, signature
		FROM audit_events`)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, queryLimit(filter.Limit))
	fmt.Fprintf(&sb, " ORDER BY occurred_at DESC LIMIT $%d", len(args))
	return sb.String(), args
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
