package analytics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/workwell/model"
)

// Schema creates the table used by PgSink.
const Schema = `
CREATE TABLE IF NOT EXISTS collection_completions (
	id             UUID PRIMARY KEY,
	name           TEXT        NOT NULL,
	subject_id     TEXT        NOT NULL,
	collection_url TEXT        NOT NULL,
	engagement_url TEXT        NOT NULL UNIQUE,
	category       TEXT        NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS collection_completions_subject
	ON collection_completions (subject_id, occurred_at DESC);
`

const defaultLimit = 100

// PgSink is a PostgreSQL-backed Sink using pgx/v5.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PgSink on an existing pool.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// EnsureSchema creates the completions table when it is missing.
func (s *PgSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create completions schema: %w", err)
	}
	return nil
}

// Record inserts e. The unique engagement_url column makes repeated
// completions of one engagement a no-op.
func (s *PgSink) Record(ctx context.Context, e Event) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO collection_completions (
			id, name, subject_id, collection_url, engagement_url, category, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (engagement_url) DO NOTHING`,
		e.ID, e.Name, e.SubjectID, e.CollectionURL, e.EngagementURL, string(e.Category), e.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert completion event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Completions lists the subject's events, newest first.
func (s *PgSink) Completions(ctx context.Context, subjectID string, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, subject_id, collection_url, engagement_url, category, occurred_at
		FROM collection_completions
		WHERE subject_id = $1 AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		ORDER BY occurred_at DESC
		LIMIT $3`,
		subjectID, nullTime(f), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query completion events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var category string
		if err := rows.Scan(&e.ID, &e.Name, &e.SubjectID, &e.CollectionURL, &e.EngagementURL, &category, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan completion event: %w", err)
		}
		e.Category = model.CollectionCategory(category)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completion events: %w", err)
	}
	return out, nil
}

// HealthCheck pings the database.
func (s *PgSink) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullTime(f Filter) any {
	if f.Since.IsZero() {
		return nil
	}
	return f.Since
}
