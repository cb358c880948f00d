package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tracelight/tracelight/internal/db/instrument"
	"github.com/tracelight/tracelight/internal/sessionerror/domain"
)

type PostgresRepository struct {
	db instrument.Querier
}

// NewPostgresRepository returns a session error repository that uses the
// given querier for persistence.
func NewPostgresRepository(db instrument.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) querier(ctx context.Context) instrument.Querier {
	return instrument.FromContext(ctx, r.db)
}

// Create persists the error event. The event must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.SessionError) error {
	_, err := r.querier(ctx).ExecContext(ctx, `
		INSERT INTO replay_session_errors
			(id, session_id, ts, source, message, stack, fingerprint, extra_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, nullString(e.SessionID), e.Ts, e.Source,
		nullString(e.Message), nullString(e.Stack), nullString(e.Fingerprint),
		nullString(e.ExtraJSON), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session error: %w", err)
	}
	return nil
}

// ListBySession returns the session's error events ordered by event time.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.SessionError, error) {
	rows, err := r.querier(ctx).QueryContext(ctx, `
		SELECT id, session_id, ts, source, message, stack, fingerprint, extra_json, created_at
		FROM replay_session_errors
		WHERE session_id = $1
		ORDER BY ts ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session errors: %w", err)
	}
	defer rows.Close()

	var out []*domain.SessionError
	for rows.Next() {
		var (
			e                          domain.SessionError
			sid, msg, stack, fp, extra sql.NullString
		)
		if err := rows.Scan(&e.ID, &sid, &e.Ts, &e.Source, &msg, &stack, &fp, &extra, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session error: %w", err)
		}
		e.SessionID = sid.String
		e.Message = msg.String
		e.Stack = stack.String
		e.Fingerprint = fp.String
		e.ExtraJSON = extra.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session errors: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
