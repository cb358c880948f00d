package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracelight/tracelight/internal/chunk/domain"
	"github.com/tracelight/tracelight/internal/db/instrument"
)

type PostgresRepository struct {
	db instrument.Querier
}

// NewPostgresRepository returns a chunk index repository that uses the given
// querier for persistence.
func NewPostgresRepository(db instrument.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) querier(ctx context.Context) instrument.Querier {
	return instrument.FromContext(ctx, r.db)
}

// Upsert inserts the chunk row, replacing an earlier row for the same
// (session_id, seq).
func (r *PostgresRepository) Upsert(ctx context.Context, c *domain.Chunk) error {
	_, err := r.querier(ctx).ExecContext(ctx, `
		INSERT INTO replay_session_chunks (session_id, seq, blob_key, size_bytes, sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, seq) DO UPDATE SET
			blob_key = EXCLUDED.blob_key,
			size_bytes = EXCLUDED.size_bytes,
			sha256 = EXCLUDED.sha256,
			created_at = EXCLUDED.created_at`,
		c.SessionID, c.Seq, c.BlobKey, c.SizeBytes, nullString(c.SHA256), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return nil
}

// ListBySession returns the session's chunk rows ordered by seq.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.Chunk, error) {
	rows, err := r.querier(ctx).QueryContext(ctx, `
		SELECT session_id, seq, blob_key, size_bytes, sha256, created_at
		FROM replay_session_chunks
		WHERE session_id = $1
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return out, nil
}

// Get returns the chunk row for (sessionID, seq), or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, sessionID string, seq int) (*domain.Chunk, error) {
	row := r.querier(ctx).QueryRowContext(ctx, `
		SELECT session_id, seq, blob_key, size_bytes, sha256, created_at
		FROM replay_session_chunks
		WHERE session_id = $1 AND seq = $2`, sessionID, seq)
	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(row scanner) (*domain.Chunk, error) {
	var (
		c      domain.Chunk
		sha256 sql.NullString
	)
	if err := row.Scan(&c.SessionID, &c.Seq, &c.BlobKey, &c.SizeBytes, &sha256, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.SHA256 = sha256.String
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
