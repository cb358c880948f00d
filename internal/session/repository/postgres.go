package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tracelight/tracelight/internal/db/instrument"
	"github.com/tracelight/tracelight/internal/session/domain"
)

const maxListLimit = 500

type PostgresRepository struct {
	db instrument.Querier
}

// NewPostgresRepository returns a session repository that uses the given
// querier for persistence. Per-request instrumented queriers installed via
// instrument.NewContext take precedence over db.
func NewPostgresRepository(db instrument.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) querier(ctx context.Context) instrument.Querier {
	return instrument.FromContext(ctx, r.db)
}

const sessionColumns = `session_id, user_id, user_email, started_at, ended_at,
	initial_url, last_url, user_agent, country, edge_location, journey_id,
	build_version_id, build_version_tag, build_version_timestamp,
	replay_start_ts_ms, replay_last_ts_ms, has_error, capture_blocked,
	capture_blocked_reason, error_count, chunk_count, policy_version,
	retention_expires_at, created_at, updated_at`

// Create persists the session. The session must have SessionID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.querier(ctx).ExecContext(ctx, `
		INSERT INTO replay_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		s.SessionID, s.UserID, nullString(s.UserEmail), s.StartedAt, nullTime(s.EndedAt),
		nullString(s.InitialURL), nullString(s.LastURL), nullString(s.UserAgent),
		nullString(s.Country), nullString(s.EdgeLocation), nullString(s.JourneyID),
		nullString(s.BuildVersionID), nullString(s.BuildVersionTag), nullString(s.BuildVersionTimestamp),
		nullInt64(s.ReplayStartTsMs), nullInt64(s.ReplayLastTsMs), s.HasError, s.CaptureBlocked,
		nullString(s.CaptureBlockedReason), s.ErrorCount, s.ChunkCount, s.PolicyVersion,
		s.RetentionExpiresAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByID returns the session for sessionID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := r.querier(ctx).QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM replay_sessions WHERE session_id = $1`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// List returns sessions matching the filter, newest first. A URL query matches
// initial_url or last_url as a substring with LIKE metacharacters escaped.
func (r *PostgresRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.Session, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.HasError != nil {
		where = append(where, "has_error = "+arg(*f.HasError))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		p := "%" + escapeLike(q) + "%"
		n := arg(p)
		where = append(where, fmt.Sprintf("(initial_url LIKE %s ESCAPE '\\' OR last_url LIKE %s ESCAPE '\\')", n, n))
	}
	if f.From != nil {
		where = append(where, "started_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "started_at <= "+arg(*f.To))
	}

	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + sessionColumns + " FROM replay_sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := r.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// RecordChunk bumps chunk_count atomically and widens the stored replay ts
// bounds. A write for a missing session affects zero rows and is not an error.
func (r *PostgresRepository) RecordChunk(ctx context.Context, sessionID string, startTs, lastTs *int64, at time.Time) error {
	_, err := r.querier(ctx).ExecContext(ctx, `
		UPDATE replay_sessions SET
			chunk_count = chunk_count + 1,
			replay_start_ts_ms = CASE
				WHEN $2::BIGINT IS NULL THEN replay_start_ts_ms
				WHEN replay_start_ts_ms IS NULL THEN $2
				ELSE LEAST(replay_start_ts_ms, $2)
			END,
			replay_last_ts_ms = CASE
				WHEN $3::BIGINT IS NULL THEN replay_last_ts_ms
				WHEN replay_last_ts_ms IS NULL THEN $3
				ELSE GREATEST(replay_last_ts_ms, $3)
			END,
			updated_at = $4
		WHERE session_id = $1`,
		sessionID, nullInt64(startTs), nullInt64(lastTs), at,
	)
	if err != nil {
		return fmt.Errorf("record chunk: %w", err)
	}
	return nil
}

// RecordError marks the session errored and bumps error_count atomically.
func (r *PostgresRepository) RecordError(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.querier(ctx).ExecContext(ctx, `
		UPDATE replay_sessions SET
			has_error = TRUE,
			error_count = error_count + 1,
			updated_at = $2
		WHERE session_id = $1`,
		sessionID, at,
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// MarkCaptureBlocked sets the terminal blocked flag and reason.
func (r *PostgresRepository) MarkCaptureBlocked(ctx context.Context, sessionID, reason string, at time.Time) error {
	_, err := r.querier(ctx).ExecContext(ctx, `
		UPDATE replay_sessions SET
			capture_blocked = TRUE,
			capture_blocked_reason = $2,
			updated_at = $3
		WHERE session_id = $1`,
		sessionID, reason, at,
	)
	if err != nil {
		return fmt.Errorf("mark capture blocked: %w", err)
	}
	return nil
}

// GetRetentionExpiry returns the session's retention deadline, or nil when
// the session does not exist.
func (r *PostgresRepository) GetRetentionExpiry(ctx context.Context, sessionID string) (*time.Time, error) {
	var expires time.Time
	row := r.querier(ctx).QueryRowContext(ctx, `
		SELECT retention_expires_at FROM replay_sessions WHERE session_id = $1`, sessionID)
	if err := row.Scan(&expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get retention expiry: %w", err)
	}
	return &expires, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		s                                domain.Session
		userEmail, initialURL, lastURL   sql.NullString
		userAgent, country, edgeLocation sql.NullString
		journeyID, buildID, buildTag     sql.NullString
		buildTimestamp, blockedReason    sql.NullString
		endedAt                          sql.NullTime
		replayStartTsMs, replayLastTsMs  sql.NullInt64
	)
	err := row.Scan(
		&s.SessionID, &s.UserID, &userEmail, &s.StartedAt, &endedAt,
		&initialURL, &lastURL, &userAgent, &country, &edgeLocation, &journeyID,
		&buildID, &buildTag, &buildTimestamp,
		&replayStartTsMs, &replayLastTsMs, &s.HasError, &s.CaptureBlocked,
		&blockedReason, &s.ErrorCount, &s.ChunkCount, &s.PolicyVersion,
		&s.RetentionExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.UserEmail = userEmail.String
	s.InitialURL = initialURL.String
	s.LastURL = lastURL.String
	s.UserAgent = userAgent.String
	s.Country = country.String
	s.EdgeLocation = edgeLocation.String
	s.JourneyID = journeyID.String
	s.BuildVersionID = buildID.String
	s.BuildVersionTag = buildTag.String
	s.BuildVersionTimestamp = buildTimestamp.String
	s.CaptureBlockedReason = blockedReason.String
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if replayStartTsMs.Valid {
		s.ReplayStartTsMs = &replayStartTsMs.Int64
	}
	if replayLastTsMs.Valid {
		s.ReplayLastTsMs = &replayLastTsMs.Int64
	}
	return &s, nil
}

// escapeLike escapes LIKE metacharacters so a user query matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
