package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tracelight/tracelight/internal/breadcrumb/domain"
	"github.com/tracelight/tracelight/internal/db/instrument"
)

const maxListLimit = 1000

type PostgresRepository struct {
	db instrument.Querier
}

// NewPostgresRepository returns a breadcrumb repository that uses the given
// querier for persistence.
func NewPostgresRepository(db instrument.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) querier(ctx context.Context) instrument.Querier {
	return instrument.FromContext(ctx, r.db)
}

// CreateBreadcrumb persists one breadcrumb row.
func (r *PostgresRepository) CreateBreadcrumb(ctx context.Context, b *domain.Breadcrumb) error {
	_, err := r.querier(ctx).ExecContext(ctx, `
		INSERT INTO request_breadcrumbs
			(id, request_id, session_id, ts, method, path, status, duration_ms,
			ray_id, edge_location, query_count, query_time_ms, rows_read,
			rows_written, db_error_count, error_kind, error_message, extra_json,
			expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20)`,
		b.ID, b.RequestID, nullString(b.SessionID), b.Ts, b.Method, b.Path,
		b.Status, b.DurationMs, nullString(b.RayID), nullString(b.EdgeLocation),
		b.QueryCount, b.QueryTimeMs, b.RowsRead, b.RowsWritten, b.DBErrorCount,
		nullString(b.ErrorKind), nullString(b.ErrorMessage), nullString(b.ExtraJSON),
		b.ExpiresAt, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create breadcrumb: %w", err)
	}
	return nil
}

// CreateSpans persists span rows in one statement. A nil or empty batch is a
// no-op.
func (r *PostgresRepository) CreateSpans(ctx context.Context, spans []*domain.Span) error {
	if len(spans) == 0 {
		return nil
	}
	var (
		values []string
		args   []any
	)
	for _, s := range spans {
		base := len(args)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12))
		args = append(args,
			s.ID, s.RequestID, s.Ts, s.Kind, nullString(s.DBName), s.DurationMs,
			nullString(s.SQLShape), s.RowsRead, s.RowsWritten,
			nullString(s.ErrorMessage), s.ExpiresAt, s.CreatedAt,
		)
	}
	_, err := r.querier(ctx).ExecContext(ctx, `
		INSERT INTO request_spans
			(id, request_id, ts, kind, db_name, duration_ms, sql_shape,
			rows_read, rows_written, error_message, expires_at, created_at)
		VALUES `+strings.Join(values, ", "), args...)
	if err != nil {
		return fmt.Errorf("create spans: %w", err)
	}
	return nil
}

// ListBySession returns the session's breadcrumbs ordered by event time.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Breadcrumb, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.querier(ctx).QueryContext(ctx, `
		SELECT id, request_id, session_id, ts, method, path, status, duration_ms,
			ray_id, edge_location, query_count, query_time_ms, rows_read,
			rows_written, db_error_count, error_kind, error_message, extra_json,
			expires_at, created_at
		FROM request_breadcrumbs
		WHERE session_id = $1
		ORDER BY ts ASC
		LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list breadcrumbs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Breadcrumb
	for rows.Next() {
		var (
			b                              domain.Breadcrumb
			sid, rayID, edge               sql.NullString
			errorKind, errorMessage, extra sql.NullString
		)
		err := rows.Scan(&b.ID, &b.RequestID, &sid, &b.Ts, &b.Method, &b.Path,
			&b.Status, &b.DurationMs, &rayID, &edge, &b.QueryCount, &b.QueryTimeMs,
			&b.RowsRead, &b.RowsWritten, &b.DBErrorCount, &errorKind, &errorMessage,
			&extra, &b.ExpiresAt, &b.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan breadcrumb: %w", err)
		}
		b.SessionID = sid.String
		b.RayID = rayID.String
		b.EdgeLocation = edge.String
		b.ErrorKind = errorKind.String
		b.ErrorMessage = errorMessage.String
		b.ExtraJSON = extra.String
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list breadcrumbs: %w", err)
	}
	return out, nil
}

// ListSpansByRequest returns the request's spans ordered by event time.
func (r *PostgresRepository) ListSpansByRequest(ctx context.Context, requestID string) ([]*domain.Span, error) {
	rows, err := r.querier(ctx).QueryContext(ctx, `
		SELECT id, request_id, ts, kind, db_name, duration_ms, sql_shape,
			rows_read, rows_written, error_message, expires_at, created_at
		FROM request_spans
		WHERE request_id = $1
		ORDER BY ts ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	defer rows.Close()

	var out []*domain.Span
	for rows.Next() {
		var (
			s                     domain.Span
			dbName, shape, errMsg sql.NullString
			rowsRead, rowsWritten sql.NullInt64
		)
		err := rows.Scan(&s.ID, &s.RequestID, &s.Ts, &s.Kind, &dbName,
			&s.DurationMs, &shape, &rowsRead, &rowsWritten, &errMsg,
			&s.ExpiresAt, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		s.DBName = dbName.String
		s.SQLShape = shape.String
		s.RowsRead = rowsRead.Int64
		s.RowsWritten = rowsWritten.Int64
		s.ErrorMessage = errMsg.String
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	return out, nil
}

// DeleteExpiredSpans removes span rows whose deadline passed.
func (r *PostgresRepository) DeleteExpiredSpans(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.querier(ctx).ExecContext(ctx,
		`DELETE FROM request_spans WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired spans: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredBreadcrumbs removes breadcrumb rows whose deadline passed.
func (r *PostgresRepository) DeleteExpiredBreadcrumbs(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.querier(ctx).ExecContext(ctx,
		`DELETE FROM request_breadcrumbs WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired breadcrumbs: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
