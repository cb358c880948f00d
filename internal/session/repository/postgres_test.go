package repository

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/tracelight/tracelight/internal/db/instrument"
	"github.com/tracelight/tracelight/internal/session/domain"
)

// recordingQuerier captures the statements and arguments the repository
// issues so the SQL can be checked without a database.
type recordingQuerier struct {
	lastQuery string
	lastArgs  []any
	execErr   error
	rowErr    error
}

type noopResult struct{}

func (noopResult) LastInsertId() (int64, error) { return 0, nil }
func (noopResult) RowsAffected() (int64, error) { return 1, nil }

func (q *recordingQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q.lastQuery, q.lastArgs = query, args
	if q.execErr != nil {
		return nil, q.execErr
	}
	return noopResult{}, nil
}

type emptyRows struct{}

func (emptyRows) Next() bool             { return false }
func (emptyRows) Scan(dest ...any) error { return nil }
func (emptyRows) Err() error             { return nil }
func (emptyRows) Close() error           { return nil }

func (q *recordingQuerier) QueryContext(ctx context.Context, query string, args ...any) (instrument.Rows, error) {
	q.lastQuery, q.lastArgs = query, args
	return emptyRows{}, nil
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

func (q *recordingQuerier) QueryRowContext(ctx context.Context, query string, args ...any) instrument.Row {
	q.lastQuery, q.lastArgs = query, args
	return errRow{err: q.rowErr}
}

func TestGetByID_MissingRowIsNotAnError(t *testing.T) {
	q := &recordingQuerier{rowErr: sql.ErrNoRows}
	repo := NewPostgresRepository(q)

	s, err := repo.GetByID(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if s != nil {
		t.Errorf("missing session should be nil, got %+v", s)
	}
}

func TestGetRetentionExpiry_Missing(t *testing.T) {
	q := &recordingQuerier{rowErr: sql.ErrNoRows}
	repo := NewPostgresRepository(q)

	exp, err := repo.GetRetentionExpiry(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetRetentionExpiry: %v", err)
	}
	if exp != nil {
		t.Errorf("missing session should yield nil expiry, got %v", exp)
	}
}

func TestRecordChunk_SQL(t *testing.T) {
	q := &recordingQuerier{}
	repo := NewPostgresRepository(q)

	start, last := int64(1000), int64(2000)
	if err := repo.RecordChunk(context.Background(), "sess-1", &start, &last, time.Now()); err != nil {
		t.Fatalf("RecordChunk: %v", err)
	}
	for _, want := range []string{"chunk_count = chunk_count + 1", "LEAST", "GREATEST"} {
		if !strings.Contains(q.lastQuery, want) {
			t.Errorf("statement missing %q:\n%s", want, q.lastQuery)
		}
	}
	if got := q.lastArgs[1].(sql.NullInt64); !got.Valid || got.Int64 != 1000 {
		t.Errorf("start ts arg = %+v", got)
	}
}

func TestRecordChunk_NilBoundsPassNull(t *testing.T) {
	q := &recordingQuerier{}
	repo := NewPostgresRepository(q)

	if err := repo.RecordChunk(context.Background(), "sess-1", nil, nil, time.Now()); err != nil {
		t.Fatalf("RecordChunk: %v", err)
	}
	for _, i := range []int{1, 2} {
		if got := q.lastArgs[i].(sql.NullInt64); got.Valid {
			t.Errorf("arg %d should be NULL, got %+v", i, got)
		}
	}
}

func TestRecordError_SQL(t *testing.T) {
	q := &recordingQuerier{}
	repo := NewPostgresRepository(q)

	if err := repo.RecordError(context.Background(), "sess-1", time.Now()); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	for _, want := range []string{"has_error = TRUE", "error_count = error_count + 1"} {
		if !strings.Contains(q.lastQuery, want) {
			t.Errorf("statement missing %q:\n%s", want, q.lastQuery)
		}
	}
}

func TestList_FilterSQL(t *testing.T) {
	q := &recordingQuerier{}
	repo := NewPostgresRepository(q)

	hasError := true
	from := time.Now().Add(-time.Hour)
	_, err := repo.List(context.Background(), domain.ListFilter{
		HasError: &hasError,
		Query:    "50%_off",
		From:     &from,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, want := range []string{"has_error = $1", "initial_url LIKE $2", "last_url LIKE $2", "started_at >= $3", "ORDER BY started_at DESC"} {
		if !strings.Contains(q.lastQuery, want) {
			t.Errorf("statement missing %q:\n%s", want, q.lastQuery)
		}
	}
	if got := q.lastArgs[1].(string); got != `%50\%\_off%` {
		t.Errorf("LIKE pattern = %q, metacharacters should be escaped", got)
	}
}

func TestList_DefaultLimit(t *testing.T) {
	q := &recordingQuerier{}
	repo := NewPostgresRepository(q)

	if _, err := repo.List(context.Background(), domain.ListFilter{}); err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, a := range q.lastArgs {
		if n, ok := a.(int); ok && n == 50 {
			found = true
		}
	}
	if !found {
		t.Errorf("default limit 50 not applied, args = %v", q.lastArgs)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"plain":   "plain",
		"50%":     `50\%`,
		"a_b":     `a\_b`,
		`back\sl`: `back\\sl`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}
