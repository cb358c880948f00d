package breadcrumb

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tracelight/tracelight/internal/background"
	"github.com/tracelight/tracelight/internal/breadcrumb/domain"
	"github.com/tracelight/tracelight/internal/db/instrument"
	sessionrepo "github.com/tracelight/tracelight/internal/session/repository"
	errdomain "github.com/tracelight/tracelight/internal/sessionerror/domain"
)

type fakeBreadcrumbRepo struct {
	mu          sync.Mutex
	breadcrumbs []*domain.Breadcrumb
	spans       []*domain.Span
}

func (f *fakeBreadcrumbRepo) CreateBreadcrumb(ctx context.Context, b *domain.Breadcrumb) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breadcrumbs = append(f.breadcrumbs, b)
	return nil
}

func (f *fakeBreadcrumbRepo) CreateSpans(ctx context.Context, spans []*domain.Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spans = append(f.spans, spans...)
	return nil
}

func (f *fakeBreadcrumbRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Breadcrumb, error) {
	return nil, nil
}

func (f *fakeBreadcrumbRepo) ListSpansByRequest(ctx context.Context, requestID string) ([]*domain.Span, error) {
	return nil, nil
}

func (f *fakeBreadcrumbRepo) DeleteExpiredSpans(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeBreadcrumbRepo) DeleteExpiredBreadcrumbs(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type fakeSessionRepo struct {
	sessionrepo.Repository
	mu           sync.Mutex
	errorRecords []string
}

func (f *fakeSessionRepo) RecordError(ctx context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorRecords = append(f.errorRecords, sessionID)
	return nil
}

type fakeErrorRepo struct {
	mu     sync.Mutex
	errors []*errdomain.SessionError
}

func (f *fakeErrorRepo) Create(ctx context.Context, e *errdomain.SessionError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, e)
	return nil
}

func (f *fakeErrorRepo) ListBySession(ctx context.Context, sessionID string) ([]*errdomain.SessionError, error) {
	return nil, nil
}

type fakeRetention struct {
	expiry *time.Time
}

func (f *fakeRetention) RetentionExpiry(ctx context.Context, sessionID string) (*time.Time, error) {
	return f.expiry, nil
}

type stubQuerier struct{}

type stubResult struct{}

func (stubResult) LastInsertId() (int64, error) { return 0, nil }
func (stubResult) RowsAffected() (int64, error) { return 1, nil }

func (stubQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return stubResult{}, nil
}

type stubRows struct{ left int }

func (r *stubRows) Next() bool {
	if r.left == 0 {
		return false
	}
	r.left--
	return true
}
func (r *stubRows) Scan(dest ...any) error { return nil }
func (r *stubRows) Err() error             { return nil }
func (r *stubRows) Close() error           { return nil }

func (stubQuerier) QueryContext(ctx context.Context, query string, args ...any) (instrument.Rows, error) {
	return &stubRows{left: 2}, nil
}

type stubRow struct{}

func (stubRow) Scan(dest ...any) error { return nil }

func (stubQuerier) QueryRowContext(ctx context.Context, query string, args ...any) instrument.Row {
	return stubRow{}
}

type fixture struct {
	engine      *gin.Engine
	runner      *background.Runner
	breadcrumbs *fakeBreadcrumbRepo
	sessions    *fakeSessionRepo
	errors      *fakeErrorRepo
}

func newFixture(t *testing.T, retention *fakeRetention) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		runner:      background.NewRunner(time.Second),
		breadcrumbs: &fakeBreadcrumbRepo{},
		sessions:    &fakeSessionRepo{},
		errors:      &fakeErrorRepo{},
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(Recorder(RecorderOptions{
		DB:            stubQuerier{},
		DBName:        "replay",
		Breadcrumbs:   f.breadcrumbs,
		Sessions:      f.sessions,
		SessionErrors: f.errors,
		Retention:     retention,
		Runner:        f.runner,
	}))
	f.engine = engine
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.runner.Shutdown(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestRecorder_WritesBreadcrumbAndSpans(t *testing.T) {
	want := time.Now().Add(7 * 24 * time.Hour)
	f := newFixture(t, &fakeRetention{expiry: &want})
	f.engine.GET("/api/notes/:id", func(c *gin.Context) {
		q := instrument.FromContext(c.Request.Context(), nil)
		rows, err := q.QueryContext(c.Request.Context(), "SELECT id FROM notes WHERE id = 42")
		if err != nil {
			t.Fatal(err)
		}
		for rows.Next() {
		}
		rows.Close()
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/notes/42", nil)
	req.Header.Set(HeaderSessionID, "sess-1")
	req.Header.Set(HeaderReplayTs, "1700000000000")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	f.drain(t)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("request id should be echoed")
	}

	if len(f.breadcrumbs.breadcrumbs) != 1 {
		t.Fatalf("got %d breadcrumbs, want 1", len(f.breadcrumbs.breadcrumbs))
	}
	b := f.breadcrumbs.breadcrumbs[0]
	if b.Path != "/api/notes/:id" {
		t.Errorf("path = %q", b.Path)
	}
	if b.SessionID != "sess-1" {
		t.Errorf("session id = %q", b.SessionID)
	}
	if b.Ts.UnixMilli() != 1700000000000 {
		t.Errorf("ts = %v, want the replay ts header", b.Ts)
	}
	if b.QueryCount != 1 || b.RowsRead != 2 {
		t.Errorf("totals = count %d, rows %d", b.QueryCount, b.RowsRead)
	}
	if !b.ExpiresAt.Equal(want) {
		t.Errorf("expires = %v, want session retention %v", b.ExpiresAt, want)
	}
	if len(f.breadcrumbs.spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(f.breadcrumbs.spans))
	}
	if f.breadcrumbs.spans[0].SQLShape == "" {
		t.Error("span should carry the statement shape")
	}
}

func TestRecorder_DefaultRetentionWithoutSession(t *testing.T) {
	f := newFixture(t, &fakeRetention{})
	f.engine.GET("/api/notes", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := time.Now()
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/notes", nil))
	f.drain(t)

	if len(f.breadcrumbs.breadcrumbs) != 1 {
		t.Fatalf("got %d breadcrumbs, want 1", len(f.breadcrumbs.breadcrumbs))
	}
	b := f.breadcrumbs.breadcrumbs[0]
	min := before.Add(defaultRetention - time.Minute)
	max := time.Now().Add(defaultRetention + time.Minute)
	if b.ExpiresAt.Before(min) || b.ExpiresAt.After(max) {
		t.Errorf("expires = %v, want roughly now+24h", b.ExpiresAt)
	}
}

func TestRecorder_SkipsCaptureSurface(t *testing.T) {
	f := newFixture(t, &fakeRetention{})
	f.engine.POST("/api/replay/session/init", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/replay/session/init", nil))
	f.drain(t)

	if len(f.breadcrumbs.breadcrumbs) != 0 {
		t.Errorf("capture surface should not produce breadcrumbs, got %d", len(f.breadcrumbs.breadcrumbs))
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("request id echo still applies on skipped routes")
	}
}

func TestRecorder_PanicRecordsWorkerError(t *testing.T) {
	f := newFixture(t, &fakeRetention{})
	f.engine.GET("/api/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/boom", nil)
	req.Header.Set(HeaderSessionID, "sess-9")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	f.drain(t)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if len(f.errors.errors) != 1 {
		t.Fatalf("got %d worker errors, want 1", len(f.errors.errors))
	}
	e := f.errors.errors[0]
	if e.Source != "worker" {
		t.Errorf("source = %q", e.Source)
	}
	if e.Message != "kaboom" {
		t.Errorf("message = %q", e.Message)
	}
	if len(f.sessions.errorRecords) != 1 || f.sessions.errorRecords[0] != "sess-9" {
		t.Errorf("session error records = %v", f.sessions.errorRecords)
	}
	if len(f.breadcrumbs.breadcrumbs) != 1 {
		t.Fatalf("panic should still leave a breadcrumb")
	}
	if f.breadcrumbs.breadcrumbs[0].ErrorKind != "exception" {
		t.Errorf("error kind = %q", f.breadcrumbs.breadcrumbs[0].ErrorKind)
	}
}

func TestRecorder_ServerErrorRecordsWorkerError(t *testing.T) {
	f := newFixture(t, &fakeRetention{})
	f.engine.GET("/api/fail", func(c *gin.Context) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream"})
	})

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/fail", nil))
	f.drain(t)

	if len(f.errors.errors) != 1 {
		t.Fatalf("got %d worker errors, want 1", len(f.errors.errors))
	}
	if f.errors.errors[0].Message != "HTTP 502" {
		t.Errorf("message = %q", f.errors.errors[0].Message)
	}
	if len(f.sessions.errorRecords) != 0 {
		t.Errorf("no session header, session counter should stay untouched")
	}
}

func TestRecorder_ClientErrorIsNotAWorkerError(t *testing.T) {
	f := newFixture(t, &fakeRetention{})
	f.engine.GET("/api/missing", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/missing", nil))
	f.drain(t)

	if len(f.errors.errors) != 0 {
		t.Errorf("4xx should not record worker errors, got %d", len(f.errors.errors))
	}
}

func TestRecorder_ReusesIncomingRequestID(t *testing.T) {
	f := newFixture(t, &fakeRetention{})
	f.engine.GET("/api/notes", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/notes", nil)
	req.Header.Set(HeaderRequestID, "req-abc")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	f.drain(t)

	if got := w.Header().Get(HeaderRequestID); got != "req-abc" {
		t.Errorf("echoed id = %q, want req-abc", got)
	}
	if f.breadcrumbs.breadcrumbs[0].RequestID != "req-abc" {
		t.Errorf("stored id = %q", f.breadcrumbs.breadcrumbs[0].RequestID)
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	long := strings.Repeat("€", 1500)
	got := truncate(long, maxErrorMessageLen)
	if len(got) > maxErrorMessageLen {
		t.Fatalf("len = %d, want <= %d", len(got), maxErrorMessageLen)
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncate produced invalid UTF-8")
	}
	if got := truncate("plain", 2000); got != "plain" {
		t.Fatalf("short string changed: %q", got)
	}
}
