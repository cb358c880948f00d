package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tracelight/tracelight/internal/breadcrumb/domain"
)

type fakeRepo struct {
	spanErr    error
	crumbErr   error
	spanCalls  int
	crumbCalls int
	order      []string
	spansLeft  int64
	crumbsLeft int64
}

func (f *fakeRepo) CreateBreadcrumb(ctx context.Context, b *domain.Breadcrumb) error { return nil }
func (f *fakeRepo) CreateSpans(ctx context.Context, spans []*domain.Span) error      { return nil }
func (f *fakeRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Breadcrumb, error) {
	return nil, nil
}
func (f *fakeRepo) ListSpansByRequest(ctx context.Context, requestID string) ([]*domain.Span, error) {
	return nil, nil
}

func (f *fakeRepo) DeleteExpiredSpans(ctx context.Context, now time.Time) (int64, error) {
	f.spanCalls++
	f.order = append(f.order, "spans")
	if f.spanErr != nil {
		return 0, f.spanErr
	}
	n := f.spansLeft
	f.spansLeft = 0
	return n, nil
}

func (f *fakeRepo) DeleteExpiredBreadcrumbs(ctx context.Context, now time.Time) (int64, error) {
	f.crumbCalls++
	f.order = append(f.order, "breadcrumbs")
	if f.crumbErr != nil {
		return 0, f.crumbErr
	}
	n := f.crumbsLeft
	f.crumbsLeft = 0
	return n, nil
}

func TestRun_DeletesSpansFirst(t *testing.T) {
	repo := &fakeRepo{spansLeft: 3, crumbsLeft: 2}
	c := NewCleaner(repo)

	spans, crumbs, err := c.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if spans != 3 || crumbs != 2 {
		t.Errorf("counts = %d, %d", spans, crumbs)
	}
	if len(repo.order) != 2 || repo.order[0] != "spans" || repo.order[1] != "breadcrumbs" {
		t.Errorf("delete order = %v, want spans then breadcrumbs", repo.order)
	}
}

func TestRun_Idempotent(t *testing.T) {
	repo := &fakeRepo{spansLeft: 5, crumbsLeft: 5}
	c := NewCleaner(repo)

	if _, _, err := c.Run(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	spans, crumbs, err := c.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if spans != 0 || crumbs != 0 {
		t.Errorf("second pass counts = %d, %d, want zeros", spans, crumbs)
	}
}

func TestRun_SpanErrorStopsPass(t *testing.T) {
	repo := &fakeRepo{spanErr: errors.New("db down")}
	c := NewCleaner(repo)

	if _, _, err := c.Run(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
	if repo.crumbCalls != 0 {
		t.Error("breadcrumb delete should not run after span delete failed")
	}
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	c := NewCleaner(repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Loop(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Loop did not stop")
	}
	if repo.spanCalls == 0 {
		t.Error("Loop never ran the sweep")
	}
}
