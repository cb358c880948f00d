package repository

import (
	"context"
	"time"

	"github.com/tracelight/tracelight/internal/breadcrumb/domain"
)

// Repository defines persistence for request breadcrumbs and spans.
type Repository interface {
	CreateBreadcrumb(ctx context.Context, b *domain.Breadcrumb) error
	CreateSpans(ctx context.Context, spans []*domain.Span) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Breadcrumb, error)
	ListSpansByRequest(ctx context.Context, requestID string) ([]*domain.Span, error)
	// DeleteExpiredSpans and DeleteExpiredBreadcrumbs remove rows whose
	// deadline passed, returning how many went. Pure deadline compares,
	// safe to run concurrently and repeatedly.
	DeleteExpiredSpans(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredBreadcrumbs(ctx context.Context, now time.Time) (int64, error)
}
