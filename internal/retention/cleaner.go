// Package retention sweeps expired observability rows. The sweep runs on a
// timer with at-least-once semantics, so one pass must be safe to repeat and
// safe to run concurrently with another.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tracelight/tracelight/internal/breadcrumb/repository"
)

// Cleaner deletes breadcrumb and span rows whose retention deadline passed.
type Cleaner struct {
	breadcrumbs repository.Repository
}

// NewCleaner returns a cleaner over the breadcrumb repository.
func NewCleaner(breadcrumbs repository.Repository) *Cleaner {
	return &Cleaner{breadcrumbs: breadcrumbs}
}

// Run deletes expired rows, spans first so a breadcrumb never outlives its
// spans by less than a pass. Returns how many rows of each kind went.
func (c *Cleaner) Run(ctx context.Context, now time.Time) (spans, breadcrumbs int64, err error) {
	spans, err = c.breadcrumbs.DeleteExpiredSpans(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup spans: %w", err)
	}
	breadcrumbs, err = c.breadcrumbs.DeleteExpiredBreadcrumbs(ctx, now)
	if err != nil {
		return spans, 0, fmt.Errorf("cleanup breadcrumbs: %w", err)
	}
	return spans, breadcrumbs, nil
}

// Loop runs the sweep every interval until ctx is done. Failures are logged
// and the next tick retries.
func (c *Cleaner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			spans, breadcrumbs, err := c.Run(ctx, time.Now())
			if err != nil {
				log.Printf("retention: cleanup failed: %v", err)
				continue
			}
			if spans > 0 || breadcrumbs > 0 {
				log.Printf("retention: removed %d spans, %d breadcrumbs", spans, breadcrumbs)
			}
		}
	}
}
