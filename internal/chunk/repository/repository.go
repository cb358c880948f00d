package repository

import (
	"context"

	"github.com/tracelight/tracelight/internal/chunk/domain"
)

// Repository defines persistence for the chunk index.
type Repository interface {
	// Upsert inserts the chunk row. A retry carrying the same
	// (session_id, seq) overwrites the earlier row so at-least-once
	// delivery stays idempotent.
	Upsert(ctx context.Context, c *domain.Chunk) error
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Chunk, error)
	Get(ctx context.Context, sessionID string, seq int) (*domain.Chunk, error)
}
