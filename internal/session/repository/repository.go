package repository

import (
	"context"
	"time"

	"github.com/tracelight/tracelight/internal/session/domain"
)

// Repository defines persistence for capture sessions.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, sessionID string) (*domain.Session, error)
	List(ctx context.Context, f domain.ListFilter) ([]*domain.Session, error)
	// RecordChunk bumps the chunk counter and widens the replay ts bounds
	// to cover [startTs, lastTs]. Nil bounds leave the stored bounds alone.
	RecordChunk(ctx context.Context, sessionID string, startTs, lastTs *int64, at time.Time) error
	// RecordError marks the session errored and bumps the error counter.
	RecordError(ctx context.Context, sessionID string, at time.Time) error
	// MarkCaptureBlocked sets the terminal blocked flag and reason.
	MarkCaptureBlocked(ctx context.Context, sessionID, reason string, at time.Time) error
	// GetRetentionExpiry returns the session's retention deadline, or nil
	// when the session does not exist.
	GetRetentionExpiry(ctx context.Context, sessionID string) (*time.Time, error)
}
