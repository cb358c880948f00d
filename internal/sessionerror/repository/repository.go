package repository

import (
	"context"

	"github.com/tracelight/tracelight/internal/sessionerror/domain"
)

// Repository defines persistence for session error events.
type Repository interface {
	Create(ctx context.Context, e *domain.SessionError) error
	ListBySession(ctx context.Context, sessionID string) ([]*domain.SessionError, error)
}
