package domain

import "time"

// SessionError is one captured error event, reported by the client SDK or
// recorded server-side when a request handling the session fails.
type SessionError struct {
	ID          string
	SessionID   string
	Ts          time.Time
	Source      string
	Message     string
	Stack       string
	Fingerprint string
	ExtraJSON   string
	CreatedAt   time.Time
}
