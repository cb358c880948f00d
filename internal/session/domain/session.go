package domain

import "time"

// Session is the aggregate record of one capture session. Counters and bounds
// are maintained server-side; the stored row is the source of truth, never the
// client.
type Session struct {
	SessionID             string
	UserID                string
	UserEmail             string
	StartedAt             time.Time
	EndedAt               *time.Time
	InitialURL            string
	LastURL               string
	UserAgent             string
	Country               string
	EdgeLocation          string
	JourneyID             string
	BuildVersionID        string
	BuildVersionTag       string
	BuildVersionTimestamp string
	ReplayStartTsMs       *int64
	ReplayLastTsMs        *int64
	HasError              bool
	CaptureBlocked        bool
	CaptureBlockedReason  string
	ErrorCount            int
	ChunkCount            int
	PolicyVersion         string
	RetentionExpiresAt    time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ListFilter narrows a session listing. Zero values mean "no constraint";
// Limit is capped by the repository.
type ListFilter struct {
	HasError *bool
	Query    string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}
