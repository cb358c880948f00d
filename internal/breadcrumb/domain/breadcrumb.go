package domain

import "time"

// Breadcrumb is the per-request observability row: one line per API request
// with timing, status, and aggregated database activity. Rows carry their own
// retention deadline and are swept by the cleanup worker.
type Breadcrumb struct {
	ID           string
	RequestID    string
	SessionID    string
	Ts           time.Time
	Method       string
	Path         string
	Status       int
	DurationMs   int64
	RayID        string
	EdgeLocation string
	QueryCount   int
	QueryTimeMs  int64
	RowsRead     int64
	RowsWritten  int64
	DBErrorCount int
	ErrorKind    string
	ErrorMessage string
	ExtraJSON    string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Span is one recorded database statement within a request.
type Span struct {
	ID           string
	RequestID    string
	Ts           time.Time
	Kind         string
	DBName       string
	DurationMs   int64
	SQLShape     string
	RowsRead     int64
	RowsWritten  int64
	ErrorMessage string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}
