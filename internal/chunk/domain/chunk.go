package domain

import "time"

// Chunk is the index row for one uploaded replay chunk. The event payload
// itself lives in the blob store under BlobKey; the row exists so readers can
// enumerate a session's chunks without listing the bucket.
type Chunk struct {
	SessionID string
	Seq       int
	BlobKey   string
	SizeBytes int
	SHA256    string
	CreatedAt time.Time
}
