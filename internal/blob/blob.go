// Package blob stores raw replay chunk payloads. Keys are deterministic so a
// retried upload of the same seq lands on the same object.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the chunk payload store.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the object key for a chunk: replay/<pv>/<sid>/chunk/<seq>.json
// with the seq zero-padded to eight digits so lexical order matches numeric
// order.
func Key(protocolVersion, sessionID string, seq int) string {
	return fmt.Sprintf("replay/%s/%s/chunk/%08d.json", protocolVersion, sessionID, seq)
}
