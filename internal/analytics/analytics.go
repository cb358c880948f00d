// Package analytics emits best-effort usage data points. Every caller treats
// emission as fire-and-forget: a down broker never fails a request.
package analytics

import (
	"context"
	"log"
	"time"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// Point is one analytics data point: a kind plus free-form labels and values.
type Point struct {
	Kind   string             `json:"kind"`
	Ts     int64              `json:"ts"`
	Labels map[string]string  `json:"labels,omitempty"`
	Values map[string]float64 `json:"values,omitempty"`
}

// Producer emits data points. Callers use it best-effort: log and ignore errors.
type Producer interface {
	Emit(ctx context.Context, p Point) error
	Close() error
}

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is
// not blocked. The goroutine uses context.Background() so request
// cancellation does not abort an in-flight emit.
//
// producer may be nil; EmitAsync returns immediately without starting a
// goroutine.
func EmitAsync(producer Producer, p Point) {
	if producer == nil {
		return
	}
	if p.Ts == 0 {
		p.Ts = time.Now().UnixMilli()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := producer.Emit(ctx, p); err != nil {
			log.Printf("analytics: async emit failed: %v", err)
		}
	}()
}
