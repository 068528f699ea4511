// Package dedup remembers recently seen inbound event ids so that platform
// redeliveries are processed at most once.
package dedup

import (
	"context"
	"time"
)

// DefaultTTL is how long an id stays "seen".
const DefaultTTL = time.Hour

// Cache answers whether an inbound event id was already handled.
// Implementations are safe for concurrent use.
type Cache interface {
	HasSeen(ctx context.Context, id string) bool
	MarkSeen(ctx context.Context, id string)
}

// Marker is a Cache that can check and mark in one atomic step.
type Marker interface {
	MarkIfUnseen(ctx context.Context, id string) (seen bool)
}

// CheckAndMark reports whether id was already seen and marks it otherwise.
// Caches implementing Marker do this atomically. For the rest two concurrent
// deliveries of the same id can both pass; the pipeline's platform message
// lookup in the store catches those.
func CheckAndMark(ctx context.Context, c Cache, id string) bool {
	if m, ok := c.(Marker); ok {
		return m.MarkIfUnseen(ctx, id)
	}
	if c.HasSeen(ctx, id) {
		return true
	}
	c.MarkSeen(ctx, id)
	return false
}
