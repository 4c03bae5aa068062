// Package dedupe tracks already-seen feed event IDs for at-most-once ingest.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Deduper records seen event IDs to ensure at-most-once processing.
type Deduper interface {
	// SeenAndRecord atomically checks whether id was seen and records it if
	// not. Returns true if id was already seen.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord removes an ID from the seen set so it can be retried. Used
	// when an event was recorded but failed to enqueue.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// ringDeduper implements Deduper with a map plus a fixed-size ring of
// insertion order. When the ring wraps, the oldest recorded ID is evicted.
// maxSize <= 0 disables eviction entirely.
type ringDeduper struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	ring    []string
	next    int
	maxSize int
	size    atomic.Int64
}

// NewRingDeduper creates a deduper with the given options applied.
func NewRingDeduper(opts ...Option) Deduper {
	d := &ringDeduper{maxSize: 200_000}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]struct{})
	if d.maxSize > 0 {
		d.ring = make([]string, d.maxSize)
	}
	return d
}

func (d *ringDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if d.maxSize > 0 {
		if old := d.ring[d.next]; old != "" {
			if _, ok := d.seen[old]; ok {
				delete(d.seen, old)
				d.size.Add(-1)
			}
		}
		d.ring[d.next] = id
		d.next = (d.next + 1) % d.maxSize
	}
	d.seen[id] = struct{}{}
	d.size.Add(1)
	return false
}

func (d *ringDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		delete(d.seen, id)
		d.size.Add(-1)
	}
	// The ring slot, if any, keeps the stale id; eviction of an already
	// deleted entry is a no-op.
}

func (d *ringDeduper) Size() int64 {
	return d.size.Load()
}
