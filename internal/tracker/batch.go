package tracker

import "sync"

// BatchRegistry assigns incrementing batch numbers to delivered batches and
// remembers which composite keys belonged to each, so callers can release
// (evict) keys once they fall more than K batches behind the newest one
// (§4.D.3).
type BatchRegistry struct {
	mu      sync.Mutex
	next    uint64
	batches map[uint64][]string
}

// NewBatchRegistry creates an empty registry; batch numbers start at 1.
func NewBatchRegistry() *BatchRegistry {
	return &BatchRegistry{
		next:    1,
		batches: make(map[uint64][]string),
	}
}

// Record assigns the next batch number to keys and returns it.
func (b *BatchRegistry) Record(keys []string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.next
	b.next++
	cp := make([]string, len(keys))
	copy(cp, keys)
	b.batches[n] = cp
	return n
}

// Keys returns the composite keys recorded for batch n.
func (b *BatchRegistry) Keys(n uint64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches[n]
}

// ReleaseOlderThan drops bookkeeping for every batch more than keepBatches
// behind the newest assigned batch number, returning the keys that were
// released (for the caller to evict from the key index). A key that is
// still recorded by a retained batch is not returned.
func (b *BatchRegistry) ReleaseOlderThan(keepBatches uint64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next <= keepBatches+1 {
		return nil
	}
	floor := b.next - 1 - keepBatches

	var released []string
	for n, keys := range b.batches {
		if n < floor {
			released = append(released, keys...)
			delete(b.batches, n)
		}
	}

	retained := make(map[string]struct{})
	for _, keys := range b.batches {
		for _, key := range keys {
			retained[key] = struct{}{}
		}
	}
	out := released[:0]
	for _, key := range released {
		if _, ok := retained[key]; !ok {
			out = append(out, key)
		}
	}
	return out
}

// Latest returns the most recently assigned batch number, or 0 if none.
func (b *BatchRegistry) Latest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == 1 {
		return 0
	}
	return b.next - 1
}
