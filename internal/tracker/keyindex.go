package tracker

import (
	"sort"
	"sync"

	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

// entry is one recorded change against a composite key, kept in ascending
// lsn order.
type entry struct {
	LSN lsn.LSN
	Rec walstream.Record
}

// KeyIndex maintains (table, primaryKey) -> ordered change history for the
// retention window (§4.D.1). One lock protects the whole map; callers that
// only read (ChangedSince, UniqueKeysInRange) never block each other behind
// a write because the lock is only ever held briefly.
type KeyIndex struct {
	mu      sync.RWMutex
	byKey   map[string][]entry
	keyCols []string
}

// NewKeyIndex creates an index keyed by the given primary-key columns.
func NewKeyIndex(keyColumns []string) *KeyIndex {
	return &KeyIndex{
		byKey:   make(map[string][]entry),
		keyCols: keyColumns,
	}
}

func compositeKey(table, primaryKey string) string {
	return table + "\x1f" + primaryKey
}

// Record appends a change to the index for its (table, primaryKey).
func (k *KeyIndex) Record(rec walstream.Record) {
	key := compositeKey(rec.Table, rec.PrimaryKey(k.keyCols))
	k.mu.Lock()
	k.byKey[key] = append(k.byKey[key], entry{LSN: rec.LSN, Rec: rec})
	k.mu.Unlock()
}

// HasEntry reports whether any change has ever been recorded for this key.
func (k *KeyIndex) HasEntry(table, primaryKey string) bool {
	key := compositeKey(table, primaryKey)
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.byKey[key]
	return ok
}

// ChangedSince reports whether (table, primaryKey) has a recorded change
// with lsn strictly greater than since. O(log n) via binary search over the
// key's ordered entries.
func (k *KeyIndex) ChangedSince(table, primaryKey string, since lsn.LSN) bool {
	key := compositeKey(table, primaryKey)
	k.mu.RLock()
	entries := k.byKey[key]
	k.mu.RUnlock()
	if len(entries) == 0 {
		return false
	}
	i := sort.Search(len(entries), func(i int) bool {
		return lsn.Compare(entries[i].LSN, since) > 0
	})
	return i < len(entries)
}

// UniqueKeysInRange lists the distinct composite keys with at least one
// change in (lo, hi], for observability and tests.
func (k *KeyIndex) UniqueKeysInRange(lo, hi lsn.LSN) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	seen := make(map[string]struct{})
	for key, entries := range k.byKey {
		for _, e := range entries {
			if lsn.IsAfter(e.LSN, lo) && lsn.Compare(e.LSN, hi) <= 0 {
				seen[key] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// DeleteKeys drops all recorded history for the given composite keys, as
// produced by BatchRegistry.ReleaseOlderThan.
func (k *KeyIndex) DeleteKeys(keys []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.byKey, key)
	}
}

// Evict drops entries older than the retention floor, keyed by lsn. The
// retention loop in cmd/syncd does not call it; it trims the index through
// Tracker.ReleaseOlderThan instead.
func (k *KeyIndex) Evict(floor lsn.LSN) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, entries := range k.byKey {
		i := sort.Search(len(entries), func(i int) bool {
			return lsn.Compare(entries[i].LSN, floor) > 0
		})
		if i == 0 {
			continue
		}
		if i == len(entries) {
			delete(k.byKey, key)
			continue
		}
		k.byKey[key] = entries[i:]
	}
}
