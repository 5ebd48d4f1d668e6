// Package tracker implements the in-memory accelerator layered over the
// change-history log (§4.D): a composite-key index, duplicate
// classification, batch bookkeeping, and a short-lived ID reservation
// registry. Each sub-registry owns its own lock so readers never block
// each other across concerns.
package tracker

import (
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/walstream"
)

// Tracker bundles the key index (which also classifies duplicates), the
// batch registry and the reservation registry behind one handle, matching the teacher's pattern of a small coordinator struct
// composing independently-locked pieces.
type Tracker struct {
	Keys         *KeyIndex
	Batches      *BatchRegistry
	Reservations *ReservationRegistry
}

// New creates a Tracker whose key index is keyed by keyColumns (the primary
// key column names used across tracked tables).
func New(keyColumns []string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		Keys:         NewKeyIndex(keyColumns),
		Batches:      NewBatchRegistry(),
		Reservations: NewReservationRegistry(logger),
	}
}

// Observe records a delivered batch: indexes every record by key,
// classifies duplicates, and assigns a batch number. It returns the
// classifications in batch order and the assigned batch number.
func (t *Tracker) Observe(batch []walstream.Record) ([]Classification, uint64) {
	classifications := t.Keys.Classify(batch)

	keys := make([]string, 0, len(batch))
	for _, rec := range batch {
		t.Keys.Record(rec)
		keys = append(keys, compositeKey(rec.Table, rec.PrimaryKey(t.Keys.keyCols)))
	}

	n := t.Batches.Record(keys)
	return classifications, n
}

// ReleaseOlderThan evicts key-index entries belonging to batches older than
// keepBatches behind the newest assigned batch number. A key that a
// retained batch also recorded stays indexed.
func (t *Tracker) ReleaseOlderThan(keepBatches uint64) {
	keys := t.Batches.ReleaseOlderThan(keepBatches)
	if len(keys) > 0 {
		t.Keys.DeleteKeys(keys)
	}
}
