package tracker

import "github.com/vibestack/syncd/internal/walstream"

// Classification is the outcome of comparing one record against the rest
// of its batch and the key index's prior history (§4.D.2).
type Classification int

const (
	// FirstOccurrence means this record must be delivered: either no prior
	// change exists for its key, or it is not superseded by a later record
	// for the same key within the same batch.
	FirstOccurrence Classification = iota
	// RedundantDuplicate means a later record in the same batch carries the
	// same key; the dispatcher may coalesce this one into that delivery
	// when the session has not yet consumed the first.
	RedundantDuplicate
	// IntentionalDuplicate means the producer marked this record with
	// walstream.IntentionalDuplicateKey; it is always delivered, never
	// coalesced, regardless of what else changed for the same key.
	IntentionalDuplicate
)

func (c Classification) String() string {
	switch c {
	case FirstOccurrence:
		return "first_occurrence"
	case RedundantDuplicate:
		return "redundant_duplicate"
	case IntentionalDuplicate:
		return "intentional_duplicate"
	default:
		return "unknown"
	}
}

// Classify returns one Classification per record in batch, in order. It
// uses only the index's key columns; the index's recorded history is not
// read. Supersession is computed within the batch alone, since the
// dispatcher's coalescing decision concerns in-flight delivery, not
// long-term history.
func (k *KeyIndex) Classify(batch []walstream.Record) []Classification {
	out := make([]Classification, len(batch))

	lastIndexForKey := make(map[string]int, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		rec := batch[i]
		if rec.IsIntentionalDuplicate() {
			out[i] = IntentionalDuplicate
			continue
		}
		key := compositeKey(rec.Table, rec.PrimaryKey(k.keyCols))
		if _, supersededByLater := lastIndexForKey[key]; supersededByLater {
			out[i] = RedundantDuplicate
		} else {
			out[i] = FirstOccurrence
		}
		lastIndexForKey[key] = i
	}
	return out
}
