package tracker

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/walstream"
)

func sampleBatch(t *testing.T) []walstream.Record {
	return []walstream.Record{rec(t, "0/10", "tasks", "a")}
}

func TestTracker_ObserveIndexesAndAssignsBatch(t *testing.T) {
	tr := New([]string{"id"}, zerolog.Nop())

	batch := sampleBatch(t)
	classifications, n := tr.Observe(batch)

	if n != 1 {
		t.Errorf("expected first batch number 1, got %d", n)
	}
	if len(classifications) != len(batch) {
		t.Fatalf("expected %d classifications, got %d", len(batch), len(classifications))
	}
	if !tr.Keys.HasEntry("tasks", "a") {
		t.Error("expected key index to contain recorded key")
	}
}

func TestTracker_ReleaseOlderThanEvictsKeyIndex(t *testing.T) {
	tr := New([]string{"id"}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		tr.Observe(sampleBatch(t))
	}
	tr.ReleaseOlderThan(1)
	// batches older than latest-1 are released; key index entries recorded
	// only under those batches' keys should be gone, but since every batch
	// reuses the same key "a", later observations keep the key alive.
	if !tr.Keys.HasEntry("tasks", "a") {
		t.Error("expected key still present due to later batch re-recording it")
	}
}
