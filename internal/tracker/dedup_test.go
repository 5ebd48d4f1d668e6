package tracker

import (
	"testing"

	"github.com/vibestack/syncd/internal/walstream"
)

func TestClassify_FirstOccurrenceWhenNoSupersession(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	batch := []walstream.Record{
		rec(t, "0/10", "tasks", "a"),
		rec(t, "0/20", "tasks", "b"),
	}
	got := idx.Classify(batch)
	for i, c := range got {
		if c != FirstOccurrence {
			t.Errorf("record %d: got %v, want FirstOccurrence", i, c)
		}
	}
}

func TestClassify_RedundantWhenSupersededInBatch(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	batch := []walstream.Record{
		rec(t, "0/10", "tasks", "a"), // superseded by 0/30
		rec(t, "0/20", "tasks", "b"),
		rec(t, "0/30", "tasks", "a"), // wins
	}
	got := idx.Classify(batch)
	want := []Classification{RedundantDuplicate, FirstOccurrence, FirstOccurrence}
	for i, c := range got {
		if c != want[i] {
			t.Errorf("record %d: got %v, want %v", i, c, want[i])
		}
	}
}

func TestClassify_IntentionalDuplicateAlwaysWins(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	marked := rec(t, "0/10", "tasks", "a")
	marked.Data[walstream.IntentionalDuplicateKey] = true
	batch := []walstream.Record{
		marked,
		rec(t, "0/20", "tasks", "a"), // would normally supersede, but marked is exempt
	}
	got := idx.Classify(batch)
	if got[0] != IntentionalDuplicate {
		t.Errorf("record 0: got %v, want IntentionalDuplicate", got[0])
	}
	if got[1] != FirstOccurrence {
		t.Errorf("record 1: got %v, want FirstOccurrence", got[1])
	}
}

func TestClassificationString(t *testing.T) {
	cases := map[Classification]string{
		FirstOccurrence:       "first_occurrence",
		RedundantDuplicate:    "redundant_duplicate",
		IntentionalDuplicate:  "intentional_duplicate",
		Classification(99):    "unknown",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("Classification(%d).String() = %q, want %q", c, got, want)
		}
	}
}
