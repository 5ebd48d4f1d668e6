package tracker

import (
	"testing"

	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

func mustLSN(t *testing.T, s string) lsn.LSN {
	t.Helper()
	l, err := lsn.Parse(s)
	if err != nil {
		t.Fatalf("parse lsn %q: %v", s, err)
	}
	return l
}

func rec(t *testing.T, l string, table, id string) walstream.Record {
	return walstream.Record{
		LSN:       mustLSN(t, l),
		Table:     table,
		Operation: walstream.OpUpdate,
		Data:      map[string]any{"id": id},
	}
}

func TestKeyIndex_ChangedSince(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	idx.Record(rec(t, "0/10", "tasks", "a"))
	idx.Record(rec(t, "0/20", "tasks", "a"))

	if !idx.ChangedSince("tasks", "a", mustLSN(t, "0/10")) {
		t.Error("expected change after 0/10")
	}
	if idx.ChangedSince("tasks", "a", mustLSN(t, "0/20")) {
		t.Error("expected no change strictly after 0/20")
	}
	if idx.ChangedSince("tasks", "b", mustLSN(t, "0/0")) {
		t.Error("expected no entries for unseen key")
	}
}

func TestKeyIndex_HasEntry(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	if idx.HasEntry("tasks", "a") {
		t.Error("expected no entry before recording")
	}
	idx.Record(rec(t, "0/10", "tasks", "a"))
	if !idx.HasEntry("tasks", "a") {
		t.Error("expected entry after recording")
	}
}

func TestKeyIndex_UniqueKeysInRange(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	idx.Record(rec(t, "0/10", "tasks", "a"))
	idx.Record(rec(t, "0/20", "tasks", "b"))
	idx.Record(rec(t, "0/30", "tasks", "a"))

	got := idx.UniqueKeysInRange(mustLSN(t, "0/0"), mustLSN(t, "0/20"))
	if len(got) != 2 {
		t.Fatalf("expected 2 keys in (0/0, 0/20], got %v", got)
	}
}

func TestKeyIndex_DeleteKeys(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	idx.Record(rec(t, "0/10", "tasks", "a"))
	key := compositeKey("tasks", "a")
	idx.DeleteKeys([]string{key})
	if idx.HasEntry("tasks", "a") {
		t.Error("expected entry removed")
	}
}

func TestKeyIndex_Evict(t *testing.T) {
	idx := NewKeyIndex([]string{"id"})
	idx.Record(rec(t, "0/10", "tasks", "a"))
	idx.Record(rec(t, "0/20", "tasks", "a"))
	idx.Evict(mustLSN(t, "0/15"))
	if idx.ChangedSince("tasks", "a", mustLSN(t, "0/0")) == false {
		t.Error("expected entry at 0/20 to survive eviction floor 0/15")
	}
	if idx.ChangedSince("tasks", "a", mustLSN(t, "0/15")) == false {
		t.Error("expected 0/20 entry still present")
	}
}
