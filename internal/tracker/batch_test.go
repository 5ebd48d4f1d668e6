package tracker

import "testing"

func TestBatchRegistry_RecordAssignsIncrementingNumbers(t *testing.T) {
	b := NewBatchRegistry()
	n1 := b.Record([]string{"tasks\x1fa"})
	n2 := b.Record([]string{"tasks\x1fb"})
	if n1 != 1 || n2 != 2 {
		t.Errorf("got batch numbers %d, %d, want 1, 2", n1, n2)
	}
	if got := b.Keys(n1); len(got) != 1 || got[0] != "tasks\x1fa" {
		t.Errorf("Keys(%d) = %v", n1, got)
	}
}

func TestBatchRegistry_Latest(t *testing.T) {
	b := NewBatchRegistry()
	if b.Latest() != 0 {
		t.Errorf("expected 0 before any batch recorded, got %d", b.Latest())
	}
	b.Record([]string{"k1"})
	b.Record([]string{"k2"})
	if b.Latest() != 2 {
		t.Errorf("expected latest 2, got %d", b.Latest())
	}
}

func TestBatchRegistry_ReleaseOlderThan(t *testing.T) {
	b := NewBatchRegistry()
	for i := 1; i <= 5; i++ {
		b.Record([]string{string(rune('a' + i))})
	}
	// newest batch is 5; keepBatches=2 keeps batches >= 5-2=3, releasing 1 and 2.
	released := b.ReleaseOlderThan(2)
	if len(released) != 2 {
		t.Fatalf("expected 2 keys released, got %v", released)
	}
	if b.Keys(1) != nil {
		t.Error("expected batch 1 bookkeeping cleared")
	}
	if b.Keys(2) != nil {
		t.Error("expected batch 2 bookkeeping cleared")
	}
	if b.Keys(3) == nil {
		t.Error("expected batch 3 bookkeeping retained")
	}
}

func TestBatchRegistry_ReleaseOlderThanNoopWhenFewBatches(t *testing.T) {
	b := NewBatchRegistry()
	b.Record([]string{"k1"})
	if got := b.ReleaseOlderThan(5); got != nil {
		t.Errorf("expected no release with few batches, got %v", got)
	}
}
