package account

import (
	"fmt"
	"testing"
)

func TestLedgerInsertOnce(t *testing.T) {
	l := NewLedger(8)
	if !l.Insert("BTCUSDT/fcx-sl-abc/2/1001") {
		t.Fatalf("first insert must succeed")
	}
	if l.Insert("BTCUSDT/fcx-sl-abc/2/1001") {
		t.Fatalf("duplicate insert must be rejected")
	}
	if !l.Contains("BTCUSDT/fcx-sl-abc/2/1001") {
		t.Fatalf("key should be recorded")
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
}

func TestLedgerEvictsOldest(t *testing.T) {
	l := NewLedger(3)
	for i := 0; i < 5; i++ {
		l.Insert(fmt.Sprintf("key-%d", i))
	}
	if l.Len() != 3 {
		t.Fatalf("len = %d, want cap 3", l.Len())
	}
	if l.Contains("key-0") || l.Contains("key-1") {
		t.Fatalf("oldest keys should have been evicted")
	}
	if !l.Contains("key-4") {
		t.Fatalf("newest key missing")
	}
	// an evicted key may be inserted again
	if !l.Insert("key-0") {
		t.Fatalf("evicted key must be insertable again")
	}
}

func TestLedgerRemoveRearms(t *testing.T) {
	l := NewLedger(8)
	l.Insert("margin/42")
	l.Remove("margin/42")
	if l.Contains("margin/42") {
		t.Fatalf("removed key should be gone")
	}
	if !l.Insert("margin/42") {
		t.Fatalf("removed key must be insertable again")
	}
	l.Remove("never-inserted") // no-op
}
