package memory

import (
	"testing"
	"time"
)

func TestGetOrCreateGeneratesID(t *testing.T) {
	p := NewPool(time.Minute, 10, nil, nil)
	id, mem := p.GetOrCreate("", "agent-1", New)
	if id == "" {
		t.Fatal("expected generated session id")
	}
	if mem == nil {
		t.Fatal("expected memory handle")
	}

	again, same := p.GetOrCreate(id, "agent-1", New)
	if again != id {
		t.Errorf("second GetOrCreate returned %q, want %q", again, id)
	}
	if same != mem {
		t.Error("second GetOrCreate returned a different memory handle")
	}
	if p.Len() != 1 {
		t.Errorf("pool len = %d, want 1", p.Len())
	}
}

func TestSweepTTL(t *testing.T) {
	p := NewPool(50*time.Millisecond, 10, nil, nil)
	p.GetOrCreate("a", "", New)
	time.Sleep(80 * time.Millisecond)
	p.GetOrCreate("b", "", New)

	if n := p.Sweep(); n != 1 {
		t.Errorf("Sweep evicted %d, want 1", n)
	}
	if p.Len() != 1 {
		t.Errorf("pool len = %d, want 1", p.Len())
	}
	if _, mem := p.GetOrCreate("b", "", New); mem == nil {
		t.Error("session b should have survived")
	}
}

func TestSweepLRUOverCapacity(t *testing.T) {
	p := NewPool(time.Hour, 2, nil, nil)
	p.GetOrCreate("a", "", New)
	time.Sleep(5 * time.Millisecond)
	p.GetOrCreate("b", "", New)
	time.Sleep(5 * time.Millisecond)
	p.GetOrCreate("c", "", New)

	if n := p.Sweep(); n != 1 {
		t.Errorf("Sweep evicted %d, want 1", n)
	}
	if p.Len() != 2 {
		t.Errorf("pool len = %d, want capacity 2", p.Len())
	}

	// The oldest entry (a) must be the LRU victim.
	p.mu.Lock()
	_, hasA := p.entries["a"]
	_, hasB := p.entries["b"]
	_, hasC := p.entries["c"]
	p.mu.Unlock()
	if hasA || !hasB || !hasC {
		t.Errorf("eviction picked wrong victim: a=%v b=%v c=%v", hasA, hasB, hasC)
	}
}

func TestTouchProtectsFromLRU(t *testing.T) {
	p := NewPool(time.Hour, 2, nil, nil)
	p.GetOrCreate("a", "", New)
	time.Sleep(5 * time.Millisecond)
	p.GetOrCreate("b", "", New)
	time.Sleep(5 * time.Millisecond)
	p.Touch("a")
	p.GetOrCreate("c", "", New)

	p.Sweep()
	p.mu.Lock()
	_, hasA := p.entries["a"]
	_, hasB := p.entries["b"]
	p.mu.Unlock()
	if !hasA {
		t.Error("touched session a was evicted")
	}
	if hasB {
		t.Error("stale session b survived over-capacity sweep")
	}
}
