package mm

import "testing"

func newTestHeap(t *testing.T) *Heap {
	t.Helper()

	alloc := &GeneralAllocator{}
	alloc.AddBank(NewBank(0, 4096*PageSize))

	ram := NewRAM()

	eng, err := NewEngine(alloc, ram, 0)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return NewHeap(alloc, eng)
}

func TestHeapChangeEndGrowsAndShrinks(t *testing.T) {
	h := newTestHeap(t)

	old, err := h.ChangeEnd(3 * PageSize)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}

	if old != HeapBase {
		t.Fatalf("expected old end == base, got %s", old)
	}

	if h.End() != HeapBase+3*PageSize {
		t.Fatalf("unexpected new end: %s", h.End())
	}

	if _, err := h.ChangeEnd(-1 * PageSize); err != nil {
		t.Fatalf("shrink: %v", err)
	}

	if h.End() != HeapBase+2*PageSize {
		t.Fatalf("unexpected end after shrink: %s", h.End())
	}
}

func TestKMallocFirstFitAndFree(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.KMalloc(64, 8)
	if err != nil {
		t.Fatalf("kmalloc a: %v", err)
	}

	b, err := h.KMalloc(128, 8)
	if err != nil {
		t.Fatalf("kmalloc b: %v", err)
	}

	if a == b {
		t.Fatal("two live allocations aliased to the same address")
	}

	if err := h.KFree(a); err != nil {
		t.Fatalf("kfree a: %v", err)
	}

	// Re-allocating something that fits in the freed hole should reuse it (first-fit).
	c, err := h.KMalloc(32, 8)
	if err != nil {
		t.Fatalf("kmalloc c: %v", err)
	}

	if c != a {
		t.Fatalf("expected first-fit reuse of freed block at %s, got %s", a, c)
	}

	if err := h.KFree(b); err != nil {
		t.Fatalf("kfree b: %v", err)
	}

	if err := h.KFree(c); err != nil {
		t.Fatalf("kfree c: %v", err)
	}

	if err := h.KFree(c); err == nil {
		t.Fatal("expected error double-freeing the same block")
	}
}

func TestKMallocAlignment(t *testing.T) {
	h := newTestHeap(t)

	// Misalign the arena on purpose by allocating an odd-sized block first.
	if _, err := h.KMalloc(3, 1); err != nil {
		t.Fatalf("kmalloc: %v", err)
	}

	va, err := h.KMalloc(16, 64)
	if err != nil {
		t.Fatalf("kmalloc aligned: %v", err)
	}

	if uint64(va)%64 != 0 {
		t.Fatalf("expected 64-byte alignment, got %s", va)
	}
}

func TestKMallocGrowsHeapWhenExhausted(t *testing.T) {
	h := newTestHeap(t)

	before := h.End()

	// Request something bigger than any currently-mapped heap region (heap starts empty).
	va, err := h.KMalloc(PageSize*2, 8)
	if err != nil {
		t.Fatalf("kmalloc: %v", err)
	}

	if h.End() <= before {
		t.Fatal("expected heap to grow to satisfy the allocation")
	}

	if va < HeapBase || va >= h.End() {
		t.Fatalf("allocation %s outside heap [%s, %s)", va, HeapBase, h.End())
	}
}
