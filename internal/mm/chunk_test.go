package mm

import "testing"

func newTestMM(t *testing.T) (*GeneralAllocator, *RAM, *Engine, *ChunkArena, *ASIDRegistry) {
	t.Helper()

	alloc := &GeneralAllocator{}
	alloc.AddBank(NewBank(0, 8192*PageSize))

	ram := NewRAM()

	kernelEngine, err := NewEngine(alloc, ram, 0)
	if err != nil {
		t.Fatalf("new kernel engine: %v", err)
	}

	arena := NewChunkArena(kernelEngine, alloc)

	return alloc, ram, kernelEngine, arena, NewASIDRegistry()
}

func TestChunkReadWriteThroughKernelMapping(t *testing.T) {
	alloc, ram, _, arena, _ := newTestMM(t)

	before := alloc.UsedPages()

	c, err := NewChunk(arena, 2)
	if err != nil {
		t.Fatalf("new chunk: %v", err)
	}

	if c.Pages() != 2 {
		t.Fatalf("expected 2 pages, got %d", c.Pages())
	}

	// The first mapping into the custom-pages window also allocates its level 2-4 tables under the
	// root; those table pages stay allocated after the chunk is destroyed.
	const tablePages = 3

	if alloc.UsedPages()-before != 2+tablePages {
		t.Fatalf("expected 2 data pages plus %d table pages allocated, delta=%d", tablePages, alloc.UsedPages()-before)
	}

	msg := []byte("hello kernel")
	if err := c.Write(ram, 0, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(msg))
	if err := c.Read(ram, 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != string(msg) {
		t.Fatalf("got %q want %q", got, msg)
	}

	c.Destroy()

	if alloc.UsedPages() != before+tablePages {
		t.Fatalf("expected data pages freed after destroy, used=%d before=%d", alloc.UsedPages(), before)
	}
}

func TestChunkMapIntoMultipleAddressSpacesAndUnmapAll(t *testing.T) {
	alloc, _, _, arena, asids := newTestMM(t)

	c, err := NewChunk(arena, 1)
	if err != nil {
		t.Fatalf("new chunk: %v", err)
	}

	as1, err := NewAddressSpace(alloc, NewRAM(), asids)
	if err != nil {
		t.Fatalf("address space 1: %v", err)
	}

	as2, err := NewAddressSpace(alloc, NewRAM(), asids)
	if err != nil {
		t.Fatalf("address space 2: %v", err)
	}

	// Note: as1/as2 use a fresh RAM than arena's kernel engine in this test; what matters is
	// that MapInto/UnmapFrom correctly drive each address space's own engine and refcount.
	va := VirtAddr(0x1000_0000)

	if err := c.MapInto(as1, va, AttrsUserRWData); err != nil {
		t.Fatalf("map into as1: %v", err)
	}

	if err := c.MapInto(as2, va, AttrsUserRWData); err != nil {
		t.Fatalf("map into as2: %v", err)
	}

	if !as1.Engine.HasEntryAt(va) || !as2.Engine.HasEntryAt(va) {
		t.Fatal("expected chunk mapped into both address spaces")
	}

	before := alloc.UsedPages()

	// Destroying the chunk (owner release) must unmap it from every space it's still mapped
	// into before the backing pages are freed.
	c.Destroy()

	if as1.Engine.HasEntryAt(va) || as2.Engine.HasEntryAt(va) {
		t.Fatal("expected chunk unmapped from all address spaces after Destroy")
	}

	if alloc.UsedPages() != before-1 {
		t.Fatalf("expected chunk's page freed exactly once, used=%d before=%d", alloc.UsedPages(), before)
	}
}

func TestASIDRegistryNeverReusesLiveASID(t *testing.T) {
	r := NewASIDRegistry()

	seen := map[uint8]bool{}

	for i := 0; i < 10; i++ {
		asid, err := r.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}

		if seen[asid] {
			t.Fatalf("ASID %d reused while still live", asid)
		}

		seen[asid] = true
	}

	r.Release(5)

	asid, err := r.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}

	if asid == 0 {
		t.Fatal("ASID 0 is reserved for the kernel and must never be handed out")
	}
}
