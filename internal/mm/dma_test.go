package mm

import (
	"testing"

	"github.com/mseaver/pikernel/internal/dtb"
)

func TestDMABufferIsContiguousAndBusTranslatable(t *testing.T) {
	alloc := &GeneralAllocator{}
	alloc.AddBank(NewBank(0, 1024*PageSize))

	ram := NewRAM()

	kernelEngine, err := NewEngine(alloc, ram, 0)
	if err != nil {
		t.Fatalf("kernel engine: %v", err)
	}

	arena := NewChunkArena(kernelEngine, alloc)
	cont := NewContiguousAllocator(0x1000_0000, 64*PageSize)

	buf, err := NewBuffer(arena, cont, 4)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	for i := 0; i < 4; i++ {
		if !kernelEngine.HasEntryAt(buf.KernelAddr() + VirtAddr(i)*PageSize) {
			t.Fatalf("expected page %d mapped into kernel window", i)
		}
	}

	ranges := []dtb.SoCRange{{ChildAddr: 0x7e000000, ParentAddr: 0x1000_0000, Size: 0x1000000}}

	bus, ok := buf.BusAddress(ranges)
	if !ok {
		t.Fatal("expected bus address translation to succeed")
	}

	if bus != 0x7e000000 {
		t.Fatalf("unexpected bus address: %#x", bus)
	}

	before := cont.UsedPages()

	buf.Destroy()

	if cont.UsedPages() != before-4 {
		t.Fatalf("expected contiguous run freed as a unit, used=%d before=%d", cont.UsedPages(), before)
	}
}
