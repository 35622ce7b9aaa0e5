package mm

import (
	"github.com/mseaver/pikernel/internal/dtb"
)

// Buffer is the DMA-capable variant of Chunk (§4.D): its pages are physically contiguous,
// allocated from a ContiguousAllocator, mapped as outer-shareable device memory, and can be
// translated to a bus address the DMA engine can use directly.
type Buffer struct {
	*Chunk
	base PhysAddr
	n    int
}

// NewBuffer allocates n physically-contiguous pages from cont and maps them into the kernel's
// custom-pages window as DMA-visible memory.
func NewBuffer(arena *ChunkArena, cont *ContiguousAllocator, n int) (*Buffer, error) {
	base, err := cont.AllocateRun(n)
	if err != nil {
		return nil, err
	}

	pages := make([]PhysAddr, n)
	for i := range pages {
		pages[i] = base + PhysAddr(i)*PageSize
	}

	chunk, err := newChunkFromPages(arena, pages, AttrsDMABuffer, func([]PhysAddr) {
		_ = cont.FreeRun(base, n)
	})
	if err != nil {
		_ = cont.FreeRun(base, n)
		return nil, err
	}

	return &Buffer{Chunk: chunk, base: base, n: n}, nil
}

// BusAddress returns the address the DMA engine must use to reach this buffer, translating the
// buffer's base physical address through the SoC's /soc/ranges, or false if no range covers it.
func (b *Buffer) BusAddress(ranges []dtb.SoCRange) (uint64, bool) {
	return dtb.PhysToBus(ranges, uint64(b.base))
}

// PhysAddr returns the buffer's base CPU physical address.
func (b *Buffer) PhysAddr() PhysAddr { return b.base }
