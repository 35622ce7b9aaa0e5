package mm

import "fmt"

// HeapBase is the fixed virtual address at which every kernel heap begins.
const HeapBase VirtAddr = KernelBase | 0x0001_0000_0000

// Heap is the kernel heap of §4.D: it lives at a fixed virtual base and grows by whole pages
// through ChangeEnd, and carries a first-fit free-list allocator (KMalloc/KFree) above that.
//
// Block metadata (size, neighbors, free flag) is kept in the kernel's own bookkeeping structures
// rather than threaded byte-for-byte into the simulated heap memory: this engine models address
// and capacity accounting, not the byte content a real allocator's header would occupy, which
// would add nothing testable here.
type Heap struct {
	base   VirtAddr
	end    VirtAddr
	alloc  *GeneralAllocator
	engine *Engine
	frames []PhysAddr

	blocks *kblock // head of an address-ordered doubly linked list of blocks
}

type kblock struct {
	addr VirtAddr
	size uint64
	free bool
	prev *kblock
	next *kblock
}

// NewHeap creates an empty heap at HeapBase with zero size; call ChangeEnd to grow it before use.
func NewHeap(alloc *GeneralAllocator, engine *Engine) *Heap {
	return &Heap{base: HeapBase, end: HeapBase, alloc: alloc, engine: engine}
}

// End returns the current heap end address.
func (h *Heap) End() VirtAddr { return h.end }

// ChangeEnd moves the heap end by delta bytes (rounded up to whole pages) and returns the old
// end, matching the sbrk syscall's contract. A positive delta maps and zeroes new pages
// read-write, non-executable, kernel-only; a negative delta unmaps and frees pages from the top
// down. Shrinking below base is rejected.
func (h *Heap) ChangeEnd(delta int64) (VirtAddr, error) {
	old := h.end

	if delta == 0 {
		return old, nil
	}

	if delta > 0 {
		pages := int((uint64(delta) + PageSize - 1) / PageSize)

		newFrames := make([]PhysAddr, 0, pages)

		for i := 0; i < pages; i++ {
			pa, err := h.alloc.Allocate()
			if err != nil {
				// Roll back any pages allocated in this call before failing.
				for _, f := range newFrames {
					_ = h.alloc.Free(f)
				}

				return old, err
			}

			va := h.end + VirtAddr(i)*PageSize
			if err := h.engine.MapChunk(va, pa, GranulePage, AttrsKernelRWData); err != nil {
				_ = h.alloc.Free(pa)
				return old, err
			}

			h.engine.ram.Zero(pa)
			newFrames = append(newFrames, pa)
		}

		h.frames = append(h.frames, newFrames...)
		h.end += VirtAddr(pages) * PageSize

		return old, nil
	}

	// Shrink.
	shrink := uint64(-delta)
	pages := int(shrink / PageSize)

	if VirtAddr(pages)*PageSize > h.end-h.base {
		return old, fmt.Errorf("%w: shrink past heap base", ErrOutOfRange)
	}

	for i := 0; i < pages; i++ {
		h.end -= PageSize

		if err := h.engine.UnmapChunk(h.end, GranulePage); err != nil {
			return old, err
		}

		last := h.frames[len(h.frames)-1]
		h.frames = h.frames[:len(h.frames)-1]
		_ = h.alloc.Free(last)
	}

	return old, nil
}

// KMalloc allocates size bytes aligned to align (a power of two; 0 or 1 means no special
// alignment) from the heap, growing the heap if no free block is large enough. It implements
// first-fit: the first free block found, address-ascending, that can satisfy the request wins,
// splitting off any leftover as a new free block.
func (h *Heap) KMalloc(size, align uint64) (VirtAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", ErrOutOfRange)
	}

	if align < 1 {
		align = 1
	}

	for {
		if va, ok := h.firstFit(size, align); ok {
			return va, nil
		}

		// No block large enough (accounting for alignment overreservation); grow by enough pages to
		// satisfy a worst-case aligned request, then retry.
		grow := int64(size + align + PageSize - 1)
		if _, err := h.ChangeEnd(grow); err != nil {
			return 0, err
		}

		h.appendFreeBlock(h.end-VirtAddr(grow), uint64(grow))
	}
}

func (h *Heap) firstFit(size, align uint64) (VirtAddr, bool) {
	for b := h.blocks; b != nil; b = b.next {
		if !b.free {
			continue
		}

		alignedStart := alignUp(uint64(b.addr), align)
		pad := alignedStart - uint64(b.addr)

		if pad+size > b.size {
			continue
		}

		// Split off the leading padding, if any, as its own free block.
		if pad > 0 {
			h.splitAt(b, pad)
			b = b.next
		}

		// Split off the trailing remainder, if any.
		if b.size > size {
			h.splitAt(b, size)
		}

		b.free = false

		return b.addr, true
	}

	return 0, false
}

// splitAt splits block b into [b.addr, b.addr+at) and [b.addr+at, b.addr+b.size), inserting the
// second half as a new block immediately after b in the list. Both halves inherit b.free.
func (h *Heap) splitAt(b *kblock, at uint64) {
	tail := &kblock{
		addr: b.addr + VirtAddr(at),
		size: b.size - at,
		free: b.free,
		prev: b,
		next: b.next,
	}

	if b.next != nil {
		b.next.prev = tail
	}

	b.next = tail
	b.size = at
}

func (h *Heap) appendFreeBlock(addr VirtAddr, size uint64) {
	nb := &kblock{addr: addr, size: size, free: true}

	if h.blocks == nil {
		h.blocks = nb
		return
	}

	tail := h.blocks
	for tail.next != nil {
		tail = tail.next
	}

	// Merge with the previous block if it is free and adjacent (the common case: growth appends
	// right after the last allocation).
	if tail.free && tail.addr+VirtAddr(tail.size) == addr {
		tail.size += size
		return
	}

	nb.prev = tail
	tail.next = nb
}

// KFree releases a block previously returned by KMalloc, merging it with free neighbors.
func (h *Heap) KFree(va VirtAddr) error {
	for b := h.blocks; b != nil; b = b.next {
		if b.addr != va {
			continue
		}

		if b.free {
			return fmt.Errorf("%w: double free at %s", ErrConflict, va)
		}

		b.free = true

		if b.next != nil && b.next.free {
			b.size += b.next.size
			b.next = b.next.next

			if b.next != nil {
				b.next.prev = b
			}
		}

		if b.prev != nil && b.prev.free {
			b.prev.size += b.size
			b.prev.next = b.next

			if b.next != nil {
				b.next.prev = b.prev
			}
		}

		return nil
	}

	return fmt.Errorf("%w: no allocation at %s", ErrNotMapped, va)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}

	return (v + align - 1) &^ (align - 1)
}
