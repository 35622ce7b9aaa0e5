package mm

// pagealloc.go implements the bitmap page allocator described in §4.B: one bit per page over a
// contiguous physical band, a rotating cursor for bounded-latency allocation, and a second
// allocator restricted to a contiguous tail region for DMA and framebuffer surfaces.

// Bank is a bitmap allocator over one contiguous physical memory band, e.g. one "/memory@*"
// node reported by the device tree. Bit i of bitmap is set when page i (start + i*PageSize) is
// in use.
type Bank struct {
	start  PhysAddr
	pages  int
	bitmap []uint64 // one bit per page
	cursor int       // next index to probe
	used   int

	next *Bank // banks form a singly linked list, per §3's "Page allocator" data model.
}

// NewBank creates a bank covering [start, start+size). size is rounded down to a whole number of
// pages.
func NewBank(start PhysAddr, size uint64) *Bank {
	pages := int(size / PageSize)
	words := (pages + 63) / 64

	return &Bank{
		start:  start,
		pages:  pages,
		bitmap: make([]uint64, words),
	}
}

// Pages returns the number of pages this bank governs.
func (b *Bank) Pages() int { return b.pages }

// Used returns the number of pages currently allocated in this bank.
func (b *Bank) Used() int { return b.used }

// Contains reports whether a physical address falls within this bank's governed range.
func (b *Bank) Contains(pa PhysAddr) bool {
	return pa >= b.start && pa < b.start+PhysAddr(b.pages)*PageSize
}

func (b *Bank) bitSet(i int) bool { return b.bitmap[i/64]&(1<<uint(i%64)) != 0 }

func (b *Bank) bitFlip(i int) { b.bitmap[i/64] ^= 1 << uint(i%64) }

// allocate scans forward from the cursor for the first free page, flips its bit, and returns its
// physical address. It is bounded-latency in the number of pages in the bank.
func (b *Bank) allocate() (PhysAddr, bool) {
	for n := 0; n < b.pages; n++ {
		i := (b.cursor + n) % b.pages
		if !b.bitSet(i) {
			b.bitFlip(i)
			b.used++
			b.cursor = (i + 1) % b.pages

			return b.start + PhysAddr(i)*PageSize, true
		}
	}

	return 0, false
}

// free flips the bit for pa. It is a caller error to free a page not owned by this bank or
// already free; callers are expected to have checked Contains first.
func (b *Bank) free(pa PhysAddr) bool {
	i := int((pa - b.start) / PageSize)
	if i < 0 || i >= b.pages || !b.bitSet(i) {
		return false
	}

	b.bitFlip(i)
	b.used--

	return true
}

// markRange reserves [from, to) unconditionally, used at boot to protect the kernel image, the
// stack, the DTB, firmware-reserved regions, and pages already handed out by a linear bootstrap
// allocator. It is idempotent: pages already marked used are left alone.
func (b *Bank) markRange(from, to PhysAddr) {
	start := int((from - b.start) / PageSize)
	end := int((to - b.start + PageSize - 1) / PageSize)

	if start < 0 {
		start = 0
	}

	if end > b.pages {
		end = b.pages
	}

	for i := start; i < end; i++ {
		if !b.bitSet(i) {
			b.bitFlip(i)
			b.used++
		}
	}
}

// allocateRun scans for n consecutive free pages and, if found, marks them all used and returns
// the physical address of the first. It does not use the rotating cursor: contiguous allocation
// favors correctness over amortized speed since it is only used for the comparatively rare DMA
// and framebuffer allocations.
func (b *Bank) allocateRun(n int) (PhysAddr, bool) {
	if n <= 0 || n > b.pages {
		return 0, false
	}

	run := 0

	for i := 0; i < b.pages; i++ {
		if b.bitSet(i) {
			run = 0
			continue
		}

		run++

		if run == n {
			first := i - n + 1

			for j := first; j <= i; j++ {
				b.bitFlip(j)
				b.used++
			}

			return b.start + PhysAddr(first)*PageSize, true
		}
	}

	return 0, false
}

// GeneralAllocator serves single-page allocations across every memory bank reported by the
// device tree, trying banks in the order they were added.
type GeneralAllocator struct {
	head *Bank
	tail *Bank
}

// AddBank appends a bank to the allocator's linked list.
func (g *GeneralAllocator) AddBank(b *Bank) {
	if g.head == nil {
		g.head = b
		g.tail = b

		return
	}

	g.tail.next = b
	g.tail = b
}

// Allocate returns one free physical page, or ErrOutOfMemory if every bank is exhausted.
func (g *GeneralAllocator) Allocate() (PhysAddr, error) {
	for b := g.head; b != nil; b = b.next {
		if pa, ok := b.allocate(); ok {
			return pa, nil
		}
	}

	return 0, ErrOutOfMemory
}

// Free returns a page to whichever bank governs it.
func (g *GeneralAllocator) Free(pa PhysAddr) error {
	for b := g.head; b != nil; b = b.next {
		if b.Contains(pa) {
			if !b.free(pa) {
				return ErrConflict
			}

			return nil
		}
	}

	return ErrOutOfRange
}

// MarkUsed reserves [from, to) in whichever bank(s) overlap it.
func (g *GeneralAllocator) MarkUsed(from, to PhysAddr) {
	for b := g.head; b != nil; b = b.next {
		if b.Contains(from) || (from < b.start && to > b.start) {
			b.markRange(from, to)
		}
	}
}

// UsedPages sums the used page count across every bank, the quantity §8.1's round-trip property
// checks after a sequence of allocate/free calls.
func (g *GeneralAllocator) UsedPages() int {
	n := 0
	for b := g.head; b != nil; b = b.next {
		n += b.Used()
	}

	return n
}

// ContiguousAllocator covers a tail region of one bank reserved at boot to satisfy DMA-buffer and
// framebuffer-surface demand; it is never used for ordinary single-page allocation.
type ContiguousAllocator struct {
	bank *Bank
}

// NewContiguousAllocator carves out a contiguous region of size bytes (rounded down to pages) for
// exclusive use by DMA-capable allocations.
func NewContiguousAllocator(start PhysAddr, size uint64) *ContiguousAllocator {
	return &ContiguousAllocator{bank: NewBank(start, size)}
}

// DefaultContiguousSize is a 100 MiB size for the contiguous DMA region. Boot does not use it:
// internal/boot sizes the DMA tail at 1/8 of the largest memory bank.
const DefaultContiguousSize = 100 * 1024 * 1024

// AllocateRun returns n physically-contiguous pages, or ErrOutOfMemory if no run of that length
// is free.
func (c *ContiguousAllocator) AllocateRun(n int) (PhysAddr, error) {
	pa, ok := c.bank.allocateRun(n)
	if !ok {
		return 0, ErrOutOfMemory
	}

	return pa, nil
}

// FreeRun returns n pages starting at pa to the contiguous allocator.
func (c *ContiguousAllocator) FreeRun(pa PhysAddr, n int) error {
	for i := 0; i < n; i++ {
		if !c.bank.free(pa + PhysAddr(i)*PageSize) {
			return ErrConflict
		}
	}

	return nil
}

// UsedPages reports how many pages of the contiguous region are allocated.
func (c *ContiguousAllocator) UsedPages() int { return c.bank.Used() }
