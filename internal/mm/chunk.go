package mm

import (
	"fmt"
	"sync"
)

// CustomPagesBase is the start of the kernel's custom-pages window, where every Chunk is mapped
// for direct kernel access, one guard page apart from its neighbors.
const CustomPagesBase VirtAddr = KernelBase | 0x0003_0000_0000

// ChunkArena hands out non-overlapping virtual ranges in the kernel's custom-pages window. It is
// a simple bump allocator: the window is vast (it lives in the upper half of a 48-bit address
// space) and chunks are never individually relocated, only unmapped wholesale on destruction.
type ChunkArena struct {
	engine *Engine
	alloc  *GeneralAllocator

	mu     sync.Mutex
	cursor VirtAddr
}

// NewChunkArena creates an arena that maps chunks into engine using alloc for physical pages not
// otherwise supplied by the caller (e.g. DMA pages come from a ContiguousAllocator instead).
func NewChunkArena(engine *Engine, alloc *GeneralAllocator) *ChunkArena {
	return &ChunkArena{engine: engine, alloc: alloc, cursor: CustomPagesBase}
}

// reserve carves out n pages plus one trailing guard page and returns the base virtual address.
func (a *ChunkArena) reserve(n int) VirtAddr {
	a.mu.Lock()
	defer a.mu.Unlock()

	va := a.cursor
	a.cursor += VirtAddr(n+1) * PageSize // +1: guard page between chunks

	return va
}

// Chunk is a variable-length region of physical pages mapped uniformly into the kernel's
// custom-pages window, additionally mappable into any number of process address spaces. The last
// reference dropped (owner release or last per-space unmap) frees the physical backing.
type Chunk struct {
	arena    *ChunkArena
	pages    []PhysAddr
	kernelVA VirtAddr
	attrs    Attrs

	// freePages is how physical pages are returned when the chunk's last reference drops. DMA
	// buffers free their contiguous run as a unit; ordinary chunks free page-by-page.
	freePages func([]PhysAddr)

	mu       sync.Mutex
	refCount int
	mapped   map[*AddressSpace]VirtAddr
}

// NewChunk allocates n arbitrary physical pages and maps them into the kernel's custom-pages
// window, read-write, non-executable.
func NewChunk(arena *ChunkArena, n int) (*Chunk, error) {
	pages := make([]PhysAddr, 0, n)

	for i := 0; i < n; i++ {
		pa, err := arena.alloc.Allocate()
		if err != nil {
			for _, p := range pages {
				_ = arena.alloc.Free(p)
			}

			return nil, err
		}

		pages = append(pages, pa)
	}

	return newChunkFromPages(arena, pages, AttrsKernelRWData, func(ps []PhysAddr) {
		for _, p := range ps {
			_ = arena.alloc.Free(p)
		}
	})
}

func newChunkFromPages(arena *ChunkArena, pages []PhysAddr, attrs Attrs, freePages func([]PhysAddr)) (*Chunk, error) {
	va := arena.reserve(len(pages))

	for i, pa := range pages {
		if err := arena.engine.MapChunk(va+VirtAddr(i)*PageSize, pa, GranulePage, attrs); err != nil {
			return nil, err
		}
	}

	return &Chunk{
		arena:     arena,
		pages:     pages,
		kernelVA:  va,
		attrs:     attrs,
		freePages: freePages,
		refCount:  1,
		mapped:    make(map[*AddressSpace]VirtAddr),
	}, nil
}

// KernelAddr returns the chunk's base address in the kernel's custom-pages window.
func (c *Chunk) KernelAddr() VirtAddr { return c.kernelVA }

// Pages returns the number of pages in the chunk.
func (c *Chunk) Pages() int { return len(c.pages) }

// Read copies a byte range from the chunk, honoring its kernel mapping: byte off lives in page
// off/PageSize of the chunk, whichever physical page backs it.
func (c *Chunk) Read(ram *RAM, off uint64, dst []byte) error {
	if off+uint64(len(dst)) > uint64(len(c.pages))*PageSize {
		return ErrOutOfRange
	}

	for n := 0; n < len(dst); {
		cur := off + uint64(n)
		end := n + int(PageSize-cur%PageSize)
		if end > len(dst) {
			end = len(dst)
		}

		ram.ReadBytes(c.pages[cur/PageSize]+PhysAddr(cur%PageSize), dst[n:end])
		n = end
	}

	return nil
}

// Write copies a byte range into the chunk, page by page like Read.
func (c *Chunk) Write(ram *RAM, off uint64, src []byte) error {
	if off+uint64(len(src)) > uint64(len(c.pages))*PageSize {
		return ErrOutOfRange
	}

	for n := 0; n < len(src); {
		cur := off + uint64(n)
		end := n + int(PageSize-cur%PageSize)
		if end > len(src) {
			end = len(src)
		}

		ram.WriteBytes(c.pages[cur/PageSize]+PhysAddr(cur%PageSize), src[n:end])
		n = end
	}

	return nil
}

// MapInto maps the chunk into a process address space at va with the given attributes, bumping
// its reference count.
func (c *Chunk) MapInto(as *AddressSpace, va VirtAddr, attrs Attrs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, pa := range c.pages {
		if err := as.Engine.MapChunk(va+VirtAddr(i)*PageSize, pa, GranulePage, attrs); err != nil {
			return err
		}
	}

	c.mapped[as] = va
	c.refCount++
	as.recordMapping(c, va)

	return nil
}

// UnmapFrom removes the chunk's mapping from one address space. If this was the last reference,
// the physical pages are freed.
func (c *Chunk) UnmapFrom(as *AddressSpace) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	va, ok := c.mapped[as]
	if !ok {
		return fmt.Errorf("%w: chunk not mapped into this address space", ErrNotMapped)
	}

	for i := range c.pages {
		if err := as.Engine.UnmapChunk(va+VirtAddr(i)*PageSize, GranulePage); err != nil {
			return err
		}
	}

	delete(c.mapped, as)
	as.forgetMapping(c)
	c.refCount--

	if c.refCount == 0 {
		c.freePages(c.pages)
	}

	return nil
}

// Destroy releases the owner's reference to the chunk, first unmapping it from every address
// space it is still mapped into, then freeing its physical backing once the reference count
// reaches zero.
func (c *Chunk) Destroy() {
	c.mu.Lock()
	spaces := make([]*AddressSpace, 0, len(c.mapped))
	for as := range c.mapped {
		spaces = append(spaces, as)
	}
	c.mu.Unlock()

	for _, as := range spaces {
		_ = c.UnmapFrom(as)
	}

	c.mu.Lock()
	c.refCount--
	done := c.refCount == 0
	pages := c.pages
	c.mu.Unlock()

	if done {
		c.freePages(pages)
	}
}
