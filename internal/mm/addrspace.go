package mm

import "sync"

// ASIDRegistry hands out 8-bit address-space identifiers in [1, 255], never reusing one while its
// owning address space is live. ASID 0 is reserved for the kernel's global address space and is
// never handed out here.
type ASIDRegistry struct {
	mu   sync.Mutex
	next uint8
	used map[uint8]bool
}

// NewASIDRegistry creates an empty registry.
func NewASIDRegistry() *ASIDRegistry {
	return &ASIDRegistry{next: 1, used: make(map[uint8]bool)}
}

// Allocate returns the next unused ASID, scanning from the last handed-out value with wraparound,
// or ErrASIDExhausted if all 255 are live.
func (r *ASIDRegistry) Allocate() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for n := 0; n < 255; n++ {
		candidate := r.next
		r.next++

		if r.next == 0 {
			r.next = 1
		}

		if !r.used[candidate] {
			r.used[candidate] = true
			return candidate, nil
		}
	}

	return 0, ErrASIDExhausted
}

// Release returns an ASID to the pool, making it eligible for reuse by a future address space.
func (r *ASIDRegistry) Release(asid uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.used, asid)
}

// AddressSpace is one process's virtual memory context: a page-table engine over its own PGD, a
// growable heap, a stack chunk, and the set of shared chunks/buffers currently mapped into it.
type AddressSpace struct {
	ASID   uint8
	Engine *Engine

	Heap  *Heap
	Stack *Chunk

	mu     sync.Mutex
	mapped map[*Chunk]VirtAddr // chunk -> the virtual address it occupies in this space
}

// NewAddressSpace allocates an ASID and a fresh page-table engine for a new process.
func NewAddressSpace(alloc *GeneralAllocator, ram *RAM, asids *ASIDRegistry) (*AddressSpace, error) {
	asid, err := asids.Allocate()
	if err != nil {
		return nil, err
	}

	eng, err := NewEngine(alloc, ram, asid)
	if err != nil {
		asids.Release(asid)
		return nil, err
	}

	return &AddressSpace{
		ASID:   asid,
		Engine: eng,
		Heap:   NewHeap(alloc, eng),
		mapped: make(map[*Chunk]VirtAddr),
	}, nil
}

// NewKernelAddressSpace builds the kernel's own address space: ASID 0 and global mappings (§3's
// "the kernel address space has ASID 0"), bypassing the registry that governs process ASIDs.
func NewKernelAddressSpace(alloc *GeneralAllocator, ram *RAM) (*AddressSpace, error) {
	eng, err := NewEngine(alloc, ram, 0)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		ASID:   0,
		Engine: eng,
		Heap:   NewHeap(alloc, eng),
		mapped: make(map[*Chunk]VirtAddr),
	}, nil
}

// recordMapping and forgetMapping let Chunk track which address spaces it's mapped into (§3's
// Memory chunk invariant) without Chunk reaching back into AddressSpace's internals.
func (as *AddressSpace) recordMapping(c *Chunk, va VirtAddr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.mapped[c] = va
}

func (as *AddressSpace) forgetMapping(c *Chunk) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.mapped, c)
}

// Destroy tears down the address space: every chunk/buffer still mapped into it is unmapped, the
// page tables are cleared, and the ASID is released back to the registry.
func (as *AddressSpace) Destroy(asids *ASIDRegistry) {
	as.mu.Lock()
	chunks := make([]*Chunk, 0, len(as.mapped))
	for c := range as.mapped {
		chunks = append(chunks, c)
	}
	as.mu.Unlock()

	for _, c := range chunks {
		c.UnmapFrom(as)
	}

	as.Engine.ClearAll()
	asids.Release(as.ASID)
}
