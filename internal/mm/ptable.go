package mm

// ptable.go implements the 4-level page-table engine of §4.C: a 9-bit index per level, 4 KiB
// pages, 48-bit virtual addresses. Levels are numbered 1-4 as in the data model: level 1 is
// always a table (never a block); level 2 may block at 1 GiB; level 3 may block at 2 MiB; level
// 4 always holds page mappings.
//
// Descriptor bit layout is a kernel-internal encoding, not the real ARMv8 translation-table
// format (the spec excludes MAIR/TCR/SCTLR-level bit layouts from the core's concern; only the
// resulting map/unmap/attribute-change semantics are specified and tested).
const (
	descValid = 1 << 0
	descTable = 1 << 1 // set when the descriptor points at a subordinate table
	descNG    = 1 << 10
)

const (
	shareShift = 2
	execShift  = 4
	rwShift    = 6
	accShift   = 7
	typeShift  = 8
	addrMask   = ^uint64(0xfff) // bits 12-63
)

func encodeAttrs(a Attrs) uint64 {
	return uint64(a.Share)<<shareShift | uint64(a.Exec)<<execShift | uint64(a.RW)<<rwShift |
		uint64(a.Access)<<accShift | uint64(a.Type)<<typeShift
}

func decodeAttrs(desc uint64) Attrs {
	return Attrs{
		Share:  Shareability((desc >> shareShift) & 0x3),
		Exec:   ExecutePerm((desc >> execShift) & 0x3),
		RW:     ReadWritePerm((desc >> rwShift) & 0x1),
		Access: Accessibility((desc >> accShift) & 0x1),
		Type:   MemoryType((desc >> typeShift) & 0x3),
	}
}

// Engine walks and mutates one translation table tree. It is parameterised by whether the table
// belongs to the kernel (ASID 0, global mappings) or a process (ASID 1-255, nG bit set).
type Engine struct {
	alloc *GeneralAllocator
	ram   *RAM
	asid  uint8
	root  PhysAddr
}

// NewEngine allocates a fresh, zeroed top-level table (the PGD) and returns an engine over it.
func NewEngine(alloc *GeneralAllocator, ram *RAM, asid uint8) (*Engine, error) {
	root, err := alloc.Allocate()
	if err != nil {
		return nil, err
	}

	ram.Zero(root)

	return &Engine{alloc: alloc, ram: ram, asid: asid, root: root}, nil
}

// Root returns the physical address of the top-level table (PGD).
func (e *Engine) Root() PhysAddr { return e.root }

func levelShift(level int) uint {
	return uint(12 + (4-level)*9)
}

func levelIndex(va VirtAddr, level int) int {
	return int((uint64(va) >> levelShift(level)) & 0x1ff)
}

func levelSpan(level int) uint64 {
	return 1 << levelShift(level)
}

func blockAllowed(level int) bool { return level == 2 || level == 3 }

// granuleLevel returns the level whose span equals size, for size in {4K, 2M, 1G}.
func granuleLevel(size uint64) (int, bool) {
	switch size {
	case GranuleBlock1G:
		return 2, true
	case GranuleBlock2M:
		return 3, true
	case GranulePage:
		return 4, true
	default:
		return 0, false
	}
}

// getOrCreateTable returns the physical address of the subordinate table referenced by entry
// index of the table at tablePA, allocating and linking a fresh zeroed table if the entry is
// currently invalid. It fails if the entry already holds a block/page mapping.
func (e *Engine) getOrCreateTable(tablePA PhysAddr, index int) (PhysAddr, error) {
	desc := e.ram.Descriptor(tablePA, index)

	if desc&descValid == 0 {
		child, err := e.alloc.Allocate()
		if err != nil {
			return 0, err
		}

		e.ram.Zero(child)
		e.ram.SetDescriptor(tablePA, index, (uint64(child)&addrMask)|descValid|descTable)

		return child, nil
	}

	if desc&descTable == 0 {
		return 0, ErrConflict // a block/page descriptor already occupies this slot
	}

	return PhysAddr(desc & addrMask), nil
}

// writeLeaf installs or verifies a block/page descriptor at index of the table at tablePA. It is
// idempotent: writing the same (pa, attrs) over an identical existing mapping succeeds.
func (e *Engine) writeLeaf(tablePA PhysAddr, index int, pa PhysAddr, attrs Attrs) error {
	desc := e.ram.Descriptor(tablePA, index)

	if desc&descValid != 0 {
		if desc&descTable != 0 {
			return ErrIsTable
		}

		if PhysAddr(desc&addrMask) != pa {
			return ErrConflict
		}

		// Same mapping already installed; still refresh attrs in case they changed, preserving
		// idempotence of repeated identical calls and correctness of genuine attr updates.
	}

	new := (uint64(pa) & addrMask) | descValid | encodeAttrs(attrs)
	if e.asid != 0 {
		new |= descNG
	}

	e.ram.SetDescriptor(tablePA, index, new)

	return nil
}

// MapChunk maps a single region of size (4K, 2M, or 1G) at va to pa with the given attributes.
func (e *Engine) MapChunk(va VirtAddr, pa PhysAddr, size uint64, attrs Attrs) error {
	if uint64(va)%size != 0 || uint64(pa)%size != 0 {
		return ErrNotAligned
	}

	level, ok := granuleLevel(size)
	if !ok {
		return ErrNotAligned
	}

	table := e.root

	for l := 1; l < level; l++ {
		idx := levelIndex(va, l)

		child, err := e.getOrCreateTable(table, idx)
		if err != nil {
			return err
		}

		table = child
	}

	return e.writeLeaf(table, levelIndex(va, level), pa, attrs)
}

// UnmapChunk clears the mapping at va covering size; unmapping an already-empty entry is a
// no-op.
func (e *Engine) UnmapChunk(va VirtAddr, size uint64) error {
	level, ok := granuleLevel(size)
	if !ok {
		return ErrNotAligned
	}

	table := e.root

	for l := 1; l < level; l++ {
		idx := levelIndex(va, l)
		desc := e.ram.Descriptor(table, idx)

		if desc&descValid == 0 {
			return nil // no-op: nothing mapped under here
		}

		if desc&descTable == 0 {
			return ErrConflict // a coarser block sits where we expected a table
		}

		table = PhysAddr(desc & addrMask)
	}

	e.ram.SetDescriptor(table, levelIndex(va, level), 0)

	return nil
}

// MapRange is the performance-critical path of §4.C: it walks the tables once and, at each
// level, installs the coarsest block that exactly covers the remaining sub-range, descending
// only where necessary. It produces the minimum number of descriptors, bounded by the number of
// blocks rather than the number of pages.
func (e *Engine) MapRange(vaStart, vaEnd VirtAddr, paStart PhysAddr, attrs Attrs) error {
	if uint64(vaStart)%PageSize != 0 || uint64(vaEnd)%PageSize != 0 || uint64(paStart)%PageSize != 0 {
		return ErrNotAligned
	}

	if vaEnd <= vaStart {
		return nil
	}

	return e.mapRangeLevel(e.root, 1, vaStart, vaEnd, paStart, attrs)
}

func (e *Engine) mapRangeLevel(table PhysAddr, level int, va, vaEnd VirtAddr, pa PhysAddr, attrs Attrs) error {
	for va < vaEnd {
		idx := levelIndex(va, level)
		span := levelSpan(level)
		entryEnd := VirtAddr((uint64(va) &^ (span - 1)) + span)

		spanEnd := vaEnd
		if entryEnd < spanEnd {
			spanEnd = entryEnd
		}

		fullyCovers := uint64(va)%span == 0 && uint64(spanEnd-va) == span

		switch {
		case level == 4:
			if err := e.writeLeaf(table, idx, pa, attrs); err != nil {
				return err
			}

		case blockAllowed(level) && fullyCovers:
			if err := e.writeLeaf(table, idx, pa, attrs); err != nil {
				return err
			}

		default:
			child, err := e.getOrCreateTable(table, idx)
			if err != nil {
				return err
			}

			if err := e.mapRangeLevel(child, level+1, va, spanEnd, pa, attrs); err != nil {
				return err
			}
		}

		pa += PhysAddr(spanEnd - va)
		va = spanEnd
	}

	return nil
}

// UnmapRange removes every mapping in [vaStart, vaEnd), one page at a time. It is the simple
// (non performance-critical) inverse of MapRange: after it returns, HasEntryAt is false for
// every address in the range.
func (e *Engine) UnmapRange(vaStart, vaEnd VirtAddr) error {
	for va := vaStart; va < vaEnd; va += PageSize {
		if err := e.unmapLeaf(va); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) unmapLeaf(va VirtAddr) error {
	table := e.root

	for l := 1; l < 4; l++ {
		idx := levelIndex(va, l)
		desc := e.ram.Descriptor(table, idx)

		if desc&descValid == 0 {
			return nil
		}

		if desc&descTable == 0 {
			// A coarser block covers va; clear the whole block entry.
			e.ram.SetDescriptor(table, idx, 0)
			return nil
		}

		table = PhysAddr(desc & addrMask)
	}

	e.ram.SetDescriptor(table, levelIndex(va, 4), 0)

	return nil
}

// HasEntryAt reports whether va is currently mapped, at any granule.
func (e *Engine) HasEntryAt(va VirtAddr) bool {
	_, _, ok := e.resolve(va)
	return ok
}

// GetAttr returns the attributes of whichever mapping (block or page) covers va.
func (e *Engine) GetAttr(va VirtAddr) (Attrs, bool) {
	_, desc, ok := e.resolve(va)
	if !ok {
		return Attrs{}, false
	}

	return decodeAttrs(desc), true
}

// Translate resolves va to the physical address it maps to, honoring block offsets.
func (e *Engine) Translate(va VirtAddr) (PhysAddr, bool) {
	pa, desc, ok := e.resolve(va)
	if !ok {
		return 0, false
	}

	_ = desc

	return pa, true
}

// resolve walks the tables for va and returns the physical address (with the low offset bits
// from the matched granule folded in) and the matched leaf descriptor.
func (e *Engine) resolve(va VirtAddr) (PhysAddr, uint64, bool) {
	table := e.root

	for l := 1; l <= 4; l++ {
		idx := levelIndex(va, l)
		desc := e.ram.Descriptor(table, idx)

		if desc&descValid == 0 {
			return 0, 0, false
		}

		if desc&descTable == 0 {
			base := PhysAddr(desc & addrMask)
			offset := uint64(va) & (levelSpan(l) - 1)

			return base + PhysAddr(offset), desc, true
		}

		table = PhysAddr(desc & addrMask)
	}

	return 0, 0, false
}

// ChangeAttrRange rewrites the attributes of every leaf mapping in [vaStart, vaEnd) without
// reallocating physical backing. Unmapped addresses in the range are skipped.
func (e *Engine) ChangeAttrRange(vaStart, vaEnd VirtAddr, attrs Attrs) error {
	for va := vaStart; va < vaEnd; {
		table, level, idx, desc, ok := e.resolveLeafLocation(va)
		if !ok {
			va += PageSize
			continue
		}

		pa := PhysAddr(desc & addrMask)
		new := (uint64(pa) & addrMask) | descValid | encodeAttrs(attrs)

		if e.asid != 0 {
			new |= descNG
		}

		e.ram.SetDescriptor(table, idx, new)

		va += VirtAddr(levelSpan(level))
	}

	return nil
}

func (e *Engine) resolveLeafLocation(va VirtAddr) (table PhysAddr, level, idx int, desc uint64, ok bool) {
	table = e.root

	for l := 1; l <= 4; l++ {
		i := levelIndex(va, l)
		d := e.ram.Descriptor(table, i)

		if d&descValid == 0 {
			return 0, 0, 0, 0, false
		}

		if d&descTable == 0 {
			return table, l, i, d, true
		}

		table = PhysAddr(d & addrMask)
	}

	return 0, 0, 0, 0, false
}

// ClearAll performs a post-order traversal freeing every intermediate table page back to the
// allocator, leaving the engine with an empty (but still allocated) root table.
func (e *Engine) ClearAll() {
	for i := 0; i < 512; i++ {
		desc := e.ram.Descriptor(e.root, i)
		if desc&descValid != 0 && desc&descTable != 0 {
			e.clearSubtree(PhysAddr(desc&addrMask), 2)
		}

		e.ram.SetDescriptor(e.root, i, 0)
	}
}

func (e *Engine) clearSubtree(table PhysAddr, level int) {
	if level <= 4 {
		for i := 0; i < 512; i++ {
			desc := e.ram.Descriptor(table, i)
			if desc&descValid != 0 && desc&descTable != 0 && level < 4 {
				e.clearSubtree(PhysAddr(desc&addrMask), level+1)
			}
		}
	}

	_ = e.alloc.Free(table)
}
