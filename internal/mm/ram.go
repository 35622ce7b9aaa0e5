package mm

import "encoding/binary"

// RAM is simulated physical memory: a sparse collection of page-sized backing buffers, addressed
// by physical address. Real hardware backs every allocated physical page with actual DRAM; here,
// pages are materialized lazily the first time they're touched, which is sufficient to exercise
// every invariant in §8 without target hardware.
//
// Page-table descriptors are 64-bit little-endian words within a page, per §9's note on
// endianness, decoded with encoding/binary rather than unsafe pointer casts.
type RAM struct {
	pages map[PhysAddr]*[PageSize]byte
}

// NewRAM creates an empty simulated physical memory.
func NewRAM() *RAM {
	return &RAM{pages: make(map[PhysAddr]*[PageSize]byte)}
}

// Page returns the backing buffer for the page containing pa, allocating and zeroing it on first
// touch.
func (r *RAM) Page(pa PhysAddr) *[PageSize]byte {
	base := pa &^ (PageSize - 1)

	p, ok := r.pages[base]
	if !ok {
		p = &[PageSize]byte{}
		r.pages[base] = p
	}

	return p
}

// Zero clears the page containing pa.
func (r *RAM) Zero(pa PhysAddr) {
	*r.Page(pa) = [PageSize]byte{}
}

// Descriptor reads the index-th 64-bit descriptor (0..511) from the table page at pa.
func (r *RAM) Descriptor(pa PhysAddr, index int) uint64 {
	page := r.Page(pa)
	off := index * 8

	return binary.LittleEndian.Uint64(page[off : off+8])
}

// SetDescriptor writes the index-th 64-bit descriptor in the table page at pa.
func (r *RAM) SetDescriptor(pa PhysAddr, index int, desc uint64) {
	page := r.Page(pa)
	off := index * 8
	binary.LittleEndian.PutUint64(page[off:off+8], desc)
}

// ReadBytes copies len(dst) bytes starting at pa into dst, crossing page boundaries as needed.
func (r *RAM) ReadBytes(pa PhysAddr, dst []byte) {
	n := 0
	for n < len(dst) {
		cur := pa + PhysAddr(n)
		base := cur &^ (PageSize - 1)
		off := int(cur - base)

		page := r.Page(base)
		c := copy(dst[n:], page[off:])
		n += c
	}
}

// WriteBytes copies src into physical memory starting at pa, crossing page boundaries as needed.
func (r *RAM) WriteBytes(pa PhysAddr, src []byte) {
	n := 0
	for n < len(src) {
		cur := pa + PhysAddr(n)
		base := cur &^ (PageSize - 1)
		off := int(cur - base)

		page := r.Page(base)
		c := copy(page[off:], src[n:])
		n += c
	}
}
