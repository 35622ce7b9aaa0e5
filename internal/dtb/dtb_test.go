package dtb

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// builder assembles a minimal, well-formed FDT blob for tests. It is a stripped-down, in-package
// analog of internal/simhw.FDTBuilder, kept private here so dtb's own tests don't depend on the
// harness package.
type builder struct {
	strs    bytes.Buffer
	strOffs map[string]uint32
	struc   bytes.Buffer
}

func newBuilder() *builder {
	return &builder{strOffs: map[string]uint32{}}
}

func (b *builder) strOffset(s string) uint32 {
	if off, ok := b.strOffs[s]; ok {
		return off
	}

	off := uint32(b.strs.Len())
	b.strs.WriteString(s)
	b.strs.WriteByte(0)
	b.strOffs[s] = off

	return off
}

func (b *builder) beginNode(name string) {
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], tokenBeginNode)
	b.struc.Write(tok[:])
	b.struc.WriteString(name)
	b.struc.WriteByte(0)

	for b.struc.Len()%4 != 0 {
		b.struc.WriteByte(0)
	}
}

func (b *builder) endNode() {
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], tokenEndNode)
	b.struc.Write(tok[:])
}

func (b *builder) prop(name string, value []byte) {
	var tok, length, nameoff [4]byte
	binary.BigEndian.PutUint32(tok[:], tokenProp)
	binary.BigEndian.PutUint32(length[:], uint32(len(value)))
	binary.BigEndian.PutUint32(nameoff[:], b.strOffset(name))

	b.struc.Write(tok[:])
	b.struc.Write(length[:])
	b.struc.Write(nameoff[:])
	b.struc.Write(value)

	for b.struc.Len()%4 != 0 {
		b.struc.WriteByte(0)
	}
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

func (b *builder) finish() []byte {
	var end [4]byte
	binary.BigEndian.PutUint32(end[:], tokenEnd)
	b.struc.Write(end[:])

	const headerWords = headerSize
	rsvmapOff := uint32(headerWords)
	rsvmap := make([]byte, 16) // one terminating (0,0) entry

	structOff := rsvmapOff + uint32(len(rsvmap))
	strOff := structOff + uint32(b.struc.Len())

	total := strOff + uint32(b.strs.Len())

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], Magic)
	binary.BigEndian.PutUint32(out[4:8], total)
	binary.BigEndian.PutUint32(out[8:12], structOff)
	binary.BigEndian.PutUint32(out[12:16], strOff)
	binary.BigEndian.PutUint32(out[16:20], rsvmapOff)
	binary.BigEndian.PutUint32(out[20:24], 17)
	binary.BigEndian.PutUint32(out[24:28], 16)
	binary.BigEndian.PutUint32(out[28:32], 0)
	binary.BigEndian.PutUint32(out[32:36], uint32(b.strs.Len()))
	binary.BigEndian.PutUint32(out[36:40], uint32(b.struc.Len()))

	copy(out[rsvmapOff:], rsvmap)
	copy(out[structOff:], b.struc.Bytes())
	copy(out[strOff:], b.strs.Bytes())

	return out
}

func sampleBlob() []byte {
	b := newBuilder()
	b.beginNode("")
	b.prop("#address-cells", u32(2))
	b.prop("#size-cells", u32(1))

	b.beginNode("memory@0")
	b.prop("device_type", cstr("memory"))
	b.prop("reg", append(u64(0x0), u32(0x4000000)...)) // 64 MiB at 0x0
	b.endNode()

	b.beginNode("soc")
	b.prop("#address-cells", u32(1))
	b.prop("#size-cells", u32(1))
	b.prop("ranges", append(append(u32(0x7e000000), u32(0xfe000000)...), u32(0x01800000)...))

	b.beginNode("gic@ff840000")
	b.prop("compatible", cstr("arm,gic-400"))
	b.prop("interrupt-controller", nil)
	b.endNode()

	b.beginNode("dma@7e007000")
	b.prop("compatible", cstr("brcm,bcm2835-dma"))
	b.prop("brcm,dma-channel-mask", u32(0x7f35))
	b.endNode()

	b.endNode() // soc

	b.endNode() // root

	return b.finish()
}

func TestParseRejectsBadMagic(t *testing.T) {
	_, err := Parse([]byte{0, 0, 0, 0})
	if err == nil {
		t.Fatal("expected error for truncated blob")
	}

	blob := sampleBlob()
	blob[0] = 0

	if _, err := Parse(blob); err == nil {
		t.Fatal("expected ErrMagic")
	}
}

func TestParseAndLookup(t *testing.T) {
	tree, err := Parse(sampleBlob())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	mem, err := tree.Lookup("/memory@0")
	if err != nil {
		t.Fatalf("lookup memory@0: %v", err)
	}

	reg, ok := mem.Property("reg")
	if !ok {
		t.Fatal("memory@0 missing reg")
	}

	entries, err := reg.Reg(tree.root.addressCells, tree.root.sizeCells)
	if err != nil {
		t.Fatalf("reg: %v", err)
	}

	if len(entries) != 1 || entries[0].Address != 0 || entries[0].Size != 0x4000000 {
		t.Fatalf("unexpected reg entries: %+v", entries)
	}

	if _, err := tree.Lookup("/nope"); err == nil {
		t.Fatal("expected ErrNoEntry for missing node")
	}
}

func TestMemoryBanks(t *testing.T) {
	tree, err := Parse(sampleBlob())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	banks, err := tree.MemoryBanks()
	if err != nil {
		t.Fatalf("memory banks: %v", err)
	}

	if len(banks) != 1 || banks[0].Start != 0 || banks[0].Size != 0x4000000 {
		t.Fatalf("unexpected banks: %+v", banks)
	}
}

func TestSoCRangesAndTranslation(t *testing.T) {
	tree, err := Parse(sampleBlob())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ranges, err := tree.SoCRanges()
	if err != nil {
		t.Fatalf("soc ranges: %v", err)
	}

	if len(ranges) != 1 {
		t.Fatalf("expected 1 range, got %d", len(ranges))
	}

	phys, ok := BusToPhys(ranges, 0x7e007000)
	if !ok || phys != 0xfe007000 {
		t.Fatalf("bus->phys translation wrong: %#x ok=%v", phys, ok)
	}

	bus, ok := PhysToBus(ranges, 0xfe007000)
	if !ok || bus != 0x7e007000 {
		t.Fatalf("phys->bus translation wrong: %#x ok=%v", bus, ok)
	}
}

func TestInterruptControllersAndDMAMask(t *testing.T) {
	tree, err := Parse(sampleBlob())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ctrls := tree.InterruptControllers()
	if len(ctrls) != 1 || !ctrls[0].Compatible("arm,gic-400") {
		t.Fatalf("unexpected controllers: %+v", ctrls)
	}

	dma, err := tree.Lookup("/soc/dma@7e007000")
	if err != nil {
		t.Fatalf("lookup dma: %v", err)
	}

	mask, err := dma.DMAChannelMask()
	if err != nil {
		t.Fatalf("dma mask: %v", err)
	}

	if mask != 0x7f35 {
		t.Fatalf("unexpected dma mask: %#x", mask)
	}
}

func TestReservedRegionsEmpty(t *testing.T) {
	tree, err := Parse(sampleBlob())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	regions, err := tree.ReservedRegions()
	if err != nil {
		t.Fatalf("reserved regions: %v", err)
	}

	if len(regions) != 0 {
		t.Fatalf("expected no reserved regions, got %+v", regions)
	}
}
