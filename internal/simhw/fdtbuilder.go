// Package simhw provides simulated-hardware test and development harnesses for the kernel: an
// FDT builder for constructing device trees without a real firmware blob, a terminal-based
// console adapting host stdin/stdout to the kernel's keyboard and display subsystems, and a
// pixel-buffer frame sink for inspecting compositor output.
package simhw

import (
	"bytes"
	"encoding/binary"
)

// Token values from the flattened device tree structure block, mirrored here so FDTBuilder can
// assemble a blob without reaching into internal/dtb's unexported constants.
const (
	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenEnd       = 0x00000009

	fdtMagic      = 0xd00dfeed
	fdtHeaderSize = 40
)

// FDTBuilder assembles a minimal, well-formed flattened device tree blob, for tests and
// development tools that need a synthetic DTB without a real firmware-supplied one.
type FDTBuilder struct {
	strs    bytes.Buffer
	strOffs map[string]uint32
	struc   bytes.Buffer
}

// NewFDTBuilder creates an empty builder; call BeginNode("") to open the root node.
func NewFDTBuilder() *FDTBuilder {
	return &FDTBuilder{strOffs: map[string]uint32{}}
}

func (b *FDTBuilder) strOffset(s string) uint32 {
	if off, ok := b.strOffs[s]; ok {
		return off
	}

	off := uint32(b.strs.Len())
	b.strs.WriteString(s)
	b.strs.WriteByte(0)
	b.strOffs[s] = off

	return off
}

// BeginNode opens a node with the given unit name (empty for the root).
func (b *FDTBuilder) BeginNode(name string) *FDTBuilder {
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], tokenBeginNode)
	b.struc.Write(tok[:])
	b.struc.WriteString(name)
	b.struc.WriteByte(0)

	for b.struc.Len()%4 != 0 {
		b.struc.WriteByte(0)
	}

	return b
}

// EndNode closes the most recently opened node.
func (b *FDTBuilder) EndNode() *FDTBuilder {
	var tok [4]byte
	binary.BigEndian.PutUint32(tok[:], tokenEndNode)
	b.struc.Write(tok[:])

	return b
}

// Prop adds a property with the given raw value to the currently open node.
func (b *FDTBuilder) Prop(name string, value []byte) *FDTBuilder {
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

	return b
}

// U32 encodes a single big-endian 32-bit cell, the common property value width.
func U32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return b[:]
}

// U64 encodes a single big-endian 64-bit value, spanning two cells.
func U64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)

	return b[:]
}

// CString encodes a NUL-terminated string property value.
func CString(s string) []byte {
	return append([]byte(s), 0)
}

// Build assembles the finished blob: header, an empty reserved-memory map, the structure block,
// and the string block, in the order the FDT format requires.
func (b *FDTBuilder) Build() []byte {
	var end [4]byte
	binary.BigEndian.PutUint32(end[:], tokenEnd)
	b.struc.Write(end[:])

	rsvmapOff := uint32(fdtHeaderSize)
	rsvmap := make([]byte, 16) // one terminating (0,0) entry

	structOff := rsvmapOff + uint32(len(rsvmap))
	strOff := structOff + uint32(b.struc.Len())
	total := strOff + uint32(b.strs.Len())

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], fdtMagic)
	binary.BigEndian.PutUint32(out[4:8], total)
	binary.BigEndian.PutUint32(out[8:12], structOff)
	binary.BigEndian.PutUint32(out[12:16], strOff)
	binary.BigEndian.PutUint32(out[16:20], rsvmapOff)
	binary.BigEndian.PutUint32(out[20:24], 17) // version
	binary.BigEndian.PutUint32(out[24:28], 16) // last compatible version
	binary.BigEndian.PutUint32(out[28:32], 0)  // boot cpuid
	binary.BigEndian.PutUint32(out[32:36], uint32(b.strs.Len()))
	binary.BigEndian.PutUint32(out[36:40], uint32(b.struc.Len()))

	copy(out[rsvmapOff:], rsvmap)
	copy(out[structOff:], b.struc.Bytes())
	copy(out[strOff:], b.strs.Bytes())

	return out
}
