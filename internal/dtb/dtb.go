// Package dtb reads a flattened device tree blob (FDT) handed off by firmware.
//
// The format is described by the Devicetree Specification: a header, a memory
// reservation map, a structure block of nested BEGIN_NODE/PROP/END_NODE tokens,
// and a strings block holding property names. Everything on the wire is
// big-endian; this package converts explicitly at every read.
package dtb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the big-endian magic number at the start of a valid blob.
const Magic = 0xd00dfeed

// Structural tokens in the dt_struct block.
const (
	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// Required alignment of the structure block and the reserved-memory map, in bytes.
const wordAlign = 8

var (
	// ErrMagic is returned when the blob does not begin with the FDT magic number.
	ErrMagic = errors.New("dtb: bad magic")

	// ErrAlign is returned when a section is not aligned as the spec requires.
	ErrAlign = errors.New("dtb: misaligned section")

	// ErrTruncated is returned when a read runs past the end of the blob.
	ErrTruncated = errors.New("dtb: truncated blob")

	// ErrNoEntry is returned when a node or property lookup fails.
	ErrNoEntry = errors.New("dtb: no such entry")

	// ErrMalformed is returned when the structure block contains an unexpected token sequence.
	ErrMalformed = errors.New("dtb: malformed structure block")
)

// header mirrors the fixed fields at the front of a flattened device tree blob.
type header struct {
	Magic            uint32
	TotalSize        uint32
	OffDtStruct      uint32
	OffDtStrings     uint32
	OffMemRsvmap     uint32
	Version          uint32
	LastCompVersion  uint32
	BootCPUIDPhys    uint32
	SizeDtStrings    uint32
	SizeDtStruct     uint32
}

const headerSize = 40 // 10 big-endian uint32 fields.

// Tree is a parsed, read-only view over a device tree blob. Parse validates the blob once at
// construction; after that every navigation returns success or failure without allocating, since
// nodes and properties are slices into the original blob.
type Tree struct {
	blob []byte
	hdr  header
	root *Node
}

// Node is a named point in the device tree, holding its own properties and child nodes.
type Node struct {
	Name     string
	Props    []Property
	Children []*Node

	addressCells uint32
	sizeCells    uint32
}

// Property is a named, opaque byte string attached to a node.
type Property struct {
	Name  string
	Value []byte
}

// ReservedRegion is one entry of the memory reservation map: firmware-reserved physical memory the
// kernel's page allocators must mark used before handing out any page.
type ReservedRegion struct {
	Address uint64
	Size    uint64
}

// Parse validates a flattened device tree blob and builds a navigable Tree. Parse fails fast:
// a malformed blob is rejected here rather than discovered later during boot.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: blob too small", ErrTruncated)
	}

	hdr := header{
		Magic:           binary.BigEndian.Uint32(blob[0:4]),
		TotalSize:       binary.BigEndian.Uint32(blob[4:8]),
		OffDtStruct:     binary.BigEndian.Uint32(blob[8:12]),
		OffDtStrings:    binary.BigEndian.Uint32(blob[12:16]),
		OffMemRsvmap:    binary.BigEndian.Uint32(blob[16:20]),
		Version:         binary.BigEndian.Uint32(blob[20:24]),
		LastCompVersion: binary.BigEndian.Uint32(blob[24:28]),
		BootCPUIDPhys:   binary.BigEndian.Uint32(blob[28:32]),
		SizeDtStrings:   binary.BigEndian.Uint32(blob[32:36]),
		SizeDtStruct:    binary.BigEndian.Uint32(blob[36:40]),
	}

	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: got %#08x", ErrMagic, hdr.Magic)
	}

	if uint32(len(blob)) < hdr.TotalSize {
		return nil, fmt.Errorf("%w: header claims %d bytes, have %d", ErrTruncated, hdr.TotalSize, len(blob))
	}

	if hdr.OffDtStruct%wordAlign != 0 || hdr.OffMemRsvmap%wordAlign != 0 {
		return nil, ErrAlign
	}

	t := &Tree{blob: blob, hdr: hdr}

	root, _, err := t.parseNode(hdr.OffDtStruct, 2, 1)
	if err != nil {
		return nil, err
	}

	t.root = root

	return t, nil
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

// Lookup finds a node by a `/`-separated absolute path, e.g. "/soc/gpio@7e200000".
func (t *Tree) Lookup(path string) (*Node, error) {
	if path == "" || path == "/" {
		return t.root, nil
	}

	if path[0] != '/' {
		return nil, fmt.Errorf("%w: path %q is not absolute", ErrNoEntry, path)
	}

	cur := t.root
	seg := path[1:]

	for seg != "" {
		name := seg
		if i := indexByte(seg, '/'); i >= 0 {
			name = seg[:i]
			seg = seg[i+1:]
		} else {
			seg = ""
		}

		next, ok := cur.Child(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoEntry, path)
		}

		cur = next
	}

	return cur, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}

	return -1
}

// ReservedRegions iterates the memory reservation map. The region list is terminated by a
// zero-address, zero-size entry per the spec.
func (t *Tree) ReservedRegions() ([]ReservedRegion, error) {
	offset := t.hdr.OffMemRsvmap

	var regions []ReservedRegion

	for {
		if offset+16 > uint32(len(t.blob)) {
			return nil, fmt.Errorf("%w: reserved-memory map", ErrTruncated)
		}

		addr := binary.BigEndian.Uint64(t.blob[offset : offset+8])
		size := binary.BigEndian.Uint64(t.blob[offset+8 : offset+16])
		offset += 16

		if addr == 0 && size == 0 {
			break
		}

		regions = append(regions, ReservedRegion{Address: addr, Size: size})
	}

	return regions, nil
}

// Child looks up an immediate child node by name, e.g. "memory@0" or "soc".
func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}

	return nil, false
}

// Property looks up a property by name on this node.
func (n *Node) Property(name string) (Property, bool) {
	for _, p := range n.Props {
		if p.Name == name {
			return p, true
		}
	}

	return Property{}, false
}

// AddressCells returns this node's effective #address-cells (the value governing how this node's
// own "reg"/"ranges" entries are to be read), defaulting to 2 at the root per convention.
func (n *Node) AddressCells() uint32 { return n.addressCells }

// SizeCells returns this node's effective #size-cells, defaulting to 1.
func (n *Node) SizeCells() uint32 { return n.sizeCells }

// U32 reads the property as a single big-endian 32-bit cell.
func (p Property) U32() (uint32, error) {
	if len(p.Value) < 4 {
		return 0, fmt.Errorf("%w: %q is not a u32", ErrMalformed, p.Name)
	}

	return binary.BigEndian.Uint32(p.Value[:4]), nil
}

// U64 reads the property as two concatenated big-endian 32-bit cells forming a 64-bit value, the
// conventional <u64> encoding.
func (p Property) U64() (uint64, error) {
	if len(p.Value) < 8 {
		return 0, fmt.Errorf("%w: %q is not a u64", ErrMalformed, p.Name)
	}

	return binary.BigEndian.Uint64(p.Value[:8]), nil
}

// String reads the property as a single NUL-terminated string.
func (p Property) String() (string, error) {
	for i, b := range p.Value {
		if b == 0 {
			return string(p.Value[:i]), nil
		}
	}

	return string(p.Value), nil
}

// Strings reads the property as a list of NUL-separated strings, as used by "compatible".
func (p Property) Strings() ([]string, error) {
	var out []string

	start := 0

	for i, b := range p.Value {
		if b == 0 {
			out = append(out, string(p.Value[start:i]))
			start = i + 1
		}
	}

	return out, nil
}

// RegEntry is one (address, size) pair decoded from a "reg" or "ranges" style property whose cell
// widths are governed by the enclosing node's #address-cells/#size-cells.
type RegEntry struct {
	Address uint64
	Size    uint64
}

// Reg decodes the property as a sequence of RegEntry, reading addressCells and sizeCells 32-bit
// words for each field as advertised by the parent node.
func (p Property) Reg(addressCells, sizeCells uint32) ([]RegEntry, error) {
	width := int(addressCells+sizeCells) * 4
	if width == 0 || len(p.Value)%width != 0 {
		return nil, fmt.Errorf("%w: %q has irregular length for cells (%d,%d)",
			ErrMalformed, p.Name, addressCells, sizeCells)
	}

	n := len(p.Value) / width
	out := make([]RegEntry, 0, n)

	off := 0

	for i := 0; i < n; i++ {
		addr, err := readCells(p.Value[off:], addressCells)
		if err != nil {
			return nil, err
		}

		off += int(addressCells) * 4

		size, err := readCells(p.Value[off:], sizeCells)
		if err != nil {
			return nil, err
		}

		off += int(sizeCells) * 4

		out = append(out, RegEntry{Address: addr, Size: size})
	}

	return out, nil
}

func readCells(b []byte, cells uint32) (uint64, error) {
	switch cells {
	case 0:
		return 0, nil
	case 1:
		if len(b) < 4 {
			return 0, ErrTruncated
		}

		return uint64(binary.BigEndian.Uint32(b[:4])), nil
	case 2:
		if len(b) < 8 {
			return 0, ErrTruncated
		}

		return binary.BigEndian.Uint64(b[:8]), nil
	default:
		return 0, fmt.Errorf("%w: unsupported cell width %d", ErrMalformed, cells)
	}
}

// parseNode parses one BEGIN_NODE...END_NODE span starting at offset within the structure block,
// returning the node, the offset just past its END_NODE token, and an error.
func (t *Tree) parseNode(offset, addressCells, sizeCells uint32) (*Node, uint32, error) {
	tok, offset, err := t.readToken(offset)
	if err != nil {
		return nil, 0, err
	}

	for tok == tokenNop {
		tok, offset, err = t.readToken(offset)
		if err != nil {
			return nil, 0, err
		}
	}

	if tok != tokenBeginNode {
		return nil, 0, fmt.Errorf("%w: expected BEGIN_NODE at %#x", ErrMalformed, offset)
	}

	name, offset, err := t.readNameString(offset)
	if err != nil {
		return nil, 0, err
	}

	n := &Node{Name: name, addressCells: addressCells, sizeCells: sizeCells}

	for {
		tok, next, err := t.readToken(offset)
		if err != nil {
			return nil, 0, err
		}

		switch tok {
		case tokenNop:
			offset = next

		case tokenProp:
			var prop Property

			prop, offset, err = t.readProp(next)
			if err != nil {
				return nil, 0, err
			}

			n.Props = append(n.Props, prop)

			if prop.Name == "#address-cells" {
				if v, err := prop.U32(); err == nil {
					n.addressCells = v
				}
			}

			if prop.Name == "#size-cells" {
				if v, err := prop.U32(); err == nil {
					n.sizeCells = v
				}
			}

		case tokenBeginNode:
			var child *Node

			child, offset, err = t.parseNode(offset, n.addressCells, n.sizeCells)
			if err != nil {
				return nil, 0, err
			}

			n.Children = append(n.Children, child)

		case tokenEndNode:
			return n, next, nil

		case tokenEnd:
			return n, next, nil

		default:
			return nil, 0, fmt.Errorf("%w: unexpected token %#x at %#x", ErrMalformed, tok, offset)
		}
	}
}

// readToken reads one big-endian 32-bit token and returns the offset following it.
func (t *Tree) readToken(offset uint32) (uint32, uint32, error) {
	if offset+4 > uint32(len(t.blob)) {
		return 0, 0, fmt.Errorf("%w: token at %#x", ErrTruncated, offset)
	}

	return binary.BigEndian.Uint32(t.blob[offset : offset+4]), offset + 4, nil
}

// readNameString reads a NUL-terminated node name starting at offset (just past the BEGIN_NODE
// token) and returns the name and the next 4-byte-aligned offset.
func (t *Tree) readNameString(offset uint32) (string, uint32, error) {
	start := offset

	for offset < uint32(len(t.blob)) && t.blob[offset] != 0 {
		offset++
	}

	if offset >= uint32(len(t.blob)) {
		return "", 0, fmt.Errorf("%w: unterminated node name", ErrTruncated)
	}

	name := string(t.blob[start:offset])
	offset++ // skip NUL
	offset = align4(offset)

	return name, offset, nil
}

// readProp reads a PROP token's payload (len, nameoff, data) starting just after the PROP token
// itself, and returns the next 4-byte-aligned offset.
func (t *Tree) readProp(offset uint32) (Property, uint32, error) {
	if offset+8 > uint32(len(t.blob)) {
		return Property{}, 0, fmt.Errorf("%w: prop header", ErrTruncated)
	}

	length := binary.BigEndian.Uint32(t.blob[offset : offset+4])
	nameoff := binary.BigEndian.Uint32(t.blob[offset+4 : offset+8])
	offset += 8

	if offset+length > uint32(len(t.blob)) {
		return Property{}, 0, fmt.Errorf("%w: prop value", ErrTruncated)
	}

	value := t.blob[offset : offset+length]
	offset += length
	offset = align4(offset)

	name, err := t.stringAt(nameoff)
	if err != nil {
		return Property{}, 0, err
	}

	return Property{Name: name, Value: value}, offset, nil
}

func (t *Tree) stringAt(nameoff uint32) (string, error) {
	start := t.hdr.OffDtStrings + nameoff
	if start >= uint32(len(t.blob)) {
		return "", fmt.Errorf("%w: string offset %#x", ErrTruncated, nameoff)
	}

	end := start
	for end < uint32(len(t.blob)) && t.blob[end] != 0 {
		end++
	}

	return string(t.blob[start:end]), nil
}

func align4(v uint32) uint32 {
	return (v + 3) &^ 3
}
