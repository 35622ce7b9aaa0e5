package dtb

import (
	"fmt"
	"strings"
)

// MemoryBank is one "/memory@*" node's address range, as reported by firmware.
type MemoryBank struct {
	Name  string
	Start uint64
	Size  uint64
}

// MemoryBanks walks the root's immediate children looking for "memory" device_type nodes and
// returns their reg ranges, decoded using the root's address/size cells.
func (t *Tree) MemoryBanks() ([]MemoryBank, error) {
	var banks []MemoryBank

	for _, n := range t.root.Children {
		dt, ok := n.Property("device_type")
		if !ok {
			continue
		}

		s, err := dt.String()
		if err != nil || s != "memory" {
			continue
		}

		reg, ok := n.Property("reg")
		if !ok {
			return nil, fmt.Errorf("%w: %q has no reg", ErrMalformed, n.Name)
		}

		entries, err := reg.Reg(t.root.addressCells, t.root.sizeCells)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			banks = append(banks, MemoryBank{Name: n.Name, Start: e.Address, Size: e.Size})
		}
	}

	return banks, nil
}

// SoCRange is one entry of a "/soc/ranges" translation, mapping a child (bus) address to a parent
// (CPU-visible) physical address over a span.
type SoCRange struct {
	ChildAddr  uint64
	ParentAddr uint64
	Size       uint64
}

// SoCRanges reads the "/soc" node's "ranges" property, used to translate between CPU physical
// addresses and the bus addresses DMA-capable peripherals see.
func (t *Tree) SoCRanges() ([]SoCRange, error) {
	soc, err := t.Lookup("/soc")
	if err != nil {
		return nil, err
	}

	ranges, ok := soc.Property("ranges")
	if !ok {
		return nil, fmt.Errorf("%w: /soc has no ranges", ErrNoEntry)
	}

	// ranges cells are (child-address using soc's #address-cells, parent-address using root's
	// #address-cells, size using soc's #size-cells). If the value's length does not fit that layout
	// but does fit a parent address as wide as the child address (the matching 1-cell form many
	// Raspberry Pi blobs use), the soc node's own #address-cells is used for the parent instead.
	childCells := soc.addressCells
	sizeCells := soc.sizeCells
	parentCells := t.root.addressCells

	width := int(childCells+parentCells+sizeCells) * 4
	if fallback := int(2*childCells+sizeCells) * 4; (width == 0 || len(ranges.Value)%width != 0) &&
		fallback != 0 && len(ranges.Value)%fallback == 0 {
		parentCells = childCells
		width = fallback
	}

	if width == 0 || len(ranges.Value)%width != 0 {
		return nil, fmt.Errorf("%w: /soc ranges has irregular length", ErrMalformed)
	}

	var out []SoCRange

	off := 0
	for off < len(ranges.Value) {
		child, err := readCells(ranges.Value[off:], childCells)
		if err != nil {
			return nil, err
		}

		off += int(childCells) * 4

		parent, err := readCells(ranges.Value[off:], parentCells)
		if err != nil {
			return nil, err
		}

		off += int(parentCells) * 4

		size, err := readCells(ranges.Value[off:], sizeCells)
		if err != nil {
			return nil, err
		}

		off += int(sizeCells) * 4

		out = append(out, SoCRange{ChildAddr: child, ParentAddr: parent, Size: size})
	}

	return out, nil
}

// BusToPhys translates a bus (DMA-engine-visible) address into a CPU physical address using the
// /soc ranges translation. ok is false if no range covers the address.
func BusToPhys(ranges []SoCRange, bus uint64) (phys uint64, ok bool) {
	for _, r := range ranges {
		if bus >= r.ChildAddr && bus < r.ChildAddr+r.Size {
			return r.ParentAddr + (bus - r.ChildAddr), true
		}
	}

	return 0, false
}

// PhysToBus translates a CPU physical address into a bus address, the inverse of BusToPhys.
func PhysToBus(ranges []SoCRange, phys uint64) (bus uint64, ok bool) {
	for _, r := range ranges {
		if phys >= r.ParentAddr && phys < r.ParentAddr+r.Size {
			return r.ChildAddr + (phys - r.ParentAddr), true
		}
	}

	return 0, false
}

// DMAChannelMask reads a node's "brcm,dma-channel-mask" property, a bitmask of DMA channels the
// kernel is free to claim (channels already reserved by firmware have their bit clear).
func (n *Node) DMAChannelMask() (uint32, error) {
	p, ok := n.Property("brcm,dma-channel-mask")
	if !ok {
		return 0, fmt.Errorf("%w: no brcm,dma-channel-mask", ErrNoEntry)
	}

	return p.U32()
}

// Compatible reports whether the node's "compatible" string list contains any of the given names,
// used to select a device driver or IRQ controller implementation at boot.
func (n *Node) Compatible(names ...string) bool {
	p, ok := n.Property("compatible")
	if !ok {
		return false
	}

	vals, err := p.Strings()
	if err != nil {
		return false
	}

	for _, v := range vals {
		for _, want := range names {
			if strings.EqualFold(v, want) {
				return true
			}
		}
	}

	return false
}

// InterruptControllers returns every node in the tree with an "interrupt-controller" property,
// depth-first, so callers can pick the first that matches a known compatible string.
func (t *Tree) InterruptControllers() []*Node {
	var out []*Node

	var walk func(n *Node)
	walk = func(n *Node) {
		if _, ok := n.Property("interrupt-controller"); ok {
			out = append(out, n)
		}

		for _, c := range n.Children {
			walk(c)
		}
	}

	walk(t.root)

	return out
}
