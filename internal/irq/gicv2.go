package irq

import "sync"

// GICv2 simulates the Raspberry Pi 4's ARM GICv2 distributor + CPU interface: a single flat
// interrupt-number space (SGIs 0-15, PPIs 16-31, SPIs 32-1019) with per-line enable and pending
// state. Real distributor/CPU-interface register layout is out of scope, per the same MMIO
// exclusion as BCM2837; this models only the enable/pending/acknowledge semantics §4.H needs.
type GICv2 struct {
	mu sync.Mutex

	enabled map[uint32]bool
	pending map[uint32]bool
}

// NewGICv2 creates an empty GICv2 controller.
func NewGICv2() *GICv2 {
	return &GICv2{enabled: make(map[uint32]bool), pending: make(map[uint32]bool)}
}

// Enable sets the line's bit in ISENABLER.
func (c *GICv2) Enable(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled[id] = true

	return nil
}

// Disable sets the line's bit in ICENABLER, clearing ISENABLER's corresponding bit.
func (c *GICv2) Disable(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.enabled, id)

	return nil
}

// Pending returns every enabled line currently asserted, as the CPU interface's IAR register
// would report one at a time in priority order; callers drain the full set per poll.
func (c *GICv2) Pending() ([]uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []uint32

	for id := range c.pending {
		if c.enabled[id] {
			ids = append(ids, id)
		}
	}

	return ids, len(ids) > 0
}

// MarkProcessed writes the line's ID to EOIR, clearing its pending state.
func (c *GICv2) MarkProcessed(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

// Raise simulates the distributor latching an asserted line.
func (c *GICv2) Raise(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[id] = true
}
