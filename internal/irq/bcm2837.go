package irq

import "sync"

// BCM2837 simulates the Raspberry Pi 3's legacy interrupt controller: separate pending/enable
// registers for the "basic" bank (ARM-local sources) and two 32-line GPU banks, addressed here
// uniformly as SourceVC interrupt numbers 0-63 plus SourceARM numbers for the basic bank. Real
// register MMIO is out of scope (§1's "Deliberately excluded... MMIO helpers"); this models the
// three banks' pending/enable bits directly.
type BCM2837 struct {
	mu sync.Mutex

	enabled map[uint32]bool
	pending map[uint32]bool
}

// NewBCM2837 creates an empty legacy controller.
func NewBCM2837() *BCM2837 {
	return &BCM2837{enabled: make(map[uint32]bool), pending: make(map[uint32]bool)}
}

// Enable sets the line's bit in the appropriate bank's enable register.
func (c *BCM2837) Enable(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled[id] = true

	return nil
}

// Disable clears the line's enable bit.
func (c *BCM2837) Disable(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.enabled, id)

	return nil
}

// Pending returns every enabled line whose pending bit is currently set.
func (c *BCM2837) Pending() ([]uint32, bool) {
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

// MarkProcessed clears the line's pending bit, as a real handler would by writing the
// corresponding acknowledge register.
func (c *BCM2837) MarkProcessed(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

// Raise simulates a peripheral asserting its IRQ line; drivers and the simulated timer/DMA
// engine call this in place of real hardware signaling the controller.
func (c *BCM2837) Raise(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[id] = true
}
