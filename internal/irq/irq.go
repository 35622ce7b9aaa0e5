// Package irq implements the IRQ controller abstraction, system timer, and DMA channel allocator
// of §4.H: a hardware-independent enable/disable/pending/acknowledge interface with two concrete
// backends selected at boot from the device tree's "compatible" string, a registration table
// layered on top for many-handlers-per-IRQ dispatch, a four-channel system timer, and a
// bitmap-based DMA channel allocator.
package irq

import (
	"errors"
	"sync"
)

// Source distinguishes an IRQ's origin: the ARM core's own local peripherals (timer, mailboxes)
// versus the VideoCore/GPU-side peripheral set multiplexed through the same controller.
type Source uint8

const (
	SourceARM Source = iota
	SourceVC
)

func (s Source) String() string {
	if s == SourceVC {
		return "vc"
	}

	return "arm"
}

// sourceShift packs a Source into the top byte of the uint32 IDs exchanged with trap.IRQController,
// leaving 24 bits for the source-specific interrupt number (ample for both the BCM legacy banks
// and the GICv2's 1020-line SPI/PPI/SGI space).
const sourceShift = 24

// MakeID packs a source and a source-specific interrupt number into one opaque IRQ ID.
func MakeID(src Source, num uint32) uint32 {
	return uint32(src)<<sourceShift | (num & 0x00ff_ffff)
}

// SplitID recovers the source and source-specific number from an ID built by MakeID.
func SplitID(id uint32) (Source, uint32) {
	return Source(id >> sourceShift), id & 0x00ff_ffff
}

// Sentinel errors, matching §7's error-kind taxonomy.
var (
	ErrUnknownIRQ = errors.New("irq: unknown interrupt id")
)

// Controller is the hardware-independent abstraction of §4.H: enable/disable a line, report
// pending lines, and acknowledge one as processed. Two implementations exist: BCM2837 (legacy
// pending/enable/disable registers) and GICv2 (ARM GIC distributor + CPU interface).
type Controller interface {
	Enable(id uint32) error
	Disable(id uint32) error
	Pending() ([]uint32, bool)
	MarkProcessed(id uint32)
}

// Handler services one pending IRQ and reports whether it claimed it ("handled"). The dispatcher
// invokes every registered handler for an ID in registration order until one returns true.
type Handler func(id uint32) bool

type entry struct {
	handle  uint32
	handler Handler
}

// Registry layers a {irq -> list of (callback, handle)} registration table over a Controller
// (§4.H), implementing trap.IRQController so it can be wired directly into the exception
// dispatcher.
type Registry struct {
	mu         sync.Mutex
	controller Controller
	handlers   map[uint32][]entry
	nextHandle uint32
}

// NewRegistry creates a registry dispatching through controller.
func NewRegistry(controller Controller) *Registry {
	return &Registry{controller: controller, handlers: make(map[uint32][]entry)}
}

// Register adds a handler for id, enabling the line on first registration, and returns a handle
// usable with Unregister.
func (r *Registry) Register(id uint32, h Handler) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.handlers[id]) == 0 {
		if err := r.controller.Enable(id); err != nil {
			return 0, err
		}
	}

	r.nextHandle++
	handle := r.nextHandle

	r.handlers[id] = append(r.handlers[id], entry{handle: handle, handler: h})

	return handle, nil
}

// Unregister removes a previously registered handler, disabling the line once its last handler
// is gone.
func (r *Registry) Unregister(id, handle uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[id]

	for i, e := range list {
		if e.handle == handle {
			r.handlers[id] = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(r.handlers[id]) == 0 {
		delete(r.handlers, id)
		_ = r.controller.Disable(id)
	}
}

// Pending delegates to the underlying Controller.
func (r *Registry) Pending() ([]uint32, bool) {
	return r.controller.Pending()
}

// Dispatch invokes every handler registered for id until one reports having handled it
// (§4.H: "the dispatcher invokes each until one reports handled, then acknowledges").
func (r *Registry) Dispatch(id uint32) bool {
	r.mu.Lock()
	list := append([]entry(nil), r.handlers[id]...)
	r.mu.Unlock()

	for _, e := range list {
		if e.handler(id) {
			return true
		}
	}

	return false
}

// MarkProcessed acknowledges id on the underlying Controller.
func (r *Registry) MarkProcessed(id uint32) {
	r.controller.MarkProcessed(id)
}
