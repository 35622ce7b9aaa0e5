// Package boot implements the kernel startup sequencing of §4.L: an early pass that brings up
// memory management from the device tree, and a late pass that wires interrupts, the scheduler,
// IPC primitives, the window manager, and input routing, before handing control to the idle loop.
//
// Every phase returns an error. A failure during the early pass is fatal, per §7: a malformed DTB
// or unsatisfiable memory layout cannot be recovered from. A failure during the late pass for an
// optional subsystem is logged and the kernel continues with a reduced device set.
package boot

import (
	"errors"
	"fmt"

	"github.com/mseaver/pikernel/internal/dtb"
	"github.com/mseaver/pikernel/internal/input"
	"github.com/mseaver/pikernel/internal/ipc"
	"github.com/mseaver/pikernel/internal/irq"
	"github.com/mseaver/pikernel/internal/log"
	"github.com/mseaver/pikernel/internal/mm"
	"github.com/mseaver/pikernel/internal/sched"
	"github.com/mseaver/pikernel/internal/syscall"
	"github.com/mseaver/pikernel/internal/task"
	"github.com/mseaver/pikernel/internal/trap"
	"github.com/mseaver/pikernel/internal/wm"
)

// DefaultScreenWidth/Height size the simulated framebuffer absent a richer display-timing
// negotiation (out of scope, per §1's exclusion of the display driver's own register layout).
const (
	DefaultScreenWidth  = 1280
	DefaultScreenHeight = 720
)

// dmaTailFraction is the share of the largest memory bank reserved for the contiguous DMA
// allocator (§3: "one bank reserving a tail region for contiguous DMA allocation").
const dmaTailFraction = 8 // 1/8th of the largest bank

// ErrNoMemoryBanks is fatal: a device tree with no usable memory leaves nothing to boot from.
var ErrNoMemoryBanks = errors.New("boot: device tree reports no memory banks")

// Kernel holds every subsystem brought up by Boot, wired together and ready to run.
type Kernel struct {
	Tree *dtb.Tree
	Log  *log.Logger

	RAM       *mm.RAM
	Alloc     *mm.GeneralAllocator
	DMAAlloc  *mm.ContiguousAllocator
	ASIDs     *mm.ASIDRegistry
	KernelSpace *mm.AddressSpace
	Arena     *mm.ChunkArena
	Heap      *mm.Heap

	IRQController irq.Controller
	IRQRegistry   *irq.Registry
	Timer         *irq.SystemTimer
	DMAChannels   *irq.Allocator
	SoCRanges     []dtb.SoCRange

	Sched *sched.Scheduler
	Trap  *trap.Dispatcher

	DefaultTable *task.Table
	PIDs         *task.PIDAllocator
	Syscalls     *syscall.Environment

	Screen *wm.Framebuffer
	WM     *wm.Manager

	Keyboard *input.Keyboard
	Mouse    *input.Mouse

	Idle *task.Task
}

// Boot runs the early and late startup passes over a firmware-supplied device tree blob and
// returns a fully wired Kernel.
func Boot(dtbBlob []byte, logger *log.Logger) (*Kernel, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	k := &Kernel{Log: logger}

	if err := k.earlyPass(dtbBlob); err != nil {
		return nil, fmt.Errorf("boot: early pass: %w", err)
	}

	k.latePass()

	return k, nil
}

// earlyPass brings up memory management: parses the device tree, builds the page allocators over
// its reported memory banks (reserving firmware regions and a DMA tail), and constructs the
// kernel's own address space, chunk arena, and heap.
func (k *Kernel) earlyPass(dtbBlob []byte) error {
	tree, err := dtb.Parse(dtbBlob)
	if err != nil {
		return fmt.Errorf("parse device tree: %w", err)
	}

	k.Tree = tree

	banks, err := tree.MemoryBanks()
	if err != nil {
		return fmt.Errorf("read memory banks: %w", err)
	}

	if len(banks) == 0 {
		return ErrNoMemoryBanks
	}

	k.RAM = mm.NewRAM()
	k.Alloc = &mm.GeneralAllocator{}

	largest := banks[0]
	for _, b := range banks[1:] {
		if b.Size > largest.Size {
			largest = b
		}
	}

	dmaSize := largest.Size / dmaTailFraction
	dmaSize -= dmaSize % mm.PageSize
	dmaStart := mm.PhysAddr(largest.Start + largest.Size - dmaSize)

	for _, b := range banks {
		size := b.Size
		if b.Start == largest.Start {
			size -= dmaSize
		}

		k.Alloc.AddBank(mm.NewBank(mm.PhysAddr(b.Start), size))
	}

	k.DMAAlloc = mm.NewContiguousAllocator(dmaStart, dmaSize)

	if regions, err := tree.ReservedRegions(); err == nil {
		for _, r := range regions {
			k.Alloc.MarkUsed(mm.PhysAddr(r.Address), mm.PhysAddr(r.Address+r.Size))
		}
	}

	k.ASIDs = mm.NewASIDRegistry()

	space, err := mm.NewKernelAddressSpace(k.Alloc, k.RAM)
	if err != nil {
		return fmt.Errorf("create kernel address space: %w", err)
	}

	k.KernelSpace = space
	k.Arena = mm.NewChunkArena(space.Engine, k.Alloc)
	k.Heap = mm.NewHeap(k.Alloc, space.Engine)

	if ranges, err := tree.SoCRanges(); err == nil {
		k.SoCRanges = ranges
	} else {
		k.Log.Debug("boot: no /soc ranges, DMA bus-address translation unavailable", "err", err)
	}

	return nil
}

// latePass brings up everything that can fail gracefully: the IRQ controller and timer,
// scheduler, window manager, and input routing. Each optional subsystem's failure is logged, not
// fatal (§4.L).
func (k *Kernel) latePass() {
	k.PIDs = task.NewPIDAllocator()
	k.Syscalls = syscall.NewEnvironment(k.RAM, k.Arena, k.Alloc, k.ASIDs, k.PIDs, k.Log)
	k.DefaultTable = k.Syscalls.NewTable()

	if err := k.bringUpIRQ(); err != nil {
		k.Log.Error("boot: IRQ controller unavailable", "err", err)
	}

	if err := k.bringUpDMA(); err != nil {
		k.Log.Debug("boot: no DMA channels available", "err", err)
	}

	k.bringUpScheduler()

	if err := k.bringUpWindowManager(); err != nil {
		k.Log.Error("boot: window manager unavailable", "err", err)
	}

	k.bringUpInput()
}

func (k *Kernel) bringUpIRQ() error {
	ctrl, err := irq.Select(k.Tree)
	if err != nil {
		return err
	}

	k.IRQController = ctrl
	k.IRQRegistry = irq.NewRegistry(ctrl)

	raiser, _ := ctrl.(interface{ Raise(uint32) })

	var initial [irq.NumCompareChannels]uint64

	k.Timer = irq.NewSystemTimer(initial, func(ch uint32) {
		if raiser != nil {
			raiser.Raise(irq.MakeID(irq.SourceARM, ch))
		}
	})

	if _, err := k.Timer.Claim(1, irq.Milliseconds, true, func() {
		if k.Sched != nil {
			k.Sched.Tick()
		}
	}); err != nil {
		return fmt.Errorf("claim scheduler timer channel: %w", err)
	}

	return nil
}

func (k *Kernel) bringUpDMA() error {
	node := findDMANode(k.Tree.Root())
	if node == nil {
		return fmt.Errorf("%w", dtb.ErrNoEntry)
	}

	mask, err := node.DMAChannelMask()
	if err != nil {
		return err
	}

	k.DMAChannels = irq.NewAllocator(mask)

	return nil
}

func findDMANode(n *dtb.Node) *dtb.Node {
	if n.Compatible("brcm,bcm2835-dma", "brcm,bcm2835-dma0") {
		return n
	}

	for _, c := range n.Children {
		if found := findDMANode(c); found != nil {
			return found
		}
	}

	return nil
}

func (k *Kernel) bringUpScheduler() {
	reaper := &reaper{asids: k.ASIDs, pids: k.PIDs, env: k.Syscalls}
	k.Sched = sched.New(reaper, k.Log)
	k.Syscalls.Sched = k.Sched

	if k.IRQController != nil {
		k.Trap = trap.New(k.Sched, k.IRQRegistry, k.Log)
	}

	idle, err := task.New(k.PIDs.Allocate(), "idle", k.Arena, k.KernelSpace, k.DefaultTable)
	if err != nil {
		k.Log.Error("boot: cannot create idle task", "err", err)
		return
	}

	idle.Priority = task.MinPriority
	k.Idle = idle
	k.Syscalls.RegisterTask(idle)
	k.Sched.Enqueue(idle)
}

func (k *Kernel) bringUpWindowManager() error {
	k.Screen = &wm.Framebuffer{
		Pixels: make([]uint32, DefaultScreenWidth*DefaultScreenHeight),
		Width:  DefaultScreenWidth,
		Height: DefaultScreenHeight,
		Pitch:  DefaultScreenWidth,
	}

	var clockTicks uint64

	k.WM = wm.New(k.Screen, func() uint32 {
		if k.Timer != nil {
			clockTicks = k.Timer.Now()
		}

		return uint32(clockTicks / 1000) // 1 MHz ticks to milliseconds
	})

	k.Syscalls.WM = k.WM

	return nil
}

func (k *Kernel) bringUpInput() {
	if k.WM == nil {
		return
	}

	k.Keyboard = input.NewKeyboard(k.WM)
	k.Mouse = input.NewMouse(k.WM)
}

// Spawn loads image as an ELF program and enqueues it as a child of the idle task, the entry point
// for driving spawn from outside the syscall ABI itself (e.g. the boot CLI's optional ELF payload
// argument).
func (k *Kernel) Spawn(name string, image []byte) (*task.Task, error) {
	return k.Syscalls.Spawn(k.Idle, name, image)
}

// Tick advances the system timer by one tick's worth of elapsed time, driving any timer
// registrations (including the scheduler's own tick) due at that point. Real hardware drives
// this through the timer IRQ; the idle loop (or a test) drives it directly here since there is no
// physical clock in this simulation.
func (k *Kernel) Tick() {
	if k.Timer == nil {
		if k.Sched != nil {
			k.Sched.Tick()
		}

		return
	}

	k.Timer.Advance(1_000) // one scheduler tick of 1ms, in 1 MHz counter units
}

// Run drains pending IRQs and advances the scheduler for the given number of ticks, the
// simulation's stand-in for the idle loop's real hardware wait-for-interrupt cycle.
func (k *Kernel) Run(ticks int) {
	for i := 0; i < ticks; i++ {
		k.Tick()

		if k.IRQRegistry != nil {
			if ids, ok := k.IRQRegistry.Pending(); ok {
				for _, id := range ids {
					k.IRQRegistry.Dispatch(id)
					k.IRQRegistry.MarkProcessed(id)
				}
			}
		}
	}
}

// NewMessageQueue creates a message queue backed by the scheduler's wait/wake primitives, for
// wiring a task's wait_message syscall or a window's delivery target.
func (k *Kernel) NewMessageQueue(capacity int) *ipc.Queue {
	return ipc.NewQueue(capacity, k.Sched)
}
