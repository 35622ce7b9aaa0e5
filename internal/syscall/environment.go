package syscall

import (
	"sync"

	"github.com/mseaver/pikernel/internal/log"
	"github.com/mseaver/pikernel/internal/mm"
	"github.com/mseaver/pikernel/internal/sched"
	"github.com/mseaver/pikernel/internal/task"
	"github.com/mseaver/pikernel/internal/wm"
)

// defaultWindowWidth/Height size a newly created window absent any geometry argument: window_create
// (§6 syscall 12) takes none, so every window starts at this fixed size and cascading position,
// resizable afterward through window_set_geometry.
const (
	defaultWindowWidth  = 640
	defaultWindowHeight = 480
)

// Environment holds the subsystems the syscall ABI is built on and the bookkeeping (owner queues,
// PID lookup) that the ABI itself needs but no other package does. Sched and WM are set by the
// boot sequencer as each subsystem comes up, rather than required at construction time: the
// handler closures only read them at dispatch time, long after boot finishes.
type Environment struct {
	RAM   *mm.RAM
	Arena *mm.ChunkArena
	Alloc *mm.GeneralAllocator
	ASIDs *mm.ASIDRegistry
	PIDs  *task.PIDAllocator
	Sched *sched.Scheduler
	WM    *wm.Manager
	Files FileReader
	Log   *log.Logger

	mu     sync.Mutex
	table  *task.Table
	owners map[*task.Task]*Owner
	tasks  map[uint32]*task.Task
}

// NewEnvironment wires an Environment over the given memory and PID primitives. Sched and WM are
// left nil and must be assigned once those subsystems exist.
func NewEnvironment(ram *mm.RAM, arena *mm.ChunkArena, alloc *mm.GeneralAllocator, asids *mm.ASIDRegistry, pids *task.PIDAllocator, logger *log.Logger) *Environment {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Environment{
		RAM:    ram,
		Arena:  arena,
		Alloc:  alloc,
		ASIDs:  asids,
		PIDs:   pids,
		Log:    logger,
		owners: make(map[*task.Task]*Owner),
		tasks:  make(map[uint32]*task.Task),
	}
}

// ownerFor returns t's window/message owner adapter, creating it on first use (§4.K's "a window's
// owner is whichever task created it").
func (e *Environment) ownerFor(t *task.Task) *Owner {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.owners[t]; ok {
		return o
	}

	o := NewOwner(t, e.Sched)
	e.owners[t] = o

	return o
}

// RegisterTask makes t findable by PID for sched_set_priority/sched_get_priority, which operate on
// an arbitrary pid argument rather than always the calling task.
func (e *Environment) RegisterTask(t *task.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tasks[t.PID] = t
}

// Forget drops a terminated task's PID registration and owner adapter, called from the reaper once
// the scheduler has finished tearing the task down.
func (e *Environment) Forget(pid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.tasks[pid]; ok {
		delete(e.owners, t)
	}

	delete(e.tasks, pid)
}

func (e *Environment) taskByPID(pid uint32) (*task.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[pid]

	return t, ok
}

// NewTable builds the syscall table every task's Tables field clones from: the unknown-syscall
// fallback plus all 23 ABI handlers of §6.
func (e *Environment) NewTable() *task.Table {
	tbl := task.NewDefaultTable(e.unknownHandler)

	tbl.Set(SyscallExit, e.sysExit)
	tbl.Set(SyscallPrint, e.sysPrint)
	tbl.Set(SyscallGetPID, e.sysGetPID)
	tbl.Set(SyscallDebug, e.sysDebug)
	tbl.Set(SyscallSpawn, e.sysSpawn)
	tbl.Set(SyscallSleep, e.sysSleep)
	tbl.Set(SyscallYield, e.sysYield)
	tbl.Set(SyscallSchedSetPriority, e.sysSchedSetPriority)
	tbl.Set(SyscallSchedGetPriority, e.sysSchedGetPriority)
	tbl.Set(SyscallSbrk, e.sysSbrk)
	tbl.Set(SyscallPollMessage, e.sysPollMessage)
	tbl.Set(SyscallWaitMessage, e.sysWaitMessage)
	tbl.Set(SyscallWindowCreate, e.sysWindowCreate)
	tbl.Set(SyscallWindowDestroy, e.sysWindowDestroy)
	tbl.Set(SyscallWindowSetTitle, e.sysWindowSetTitle)
	tbl.Set(SyscallWindowSetVisibility, e.sysWindowSetVisibility)
	tbl.Set(SyscallWindowSetGeometry, e.sysWindowSetGeometry)
	tbl.Set(SyscallWindowGetGeometry, e.sysWindowGetGeometry)
	tbl.Set(SyscallWindowPresent, e.sysWindowPresent)
	tbl.Set(SyscallGfxDrawLine, e.sysGfxDrawLine)
	tbl.Set(SyscallGfxDrawRect, e.sysGfxDrawRect)
	tbl.Set(SyscallGfxFillRect, e.sysGfxFillRect)
	tbl.Set(SyscallGfxDrawText, e.sysGfxDrawText)

	e.table = tbl

	return tbl
}

// Spawn implements the spawn syscall's effect (§6 syscall 4, §4.F): it builds a fresh address
// space, loads an ELF image into it, allocates a PID, and enqueues the new task on the scheduler.
// parent may be nil (only the idle task itself has no parent). On any failure after the address
// space is created, its ASID is released back to the registry.
func (e *Environment) Spawn(parent *task.Task, name string, image []byte) (*task.Task, error) {
	space, err := mm.NewAddressSpace(e.Alloc, e.RAM, e.ASIDs)
	if err != nil {
		return nil, err
	}

	entry, err := task.LoadELF(e.RAM, e.Arena, space, image)
	if err != nil {
		space.Destroy(e.ASIDs)
		return nil, err
	}

	child, err := task.New(e.PIDs.Allocate(), name, e.Arena, space, e.table)
	if err != nil {
		space.Destroy(e.ASIDs)
		return nil, err
	}

	child.Saved.PC = uint64(entry)

	if parent != nil {
		parent.AddChild(child)
	}

	e.RegisterTask(child)
	e.Sched.Enqueue(child)

	return child, nil
}
