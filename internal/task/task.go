// Package task implements the kernel's task model of §4.F: PID/ASID-tagged process state, the
// per-task saved register frame restored on context switch, and the ELF program loader.
package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mseaver/pikernel/internal/mm"
)

// State is one of a task's four lifecycle states (§3's Task invariant).
type State uint8

const (
	StateRunning State = iota
	StateInterruptible
	StateUninterruptible
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateInterruptible:
		return "interruptible"
	case StateUninterruptible:
		return "uninterruptible"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MinPriority and MaxPriority bound a task's scheduling priority (§3, §4.G).
const (
	MinPriority     = 0
	MaxPriority     = 31
	DefaultPriority = 15
)

// DefaultStackPages is the minimum stack size (in pages) a task is given absent an explicit
// request, per §4.F's "≥ one configurable minimum (default two pages)".
const DefaultStackPages = 2

// UserStackBase is the fixed virtual address every process stack chunk is mapped at.
const UserStackBase mm.VirtAddr = 0x0000_7fff_0000_0000

// SavedState holds everything needed to suspend and later resume a task (§4.E): general-purpose
// and FPU/SIMD registers, the user program counter and stack pointer, and whether the task was
// executing kernel code when it was last suspended (so the exception return path knows which
// exception level to restore into).
type SavedState struct {
	GPRegs      [31]uint64
	FPRegs      [32][2]uint64 // 128-bit SIMD/FPU registers, stored as two 64-bit halves
	PC          uint64
	SP          uint64
	StartedInEL1 bool
}

// Registers returns the slice of general-purpose registers a syscall handler reads its arguments
// from (x0..x7) and writes its result to (x0).
func (s *SavedState) Registers() []uint64 { return s.GPRegs[:8] }

// RewindPC rewinds the saved program counter back onto the SVC instruction that triggered a
// syscall restart (§4.E, §9's "coroutine-like wait/resume"): 4 bytes for the 32-bit A64 encoding
// (ESR.IL=1), 2 bytes for the legacy 16-bit encoding (ESR.IL=0). This kernel never takes 32-bit
// processes (a non-goal), so ilBit is always true in practice, but both widths are honored for
// fidelity to ESR.IL's literal meaning.
func (s *SavedState) RewindPC(ilBit bool) {
	if ilBit {
		s.PC -= 4
		return
	}

	s.PC -= 2
}

// Handler services one syscall: it reads arguments from the register frame, may mutate task
// state (e.g. to rewind the PC on a blocking restart), and returns the value to place in x0.
type Handler func(t *Task, frame *SavedState) (result uint64, err error)

// Table is a sparse syscall table indexed by number in [0, 512), per §3 and §6's ABI.
type Table struct {
	handlers [512]Handler
	unknown  Handler
}

// NewDefaultTable builds the syscall table with the "unknown syscall" fallback installed; callers
// register the ABI's handlers (§6) with Set.
func NewDefaultTable(unknown Handler) *Table {
	return &Table{unknown: unknown}
}

// Set installs a handler at id. It panics if id is out of [0, 512) — a programming error, not a
// runtime condition.
func (t *Table) Set(id uint32, h Handler) {
	if id >= 512 {
		panic(fmt.Sprintf("task: syscall id %d out of range", id))
	}

	t.handlers[id] = h
}

// Dispatch invokes the handler registered for id, or the table's unknown-syscall handler if none
// is registered. Per §7, the result is always reflected through x0 and never propagates past the
// caller.
func (t *Table) Dispatch(task *Task, id uint32, frame *SavedState) (uint64, error) {
	if id < 512 && t.handlers[id] != nil {
		return t.handlers[id](task, frame)
	}

	if t.unknown != nil {
		return t.unknown(task, frame)
	}

	return 0, ErrUnknownSyscall
}

// Clone returns a shallow copy of the table, sharing handler funcs but independently mutable,
// matching §4.F's "clones the default syscall table pointer" at task creation.
func (t *Table) Clone() *Table {
	clone := *t
	return &clone
}

// Sentinel errors, matching §7's error-kind taxonomy.
var (
	ErrUnknownSyscall   = errors.New("task: unknown syscall")
	ErrInvalidPriority  = errors.New("task: invalid priority")
	ErrInvalidWindow    = errors.New("task: invalid window handle")
	ErrInvalidFile      = errors.New("task: invalid file")
	ErrNoSuchTask       = errors.New("task: no such task")

	// ErrRestart is never surfaced to a user task. A handler returns it to signal the
	// coroutine-like wait/resume pattern of §4.E/§9: the task has already been parked on a wait
	// list, and the dispatcher must rewind the saved PC back onto the SVC instruction so the next
	// scheduling point re-enters the same syscall with the same arguments.
	ErrRestart = errors.New("task: syscall restart")
)

// Task is one schedulable unit of execution: a PID, saved register state, an address space, a
// syscall table, and bookkeeping for the scheduler and its family tree (§3).
type Task struct {
	PID      uint32
	Name     string
	Priority int

	// ExitStatus is set by the exit syscall; meaningful once State() == StateTerminated.
	ExitStatus int

	mu           sync.Mutex
	state        State
	elapsedTicks uint64

	Saved   SavedState
	Space   *mm.AddressSpace
	Stack   *mm.Chunk
	Tables  *Table

	Parent   *Task
	children []*Task

	// Windows lists the handles of every window this task owns (§4.K); the window manager owns
	// the actual Window values.
	Windows []uint32
}

// New creates a task with a fresh stack chunk and default priority/state, ready to be placed on a
// run queue by the scheduler.
func New(pid uint32, name string, arena *mm.ChunkArena, space *mm.AddressSpace, tables *Table) (*Task, error) {
	stack, err := mm.NewChunk(arena, DefaultStackPages)
	if err != nil {
		return nil, fmt.Errorf("task: allocate stack: %w", err)
	}

	if err := stack.MapInto(space, UserStackBase, mm.AttrsUserRWData); err != nil {
		return nil, fmt.Errorf("task: map stack: %w", err)
	}

	t := &Task{
		PID:      pid,
		Name:     name,
		Priority: DefaultPriority,
		state:    StateInterruptible,
		Saved:    SavedState{SP: uint64(UserStackBase) + uint64(DefaultStackPages)*mm.PageSize},
		Space:    space,
		Stack:    stack,
		Tables:   tables.Clone(),
	}

	return t, nil
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// SetState transitions the task's lifecycle state. The scheduler is responsible for the run-queue
// side effects implied by the transition (§4.G).
func (t *Task) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = s
}

// ElapsedTicks returns the number of timer ticks consumed in the task's current time slice.
func (t *Task) ElapsedTicks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.elapsedTicks
}

// ResetTicks zeros the elapsed-ticks counter, done whenever the scheduler makes this task current.
func (t *Task) ResetTicks() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.elapsedTicks = 0
}

// Tick increments the elapsed-ticks counter by one and returns the new value.
func (t *Task) Tick() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.elapsedTicks++

	return t.elapsedTicks
}

// AddChild records a child task, called when a task spawns another via the spawn syscall.
func (t *Task) AddChild(c *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c.Parent = t
	t.children = append(t.children, c)
}

// Children returns the task's live children.
func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Task, len(t.children))
	copy(out, t.children)

	return out
}

// Reparent moves every child of t onto newParent (or drops them to no parent if newParent is
// nil), matching §4.G's terminate contract: "unparent its children".
func (t *Task) Reparent(newParent *Task) {
	t.mu.Lock()
	kids := t.children
	t.children = nil
	t.mu.Unlock()

	for _, c := range kids {
		if newParent != nil {
			newParent.AddChild(c)
			continue
		}

		c.mu.Lock()
		c.Parent = nil
		c.mu.Unlock()
	}
}
