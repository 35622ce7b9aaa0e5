// Package trap implements the exception vector and syscall dispatch of §4.E: a single entry
// point for every synchronous exception and IRQ, syscall classification and dispatch through a
// task's syscall table, and fault attribution for userspace faults.
package trap

import (
	"errors"

	"github.com/mseaver/pikernel/internal/log"
	"github.com/mseaver/pikernel/internal/task"
)

// Source identifies which exception level an exception was taken from.
type Source uint8

const (
	SourceLowerEL Source = iota // userspace (EL0)
	SourceCurrentEL             // kernel (EL1)
)

// Kind identifies which of the four vector-table entries fired.
type Kind uint8

const (
	KindSync Kind = iota
	KindIRQ
	KindFIQ
	KindSError
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindIRQ:
		return "irq"
	case KindFIQ:
		return "fiq"
	case KindSError:
		return "serror"
	default:
		return "unknown"
	}
}

// Class is the decoded ARM Exception Class extracted from ESR_EL1, restricted to the classes this
// kernel distinguishes (§4.E's decision tree).
type Class uint8

const (
	ClassSVC64 Class = iota
	ClassInstructionAbort
	ClassDataAbort
	ClassPCAlignment
	ClassSPAlignment
	ClassFPTrap
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassSVC64:
		return "svc64"
	case ClassInstructionAbort:
		return "instruction-abort"
	case ClassDataAbort:
		return "data-abort"
	case ClassPCAlignment:
		return "pc-alignment"
	case ClassSPAlignment:
		return "sp-alignment"
	case ClassFPTrap:
		return "fp-trap"
	default:
		return "unknown"
	}
}

// Frame is everything the vector's single C entry point receives: the source and kind of the
// exception, the decoded class (meaningful only for KindSync), the faulting address (meaningful
// only for abort classes), and the task that was executing when it fired.
type Frame struct {
	Source  Source
	Kind    Kind
	Class   Class
	FarAddr uint64
	Task    *task.Task

	// ILBit is ESR_EL1.IL, meaningful only for KindSync/ClassSVC64: true for the 32-bit A64
	// encoding (every instruction on this kernel's real target), false for the legacy 16-bit
	// encoding that would only arise for 32-bit processes (out of scope, per §1's non-goals).
	ILBit bool
}

// Scheduler is the minimal surface trap needs from the scheduler: reschedule after a syscall,
// IRQ, or fault terminates/blocks the current task, and a way to ask who is current now.
type Scheduler interface {
	Current() *task.Task
	Schedule()
	Terminate(t *task.Task)
}

// IRQController is the minimal surface trap needs from the IRQ subsystem (§4.H) to drain pending
// interrupts on a KindIRQ vector entry.
type IRQController interface {
	Pending() ([]uint32, bool)
	Dispatch(id uint32) bool
	MarkProcessed(id uint32)
}

// Dispatcher is the kernel's single exception entry point, wired to the vector table at boot.
type Dispatcher struct {
	sched Scheduler
	irq   IRQController
	log   *log.Logger
}

// New creates a dispatcher over the given scheduler and IRQ controller.
func New(sched Scheduler, irq IRQController, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Dispatcher{sched: sched, irq: irq, log: logger}
}

// Handle is the single entry point every vector-table slot calls into (§4.E). It returns the task
// that should now be current, which may differ from frame.Task if a context switch occurred.
func (d *Dispatcher) Handle(frame Frame) *task.Task {
	switch frame.Kind {
	case KindIRQ, KindFIQ:
		d.handleIRQ(frame)
	case KindSync:
		d.handleSync(frame)
	case KindSError:
		d.log.Error("trap: SError, halting", "pid", taskPID(frame.Task))
		panic("trap: unrecoverable SError")
	}

	return d.sched.Current()
}

func (d *Dispatcher) handleIRQ(frame Frame) {
	ids, ok := d.irq.Pending()
	if !ok {
		return
	}

	for _, id := range ids {
		if !d.irq.Dispatch(id) {
			d.log.Error("trap: no handler claimed IRQ", "irq", id)
		}

		d.irq.MarkProcessed(id)
	}

	d.sched.Schedule()
}

func (d *Dispatcher) handleSync(frame Frame) {
	if frame.Source == SourceCurrentEL {
		d.log.Error("trap: fatal exception in kernel", "class", frame.Class.String(), "far", frame.FarAddr)
		panic("trap: unreachable exception class in kernel EL")
	}

	if frame.Class == ClassSVC64 {
		d.dispatchSyscall(frame)
		return
	}

	d.log.Error("trap: user fault, terminating task",
		"pid", taskPID(frame.Task), "class", frame.Class.String(), "far", frame.FarAddr)

	d.sched.Terminate(frame.Task)
	d.sched.Schedule()
}

func (d *Dispatcher) dispatchSyscall(frame Frame) {
	t := frame.Task
	if t == nil {
		return
	}

	id := uint32(t.Saved.GPRegs[8])

	result, err := t.Tables.Dispatch(t, id, &t.Saved)

	// §4.E/§9's coroutine-like wait/resume: the handler has already parked t on a wait list and
	// cannot complete immediately. Rewind the PC back onto the SVC instead of writing a result, so
	// the next time t runs it re-executes the same syscall with the same arguments (§8 property 9).
	if errors.Is(err, task.ErrRestart) {
		t.Saved.RewindPC(frame.ILBit)
		d.sched.Schedule()

		return
	}

	t.Saved.GPRegs[0] = result

	if err != nil {
		d.log.Debug("trap: syscall error", "pid", t.PID, "syscall", id, "err", err)
	}

	d.sched.Schedule()
}

func taskPID(t *task.Task) uint32 {
	if t == nil {
		return 0
	}

	return t.PID
}
