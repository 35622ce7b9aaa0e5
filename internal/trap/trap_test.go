package trap

import (
	"testing"

	"github.com/mseaver/pikernel/internal/task"
)

type fakeSched struct {
	current     *task.Task
	scheduled   int
	terminated  []*task.Task
}

func (f *fakeSched) Current() *task.Task { return f.current }
func (f *fakeSched) Schedule()           { f.scheduled++ }
func (f *fakeSched) Terminate(t *task.Task) {
	f.terminated = append(f.terminated, t)
	if f.current == t {
		f.current = nil
	}
}

type fakeIRQ struct {
	pendingIDs []uint32
	handled    []uint32
	acked      []uint32
}

func (f *fakeIRQ) Pending() ([]uint32, bool) { return f.pendingIDs, len(f.pendingIDs) > 0 }
func (f *fakeIRQ) Dispatch(id uint32) bool   { f.handled = append(f.handled, id); return true }
func (f *fakeIRQ) MarkProcessed(id uint32)   { f.acked = append(f.acked, id) }

func newTestTask(pid uint32) *task.Task {
	tbl := task.NewDefaultTable(func(*task.Task, *task.SavedState) (uint64, error) {
		return 0xffff_ffff, task.ErrUnknownSyscall
	})

	tbl.Set(2, func(t *task.Task, frame *task.SavedState) (uint64, error) {
		return uint64(t.PID), nil
	})

	return &task.Task{PID: pid, Tables: tbl}
}

func TestDispatchSyscallWritesResultToX0(t *testing.T) {
	tk := newTestTask(7)
	tk.Saved.GPRegs[8] = 2 // getpid

	sched := &fakeSched{current: tk}
	d := New(sched, &fakeIRQ{}, nil)

	frame := Frame{Source: SourceLowerEL, Kind: KindSync, Class: ClassSVC64, Task: tk, ILBit: true}
	d.Handle(frame)

	if tk.Saved.GPRegs[0] != 7 {
		t.Fatalf("expected x0=7 (pid), got %d", tk.Saved.GPRegs[0])
	}

	if sched.scheduled != 1 {
		t.Fatalf("expected schedule() called once after syscall, got %d", sched.scheduled)
	}
}

func TestDispatchUnknownSyscallReflectsErrorNotPanic(t *testing.T) {
	tk := newTestTask(7)
	tk.Saved.GPRegs[8] = 511 // unregistered

	sched := &fakeSched{current: tk}
	d := New(sched, &fakeIRQ{}, nil)

	d.Handle(Frame{Source: SourceLowerEL, Kind: KindSync, Class: ClassSVC64, Task: tk, ILBit: true})

	if tk.Saved.GPRegs[0] != 0xffff_ffff {
		t.Fatalf("expected unknown-syscall sentinel in x0, got %#x", tk.Saved.GPRegs[0])
	}
}

func TestUserFaultTerminatesTaskNotKernel(t *testing.T) {
	tk := newTestTask(9)

	sched := &fakeSched{current: tk}
	d := New(sched, &fakeIRQ{}, nil)

	d.Handle(Frame{Source: SourceLowerEL, Kind: KindSync, Class: ClassDataAbort, FarAddr: 0xdead, Task: tk})

	if len(sched.terminated) != 1 || sched.terminated[0] != tk {
		t.Fatalf("expected faulting task terminated, got %v", sched.terminated)
	}

	if sched.scheduled != 1 {
		t.Fatalf("expected reschedule after fault, got %d", sched.scheduled)
	}
}

func TestKernelExceptionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on kernel-EL exception")
		}
	}()

	tk := newTestTask(0)
	sched := &fakeSched{current: tk}
	d := New(sched, &fakeIRQ{}, nil)

	d.Handle(Frame{Source: SourceCurrentEL, Kind: KindSync, Class: ClassDataAbort, Task: tk})
}

func TestWaitMessageRestartRewindsPCWithoutWritingResult(t *testing.T) {
	tk := newTestTask(3)
	tk.Saved.GPRegs[8] = 11 // wait_message
	tk.Saved.PC = 0x1000
	tk.Saved.GPRegs[0] = 0x1234 // sentinel: must be untouched by a restart

	tk.Tables.Set(11, func(*task.Task, *task.SavedState) (uint64, error) {
		return 0, task.ErrRestart
	})

	sched := &fakeSched{current: tk}
	d := New(sched, &fakeIRQ{}, nil)

	d.Handle(Frame{Source: SourceLowerEL, Kind: KindSync, Class: ClassSVC64, Task: tk, ILBit: true})

	if tk.Saved.PC != 0x1000-4 {
		t.Fatalf("expected PC rewound by 4 bytes, got %#x", tk.Saved.PC)
	}

	if tk.Saved.GPRegs[0] != 0x1234 {
		t.Fatalf("expected x0 untouched on restart, got %#x", tk.Saved.GPRegs[0])
	}

	if sched.scheduled != 1 {
		t.Fatalf("expected reschedule after restart, got %d", sched.scheduled)
	}
}

func TestIRQHandlerDrainsPendingAndAcknowledges(t *testing.T) {
	tk := newTestTask(1)
	sched := &fakeSched{current: tk}
	irqc := &fakeIRQ{pendingIDs: []uint32{3, 5}}

	d := New(sched, irqc, nil)
	d.Handle(Frame{Kind: KindIRQ})

	if len(irqc.handled) != 2 || len(irqc.acked) != 2 {
		t.Fatalf("expected both pending IRQs dispatched and acknowledged, got handled=%v acked=%v", irqc.handled, irqc.acked)
	}

	if sched.scheduled != 1 {
		t.Fatalf("expected reschedule on IRQ return, got %d", sched.scheduled)
	}
}
