package task

import (
	"testing"

	"github.com/mseaver/pikernel/internal/mm"
)

func newTestSpace(t *testing.T) (*mm.GeneralAllocator, *mm.ChunkArena, *mm.AddressSpace) {
	t.Helper()

	alloc := &mm.GeneralAllocator{}
	alloc.AddBank(mm.NewBank(0, 4096*mm.PageSize))

	ram := mm.NewRAM()

	kernelEngine, err := mm.NewEngine(alloc, ram, 0)
	if err != nil {
		t.Fatalf("kernel engine: %v", err)
	}

	arena := mm.NewChunkArena(kernelEngine, alloc)

	space, err := mm.NewAddressSpace(alloc, ram, mm.NewASIDRegistry())
	if err != nil {
		t.Fatalf("address space: %v", err)
	}

	return alloc, arena, space
}

func TestNewTaskAllocatesStackAndDefaults(t *testing.T) {
	_, arena, space := newTestSpace(t)

	tbl := NewDefaultTable(func(*Task, *SavedState) (uint64, error) { return 0, ErrUnknownSyscall })

	tk, err := New(1, "init", arena, space, tbl)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	if tk.Priority != DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", DefaultPriority, tk.Priority)
	}

	if tk.State() != StateInterruptible {
		t.Fatalf("expected new task interruptible, got %s", tk.State())
	}

	if tk.Stack.Pages() != DefaultStackPages {
		t.Fatalf("expected %d stack pages, got %d", DefaultStackPages, tk.Stack.Pages())
	}

	if !space.Engine.HasEntryAt(UserStackBase) {
		t.Fatal("expected stack mapped at UserStackBase")
	}
}

func TestSyscallTableDispatchAndUnknown(t *testing.T) {
	var called uint32

	tbl := NewDefaultTable(func(*Task, *SavedState) (uint64, error) { return 0, ErrUnknownSyscall })
	tbl.Set(2, func(tk *Task, frame *SavedState) (uint64, error) {
		called = 2
		return uint64(tk.PID), nil
	})

	tk := &Task{PID: 42}

	res, err := tbl.Dispatch(tk, 2, &SavedState{})
	if err != nil {
		t.Fatalf("dispatch getpid: %v", err)
	}

	if res != 42 || called != 2 {
		t.Fatalf("expected getpid handler invoked with result 42, got res=%d called=%d", res, called)
	}

	_, err = tbl.Dispatch(tk, 511, &SavedState{})
	if err != ErrUnknownSyscall {
		t.Fatalf("expected ErrUnknownSyscall for unregistered id, got %v", err)
	}
}

func TestTableCloneIsIndependentlyMutable(t *testing.T) {
	base := NewDefaultTable(nil)
	base.Set(1, func(*Task, *SavedState) (uint64, error) { return 1, nil })

	clone := base.Clone()
	clone.Set(1, func(*Task, *SavedState) (uint64, error) { return 2, nil })

	r1, _ := base.Dispatch(&Task{}, 1, &SavedState{})
	r2, _ := clone.Dispatch(&Task{}, 1, &SavedState{})

	if r1 != 1 || r2 != 2 {
		t.Fatalf("expected clone to diverge from base: base=%d clone=%d", r1, r2)
	}
}

func TestTerminateReparentsChildren(t *testing.T) {
	parent := &Task{PID: 1}
	child := &Task{PID: 2}
	grandparent := &Task{PID: 0}

	parent.AddChild(child)

	if child.Parent != parent {
		t.Fatal("expected child's parent set")
	}

	parent.Reparent(grandparent)

	if child.Parent != grandparent {
		t.Fatalf("expected child reparented to grandparent, got %v", child.Parent)
	}

	if len(grandparent.Children()) != 1 {
		t.Fatalf("expected grandparent to adopt 1 child, got %d", len(grandparent.Children()))
	}

	if len(parent.Children()) != 0 {
		t.Fatalf("expected parent's child list cleared, got %d", len(parent.Children()))
	}
}

func TestElapsedTicksResetOnSchedule(t *testing.T) {
	tk := &Task{}

	tk.Tick()
	tk.Tick()

	if tk.ElapsedTicks() != 2 {
		t.Fatalf("expected 2 elapsed ticks, got %d", tk.ElapsedTicks())
	}

	tk.ResetTicks()

	if tk.ElapsedTicks() != 0 {
		t.Fatalf("expected ticks reset to 0, got %d", tk.ElapsedTicks())
	}
}
