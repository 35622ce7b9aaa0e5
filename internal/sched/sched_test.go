package sched

import (
	"testing"

	"github.com/mseaver/pikernel/internal/mm"
	"github.com/mseaver/pikernel/internal/task"
)

func emptyChunk(t *testing.T) *mm.Chunk {
	t.Helper()

	alloc := &mm.GeneralAllocator{}
	alloc.AddBank(mm.NewBank(0, 16*mm.PageSize))

	ram := mm.NewRAM()

	eng, err := mm.NewEngine(alloc, ram, 0)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	arena := mm.NewChunkArena(eng, alloc)

	c, err := mm.NewChunk(arena, 1)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}

	return c
}

type fakeReaper struct {
	released []*task.Task
}

func (f *fakeReaper) Release(t *task.Task) { f.released = append(f.released, t) }

func newTestTask(pid uint32, priority int) *task.Task {
	return &task.Task{PID: pid, Priority: priority}
}

func TestScheduleHighestPriorityFirst(t *testing.T) {
	s := New(nil, nil)

	low := newTestTask(1, 5)
	high := newTestTask(2, 20)

	s.Enqueue(low)
	s.Enqueue(high)

	s.Schedule()

	if s.Current() != high {
		t.Fatalf("expected highest priority task scheduled first, got pid=%d", s.Current().PID)
	}
}

func TestScheduleRequeuesOutgoingCurrent(t *testing.T) {
	s := New(nil, nil)

	a := newTestTask(1, 10)
	b := newTestTask(2, 10)

	s.Enqueue(a)
	s.Schedule() // current = a

	s.Enqueue(b)
	s.Schedule() // equal priority, FIFO: b was enqueued after a was already current, so b runs next... but a must be requeued

	// a should now be back in its run queue since it was requeued, not dropped.
	s.Schedule()

	if s.Current() != a {
		t.Fatalf("expected requeued task 'a' to come back around, got pid=%d", s.Current().PID)
	}
}

func TestNonPreemptibleBlocksSchedule(t *testing.T) {
	s := New(nil, nil)

	a := newTestTask(1, 10)
	s.Enqueue(a)
	s.Schedule()

	b := newTestTask(2, 31)
	s.Enqueue(b)

	s.SetPreemptible(false)
	s.Schedule()

	if s.Current() != a {
		t.Fatalf("expected schedule() to be a no-op while non-preemptible, got pid=%d", s.Current().PID)
	}

	s.SetPreemptible(true)
	s.Schedule()

	if s.Current() != b {
		t.Fatalf("expected higher-priority task scheduled once preemptible again, got pid=%d", s.Current().PID)
	}
}

func TestTickPreemptsForHigherPriority(t *testing.T) {
	s := New(nil, nil)

	low := newTestTask(1, 5)
	s.Enqueue(low)
	s.Schedule()

	high := newTestTask(2, 25)
	s.Enqueue(high)

	s.Tick()

	if s.Current() != high {
		t.Fatalf("expected immediate preemption for higher-priority ready task, got pid=%d", s.Current().PID)
	}
}

func TestTickRoundRobinsAtEqualPriorityAfterTimeSlice(t *testing.T) {
	s := New(nil, nil)

	a := newTestTask(1, 10)
	b := newTestTask(2, 10)

	s.Enqueue(a)
	s.Schedule() // current = a
	s.Enqueue(b)

	for i := 0; i < DefaultTimeSlice-1; i++ {
		s.Tick()
	}

	if s.Current() != a {
		t.Fatalf("expected 'a' to keep the CPU before its time slice expires, got pid=%d", s.Current().PID)
	}

	s.Tick() // time slice now fully consumed

	if s.Current() != b {
		t.Fatalf("expected round-robin to 'b' once the time slice expires, got pid=%d", s.Current().PID)
	}
}

func TestSleepWakesAfterDeltaTicks(t *testing.T) {
	s := New(nil, nil)

	idle := newTestTask(0, 0)
	s.Enqueue(idle)
	s.Schedule()

	sleeper := newTestTask(1, 10)
	s.Sleep(sleeper, 3)

	if sleeper.State() != task.StateUninterruptible {
		t.Fatalf("expected sleeping task uninterruptible, got %s", sleeper.State())
	}

	s.Tick()
	s.Tick()

	if sleeper.State() != task.StateUninterruptible {
		t.Fatal("expected task still asleep before its delta elapses")
	}

	s.Tick()

	if sleeper.State() != task.StateRunning {
		t.Fatalf("expected task woken once its delta elapses, got %s", sleeper.State())
	}
}

func TestSleepOrdersMultipleEntriesByCumulativeDelta(t *testing.T) {
	s := New(nil, nil)

	idle := newTestTask(0, 0)
	s.Enqueue(idle)
	s.Schedule()

	far := newTestTask(1, 10)
	near := newTestTask(2, 10)

	s.Sleep(far, 5)
	s.Sleep(near, 2) // inserted ahead of far in the delta queue

	for i := 0; i < 2; i++ {
		s.Tick()
	}

	if near.State() != task.StateRunning {
		t.Fatalf("expected nearer sleeper woken first, got %s", near.State())
	}

	if far.State() == task.StateRunning {
		t.Fatal("expected farther sleeper still asleep")
	}

	for i := 0; i < 3; i++ {
		s.Tick()
	}

	if far.State() != task.StateRunning {
		t.Fatalf("expected farther sleeper woken after its full delta, got %s", far.State())
	}
}

func TestPauseRemovesFromRunQueue(t *testing.T) {
	s := New(nil, nil)

	idle := newTestTask(0, 0)
	s.Enqueue(idle)
	s.Schedule()

	a := newTestTask(1, 15)
	s.Enqueue(a)

	s.Pause(a)

	s.Schedule()

	if s.Current() == a {
		t.Fatal("expected paused task not scheduled")
	}

	if a.State() != task.StateUninterruptible {
		t.Fatalf("expected paused task uninterruptible, got %s", a.State())
	}
}

func TestTerminateCallsReaperAndUnparentsChildren(t *testing.T) {
	s := New(nil, nil)
	reaper := &fakeReaper{}
	s.reaper = reaper

	parent := &task.Task{PID: 1, Priority: 10, Stack: emptyChunk(t)}
	child := &task.Task{PID: 2, Priority: 10}
	parent.AddChild(child)

	s.Enqueue(parent)
	s.Schedule()

	s.Terminate(parent)

	if parent.State() != task.StateTerminated {
		t.Fatalf("expected terminated state, got %s", parent.State())
	}

	if len(reaper.released) != 1 || reaper.released[0] != parent {
		t.Fatalf("expected reaper.Release called with parent, got %v", reaper.released)
	}

	if child.Parent != nil {
		t.Fatalf("expected child unparented, got parent=%v", child.Parent)
	}

	if s.Current() == parent {
		t.Fatal("expected terminated task no longer current")
	}
}
