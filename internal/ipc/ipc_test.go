package ipc

import (
	"testing"

	"github.com/mseaver/pikernel/internal/task"
)

type fakeWaker struct {
	paused []*task.Task
	woken  []*task.Task
}

func (f *fakeWaker) Pause(t *task.Task) {
	t.SetState(task.StateUninterruptible)
	f.paused = append(f.paused, t)
}

func (f *fakeWaker) Wake(t *task.Task) {
	t.SetState(task.StateRunning)
	f.woken = append(f.woken, t)
}

func TestQueueEnqueueDequeueRoundTrip(t *testing.T) {
	q := NewQueue(2, &fakeWaker{})

	if err := q.Enqueue(Message{ID: MsgKeyDown}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}

	if err := q.Enqueue(Message{ID: MsgKeyUp}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	if err := q.Enqueue(Message{ID: MsgMove}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}

	m, err := q.Dequeue()
	if err != nil || m.ID != MsgKeyDown {
		t.Fatalf("expected FIFO dequeue of KeyDown, got %v err=%v", m, err)
	}

	if _, err := q.Dequeue(); err != nil {
		t.Fatalf("dequeue 2: %v", err)
	}

	if _, err := q.Dequeue(); err != ErrQueueEmpty {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestBlockUntilNotEmptyParksOnEmptyQueue(t *testing.T) {
	waker := &fakeWaker{}
	q := NewQueue(4, waker)

	tk := &task.Task{PID: 1}

	if q.BlockUntilNotEmpty(tk) {
		t.Fatal("expected blocked on empty queue")
	}

	if len(waker.paused) != 1 {
		t.Fatalf("expected task paused, got %d pauses", len(waker.paused))
	}

	if err := q.Enqueue(Message{ID: MsgRepaint}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if len(waker.woken) != 1 || waker.woken[0] != tk {
		t.Fatalf("expected enqueue to wake the blocked task, got %v", waker.woken)
	}
}

func TestWaitListSkipsTerminatedTasks(t *testing.T) {
	waker := &fakeWaker{}
	wl := NewWaitList(waker)

	dead := &task.Task{PID: 1}
	dead.SetState(task.StateTerminated)

	alive := &task.Task{PID: 2}

	wl.Add(dead)
	wl.Add(alive)

	wl.WakeOne()

	if len(waker.woken) != 1 || waker.woken[0] != alive {
		t.Fatalf("expected terminated task skipped, alive woken instead: %v", waker.woken)
	}
}

func TestWaitListWakeAll(t *testing.T) {
	waker := &fakeWaker{}
	wl := NewWaitList(waker)

	a := &task.Task{PID: 1}
	b := &task.Task{PID: 2}

	wl.Add(a)
	wl.Add(b)

	wl.WakeAll()

	if len(waker.woken) != 2 {
		t.Fatalf("expected both tasks woken, got %d", len(waker.woken))
	}

	if wl.Len() != 0 {
		t.Fatalf("expected wait list emptied, got %d remaining", wl.Len())
	}
}

func TestPipeReadWriteWrapAround(t *testing.T) {
	p := NewPipe(8, &fakeWaker{})

	n := p.Write([]byte("abcdef"))
	if n != 6 {
		t.Fatalf("expected 6 bytes written, got %d", n)
	}

	out := make([]byte, 4)
	if n := p.Read(out); n != 4 || string(out) != "abcd" {
		t.Fatalf("expected 'abcd', got %q (n=%d)", out, n)
	}

	// Write again: writeIdx is now at 6, buffer cap 8, this wraps around.
	n = p.Write([]byte("ghij"))
	if n != 4 {
		t.Fatalf("expected 4 bytes written, got %d", n)
	}

	out2 := make([]byte, 6)
	if n := p.Read(out2); n != 6 || string(out2) != "efghij" {
		t.Fatalf("expected 'efghij' honoring wrap-around, got %q (n=%d)", out2, n)
	}
}

func TestPipeWriteStopsAtCapacity(t *testing.T) {
	p := NewPipe(4, &fakeWaker{})

	n := p.Write([]byte("abcdef"))
	if n != 4 {
		t.Fatalf("expected write capped at capacity 4, got %d", n)
	}
}

func TestPipeCloseWakesBothSidesAndEmpties(t *testing.T) {
	waker := &fakeWaker{}

	reader := &task.Task{PID: 1}
	writer := &task.Task{PID: 2}

	full := NewPipe(2, waker)
	full.Write([]byte("xy"))

	if full.WaitWrite(writer) {
		t.Fatal("expected writer to block on a full pipe")
	}

	empty := NewPipe(2, waker)
	if empty.WaitRead(reader) {
		t.Fatal("expected reader to block on an empty pipe")
	}

	full.Close()
	empty.Close()

	if !full.Closed() || !empty.Closed() {
		t.Fatal("expected both pipes closed")
	}

	if len(waker.woken) != 2 {
		t.Fatalf("expected both parked tasks woken on close, got %d", len(waker.woken))
	}

	if n := full.Read(make([]byte, 2)); n != 0 {
		t.Fatalf("expected closed pipe emptied, read %d bytes", n)
	}
}
