// Package ipc implements the bounded message queue, wait list, and pipe primitives of §4.I.
package ipc

import (
	"errors"
	"sync"

	"github.com/mseaver/pikernel/internal/task"
)

// DefaultQueueCapacity is the compile-time-fixed message queue capacity (§3's Message queue).
const DefaultQueueCapacity = 64

// Message is one posted event: a 32-bit kind, a monotonic millisecond timestamp, and two 64-bit
// parameters, per §3.
type Message struct {
	ID        uint32
	Timestamp uint32
	Param1    uint64
	Param2    uint64
}

// Message kinds, stable across builds per §6's ABI.
const (
	MsgKeyDown uint32 = iota + 1
	MsgKeyUp
	MsgShow
	MsgHide
	MsgRepaint
	MsgClose
	MsgMove
	MsgResize
	MsgFocusIn
	MsgFocusOut
	MsgMouseMove
	MsgMouseClick
)

// Sentinel errors, matching §7's error-kind taxonomy.
var (
	ErrQueueFull  = errors.New("ipc: message queue full")
	ErrQueueEmpty = errors.New("ipc: message queue empty")
)

// Waker is the minimal scheduler surface a WaitList needs (§4.G's pause/wake, used here rather
// than depending on the whole sched.Scheduler).
type Waker interface {
	Pause(t *task.Task)
	Wake(t *task.Task)
}

// WaitList is an ordered set of parked task references (§3, §4.I).
type WaitList struct {
	mu     sync.Mutex
	waker  Waker
	waiting []*task.Task
}

// NewWaitList creates an empty wait list backed by waker for the pause/wake side effects.
func NewWaitList(waker Waker) *WaitList {
	return &WaitList{waker: waker}
}

// Add pauses t (unless it is already terminated) and appends it to the wait list.
func (w *WaitList) Add(t *task.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.State() != task.StateTerminated {
		w.waker.Pause(t)
	}

	w.waiting = append(w.waiting, t)
}

// WakeOne resumes the first non-terminated entry, removing every terminated entry it skips past.
func (w *WaitList) WakeOne() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.waiting) > 0 {
		t := w.waiting[0]
		w.waiting = w.waiting[1:]

		if t.State() == task.StateTerminated {
			continue
		}

		w.waker.Wake(t)

		return
	}
}

// WakeAll resumes every live entry, silently dropping terminated ones.
func (w *WaitList) WakeAll() {
	w.mu.Lock()
	waiting := w.waiting
	w.waiting = nil
	w.mu.Unlock()

	for _, t := range waiting {
		if t.State() == task.StateTerminated {
			continue
		}

		w.waker.Wake(t)
	}
}

// Len reports how many tasks are currently parked.
func (w *WaitList) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.waiting)
}

// Queue is a bounded ring buffer of messages plus a "not empty" wait list (§3, §4.I).
type Queue struct {
	mu       sync.Mutex
	buf      []Message
	head     int
	size     int
	notEmpty *WaitList
}

// NewQueue creates a queue of the given capacity (DefaultQueueCapacity if cap<=0), backed by
// waker for blocking dequeue semantics.
func NewQueue(capacity int, waker Waker) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	return &Queue{buf: make([]Message, capacity), notEmpty: NewWaitList(waker)}
}

// Enqueue appends msg under the queue's lock, waking every task blocked on "not empty" after the
// append is committed (§4.I: "wake-all is issued from inside the lock after the enqueue is
// committed"). Fails with ErrQueueFull if the ring is at capacity.
func (q *Queue) Enqueue(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) {
		return ErrQueueFull
	}

	tail := (q.head + q.size) % len(q.buf)
	q.buf[tail] = msg
	q.size++

	q.notEmpty.WakeAll()

	return nil
}

// Dequeue pops the head message, or fails with ErrQueueEmpty.
func (q *Queue) Dequeue() (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Message{}, ErrQueueEmpty
	}

	msg := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.size--

	return msg, nil
}

// BlockUntilNotEmpty implements the sync primitive backing the wait_message syscall: if the
// queue is empty, t is parked on the not-empty wait list and false ("blocked") is returned;
// otherwise true ("ready") is returned immediately.
func (q *Queue) BlockUntilNotEmpty(t *task.Task) (ready bool) {
	q.mu.Lock()
	empty := q.size == 0
	q.mu.Unlock()

	if !empty {
		return true
	}

	q.notEmpty.Add(t)

	return false
}

// Len reports how many messages are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}
