// Package sched implements the scheduler of §4.G: 32 priority-indexed run queues, a delta queue
// for sleeping tasks, and the schedule()/tick() decision procedures that pick and preempt the
// current task.
package sched

import (
	"container/list"
	"sync"

	"github.com/mseaver/pikernel/internal/log"
	"github.com/mseaver/pikernel/internal/task"
)

// NumPriorities is the number of priority-indexed run queues (§4.G), the same fixed-size,
// priority-indexed-array shape the teacher uses for its interrupt descriptor table.
const NumPriorities = 32

// DefaultTimeSlice and PriorityZeroTimeSlice are the tick budgets handed to a task when it
// becomes current, per §4.G: "the time slice per priority defaults to 10 ticks, with priority 0
// using 1 tick".
const (
	DefaultTimeSlice     = 10
	PriorityZeroTimeSlice = 1
)

func timeSlice(priority int) uint64 {
	if priority == 0 {
		return PriorityZeroTimeSlice
	}

	return DefaultTimeSlice
}

// deltaEntry is one (task, remaining-ticks) pair in the sleep delta queue; Delta is relative to
// the previous entry in the list, so summing deltas up to any element yields its absolute
// remaining time (§3's Delta queue invariant).
type deltaEntry struct {
	task  *task.Task
	delta uint64
}

// Reaper releases the kernel-global resources a terminated task holds beyond its own run-queue
// membership: its address space (and the ASID within it) and its PID. The scheduler itself owns
// neither registry, so it calls back into whatever the boot sequencer wired up.
type Reaper interface {
	Release(t *task.Task)
}

// Scheduler owns the 32 run queues, the delta queue, and the notion of "current task".
type Scheduler struct {
	mu sync.Mutex

	queues  [NumPriorities]*list.List
	inQueue map[*task.Task]*list.Element // task -> its element, for O(1) removal

	current      *task.Task
	preemptible  bool

	delta *list.List // list of *deltaEntry, ascending by cumulative wake time

	reaper Reaper
	log    *log.Logger
}

// New creates an empty scheduler. The caller is responsible for enqueueing an idle task before
// the first call to Schedule. reaper may be nil in tests that do not exercise Terminate's
// address-space/PID release step.
func New(reaper Reaper, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	s := &Scheduler{
		inQueue:     make(map[*task.Task]*list.Element),
		preemptible: true,
		delta:       list.New(),
		reaper:      reaper,
		log:         logger,
	}

	for i := range s.queues {
		s.queues[i] = list.New()
	}

	return s
}

// Current returns the task presently holding the CPU, or nil if none.
func (s *Scheduler) Current() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// SetPreemptible controls whether Schedule may replace the current task. Syscall handlers and
// other kernel critical sections that must run to completion call SetPreemptible(false) on entry
// and SetPreemptible(true) on exit (§5's concurrency model).
func (s *Scheduler) SetPreemptible(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.preemptible = p
}

// enqueueLocked pushes t onto the tail of its priority's run queue. Caller holds s.mu.
func (s *Scheduler) enqueueLocked(t *task.Task) {
	q := s.queues[t.Priority]
	el := q.PushBack(t)
	s.inQueue[t] = el
}

// removeLocked removes t from whichever run queue holds it, if any. Caller holds s.mu.
func (s *Scheduler) removeLocked(t *task.Task) {
	el, ok := s.inQueue[t]
	if !ok {
		return
	}

	for p := range s.queues {
		s.queues[p].Remove(el)
	}

	delete(s.inQueue, t)
}

// Enqueue places a newly-created or woken task onto its priority's run queue, marking it running.
func (s *Scheduler) Enqueue(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.SetState(task.StateRunning)
	s.enqueueLocked(t)
}

// Schedule implements §4.G's schedule(): picks the next task from the highest non-empty priority
// queue, requeues the outgoing current task if it is still live, and resets the new task's
// elapsed-ticks counter.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.preemptible {
		return
	}

	for p := NumPriorities - 1; p >= 0; p-- {
		q := s.queues[p]
		if q.Len() == 0 {
			continue
		}

		front := q.Front()
		next := front.Value.(*task.Task)
		q.Remove(front)
		delete(s.inQueue, next)

		if s.current != nil && s.current.State() == task.StateRunning && s.current != next {
			s.enqueueLocked(s.current)
		}

		s.current = next
		next.ResetTicks()

		return
	}
}

// Tick implements §4.G's tick(): called on every timer IRQ. It increments the current task's
// elapsed ticks, preempts immediately if a higher-priority task is ready, and otherwise
// round-robins once the time slice is spent.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	s.tickDeltaQueue()

	if cur == nil {
		s.Schedule()
		return
	}

	elapsed := cur.Tick()

	if s.higherPriorityReady(cur.Priority) {
		s.Schedule()
		return
	}

	if elapsed >= timeSlice(cur.Priority) {
		s.Schedule()
	}
}

func (s *Scheduler) higherPriorityReady(priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := NumPriorities - 1; p > priority; p-- {
		if s.queues[p].Len() > 0 {
			return true
		}
	}

	return false
}

// SetPriority implements §6's sched_set_priority: moves t to its new priority's run queue if it is
// currently queued, otherwise just updates the field so the next enqueue honors it.
func (s *Scheduler) SetPriority(t *task.Task, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, queued := s.inQueue[t]
	if queued {
		s.removeLocked(t)
	}

	t.Priority = priority

	if queued {
		s.enqueueLocked(t)
	}
}

// Sleep implements §4.G's sleep: parks t on the delta queue for the given number of ticks and
// pauses it. The queue is kept sorted by inserting t's delta relative to the entries ahead of it.
func (s *Scheduler) Sleep(t *task.Task, ticks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(t)
	t.SetState(task.StateUninterruptible)

	remaining := ticks

	for el := s.delta.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*deltaEntry)

		if remaining < entry.delta {
			entry.delta -= remaining
			s.delta.InsertBefore(&deltaEntry{task: t, delta: remaining}, el)

			return
		}

		remaining -= entry.delta
	}

	s.delta.PushBack(&deltaEntry{task: t, delta: remaining})
}

// tickDeltaQueue decrements the head of the delta queue by one tick and wakes every task whose
// accumulated delta reaches zero, per §4.G's sleep contract.
func (s *Scheduler) tickDeltaQueue() {
	s.mu.Lock()

	front := s.delta.Front()
	if front == nil {
		s.mu.Unlock()
		return
	}

	entry := front.Value.(*deltaEntry)
	entry.delta--

	var woken []*task.Task

	for entry.delta == 0 {
		s.delta.Remove(front)
		woken = append(woken, entry.task)

		front = s.delta.Front()
		if front == nil {
			break
		}

		entry = front.Value.(*deltaEntry)
	}

	s.mu.Unlock()

	for _, t := range woken {
		s.Wake(t)
	}
}

// Wake implements §4.G's wake: sets the task running and pushes it to its priority's run queue.
func (s *Scheduler) Wake(t *task.Task) {
	if t.State() == task.StateTerminated {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t.SetState(task.StateRunning)
	s.enqueueLocked(t)
}

// Pause implements §4.G's pause: sets the task uninterruptible and removes it from any run queue.
func (s *Scheduler) Pause(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.SetState(task.StateUninterruptible)
	s.removeLocked(t)
}

// Terminate implements §4.G's terminate: removes the task from its run queue and delta queue,
// destroys the chunks it owns, drops its address space, releases its PID, and unparents its
// children. The owning task/PID registries are supplied by the caller (internal/boot) since the
// scheduler itself does not own PID allocation.
func (s *Scheduler) Terminate(t *task.Task) {
	s.mu.Lock()
	t.SetState(task.StateTerminated)
	s.removeLocked(t)

	if s.current == t {
		s.current = nil
	}

	for el := s.delta.Front(); el != nil; {
		next := el.Next()

		if el.Value.(*deltaEntry).task == t {
			s.delta.Remove(el)
		}

		el = next
	}
	s.mu.Unlock()

	t.Stack.Destroy()

	if s.reaper != nil {
		s.reaper.Release(t)
	}

	t.Reparent(t.Parent)
}
