package syscall

import (
	"github.com/mseaver/pikernel/internal/ipc"
	"github.com/mseaver/pikernel/internal/task"
)

// Owner adapts a task.Task to wm.Owner: posting a window message enqueues it on the task's own
// message queue (the same queue poll_message/wait_message read from), and window-handle bookkeeping
// is delegated straight to the task. This lives in internal/syscall rather than internal/task or
// internal/wm because internal/ipc already imports internal/task (for its WaitList), and
// internal/wm must not import internal/task either, to stay usable from a test harness with no
// task model at all — internal/syscall is the leaf consumer that can see all three.
type Owner struct {
	Task  *task.Task
	Queue *ipc.Queue
}

// NewOwner wraps t with a fresh message queue of the default capacity, ready to back a
// window_create call and the same task's wait_message/poll_message syscalls.
func NewOwner(t *task.Task, waker ipc.Waker) *Owner {
	return &Owner{Task: t, Queue: ipc.NewQueue(ipc.DefaultQueueCapacity, waker)}
}

// PostMessage enqueues msg on the owning task's message queue. A full queue silently drops the
// message: §4.I leaves queue-overflow policy to the caller, and there is no sensible blocking
// point from inside the compositor's own critical section.
func (o *Owner) PostMessage(msg ipc.Message) {
	_ = o.Queue.Enqueue(msg)
}

// AddWindow records a window handle as belonging to the task, for window_destroy-on-exit cleanup.
func (o *Owner) AddWindow(handle uint32) {
	o.Task.Windows = append(o.Task.Windows, handle)
}

// RemoveWindow drops a window handle from the task's owned set.
func (o *Owner) RemoveWindow(handle uint32) {
	for i, h := range o.Task.Windows {
		if h == handle {
			o.Task.Windows = append(o.Task.Windows[:i], o.Task.Windows[i+1:]...)
			return
		}
	}
}
