package boot

import (
	"github.com/mseaver/pikernel/internal/mm"
	"github.com/mseaver/pikernel/internal/syscall"
	"github.com/mseaver/pikernel/internal/task"
)

// reaper implements sched.Reaper: when the scheduler marks a task terminated, it releases the
// task's address space (which in turn releases its ASID back to the registry), drops the task's
// syscall-environment bookkeeping (owner queue, PID lookup entry), and returns the task's PID to
// the free pool.
type reaper struct {
	asids *mm.ASIDRegistry
	pids  *task.PIDAllocator
	env   *syscall.Environment
}

// Release tears down everything a terminated task still holds beyond its own run-queue entry.
// The idle task's address space is the kernel's own and must never be destroyed, so it is
// excluded by ASID: the kernel address space always carries ASID 0 (§3).
func (r *reaper) Release(t *task.Task) {
	if t.Space != nil && t.Space.ASID != 0 {
		t.Space.Destroy(r.asids)
	}

	if r.env != nil {
		r.env.Forget(t.PID)
	}

	r.pids.Release(t.PID)
}
