package task

import "sync"

// PIDAllocator hands out monotonically increasing PIDs and recycles released ones, handing back
// the most recently released PID before growing the counter. Unlike mm.ASIDRegistry it has no
// 255-entry ceiling, since PIDs are a full uint32. Boot allocates the idle task's PID with it and
// the syscall package's spawn handler allocates PIDs for children.
type PIDAllocator struct {
	mu    sync.Mutex
	next  uint32
	freed []uint32
}

// NewPIDAllocator creates an empty allocator. The first PID handed out is 0, conventionally the
// idle task's PID.
func NewPIDAllocator() *PIDAllocator {
	return &PIDAllocator{}
}

// Allocate returns the next unused PID, preferring recycled ones over growing the counter.
func (p *PIDAllocator) Allocate() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freed); n > 0 {
		pid := p.freed[n-1]
		p.freed = p.freed[:n-1]

		return pid
	}

	pid := p.next
	p.next++

	return pid
}

// Release returns a PID to the pool, making it eligible for reuse.
func (p *PIDAllocator) Release(pid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freed = append(p.freed, pid)
}
