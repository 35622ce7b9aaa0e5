package ipc

import (
	"sync"

	"github.com/mseaver/pikernel/internal/task"
)

// DefaultPipeCapacity is the default byte capacity for a Pipe absent an explicit request.
const DefaultPipeCapacity = 4096

// Pipe is a circular byte buffer with fixed capacity, independent reader and writer wait lists,
// and closure semantics that wake every parked task on both sides (§4.I).
type Pipe struct {
	mu       sync.Mutex
	buf      []byte
	readIdx  int
	writeIdx int
	size     int
	closed   bool

	readers *WaitList
	writers *WaitList
}

// NewPipe creates a pipe of the given byte capacity (DefaultPipeCapacity if cap<=0).
func NewPipe(capacity int, waker Waker) *Pipe {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}

	return &Pipe{
		buf:     make([]byte, capacity),
		readers: NewWaitList(waker),
		writers: NewWaitList(waker),
	}
}

// WaitRead reports whether a read can proceed immediately (size>0, or the pipe is closed so the
// caller should observe EOF rather than block); otherwise it parks t on the readers wait list.
func (p *Pipe) WaitRead(t *task.Task) (canProceed bool) {
	p.mu.Lock()
	ready := p.size > 0 || p.closed
	p.mu.Unlock()

	if ready {
		return true
	}

	p.readers.Add(t)

	return false
}

// WaitWrite is WaitRead's symmetric counterpart for free space.
func (p *Pipe) WaitWrite(t *task.Task) (canProceed bool) {
	p.mu.Lock()
	ready := p.size < len(p.buf) || p.closed
	p.mu.Unlock()

	if ready {
		return true
	}

	p.writers.Add(t)

	return false
}

// Read copies up to len(dst) bytes out of the pipe, honoring wrap-around in at most two spans,
// updates the read index, and wakes the writers side. Returns the number of bytes read, which may
// be less than len(dst) (including zero, on a closed empty pipe).
func (p *Pipe) Read(dst []byte) int {
	p.mu.Lock()

	n := len(dst)
	if n > p.size {
		n = p.size
	}

	readTwoSpans(p.buf, p.readIdx, dst[:n])

	p.readIdx = (p.readIdx + n) % len(p.buf)
	p.size -= n

	p.mu.Unlock()

	if n > 0 {
		p.writers.WakeAll()
	}

	return n
}

// Write copies up to len(src) bytes into the pipe, honoring wrap-around, updates the write index,
// and wakes the readers side. Returns the number of bytes written, which may be less than
// len(src) if the pipe does not have enough free space.
func (p *Pipe) Write(src []byte) int {
	p.mu.Lock()

	free := len(p.buf) - p.size

	n := len(src)
	if n > free {
		n = free
	}

	writeTwoSpans(p.buf, p.writeIdx, src[:n])

	p.writeIdx = (p.writeIdx + n) % len(p.buf)
	p.size += n

	p.mu.Unlock()

	if n > 0 {
		p.readers.WakeAll()
	}

	return n
}

// Close empties the buffer and wakes every parked task on both sides so they observe closure
// rather than deadlock (§4.I).
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.size = 0
	p.readIdx = 0
	p.writeIdx = 0
	p.mu.Unlock()

	p.readers.WakeAll()
	p.writers.WakeAll()
}

// Closed reports whether the pipe has been closed.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func readTwoSpans(buf []byte, start int, dst []byte) {
	first := len(buf) - start
	if first > len(dst) {
		first = len(dst)
	}

	copy(dst[:first], buf[start:start+first])
	copy(dst[first:], buf[:len(dst)-first])
}

func writeTwoSpans(buf []byte, start int, src []byte) {
	first := len(buf) - start
	if first > len(src) {
		first = len(src)
	}

	copy(buf[start:start+first], src[:first])
	copy(buf[:len(src)-first], src[first:])
}
