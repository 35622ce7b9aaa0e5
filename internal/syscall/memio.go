package syscall

import (
	"encoding/binary"
	"fmt"

	"github.com/mseaver/pikernel/internal/ipc"
	"github.com/mseaver/pikernel/internal/mm"
	"github.com/mseaver/pikernel/internal/task"
)

// maxUserString caps how many bytes readUserString will scan looking for a NUL terminator, so a
// malformed or malicious pointer cannot make the kernel loop forever.
const maxUserString = 4096

// readUserBytes copies n bytes out of t's address space starting at va, walking page boundaries
// through the task's own page-table engine rather than assuming the underlying physical pages are
// contiguous (they need not be: mm.NewChunk allocates them independently).
func readUserBytes(t *task.Task, ram *mm.RAM, va mm.VirtAddr, n int) ([]byte, error) {
	out := make([]byte, n)

	for read := 0; read < n; {
		cur := va + mm.VirtAddr(read)
		pageVA := cur &^ (mm.PageSize - 1)

		pagePA, ok := t.Space.Engine.Translate(pageVA)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBadAddress, cur)
		}

		off := int(cur - pageVA)
		chunk := mm.PageSize - off
		if remain := n - read; chunk > remain {
			chunk = remain
		}

		ram.ReadBytes(pagePA+mm.PhysAddr(off), out[read:read+chunk])
		read += chunk
	}

	return out, nil
}

// writeUserBytes is readUserBytes' inverse: it copies data into t's address space starting at va.
func writeUserBytes(t *task.Task, ram *mm.RAM, va mm.VirtAddr, data []byte) error {
	for written := 0; written < len(data); {
		cur := va + mm.VirtAddr(written)
		pageVA := cur &^ (mm.PageSize - 1)

		pagePA, ok := t.Space.Engine.Translate(pageVA)
		if !ok {
			return fmt.Errorf("%w: %s", ErrBadAddress, cur)
		}

		off := int(cur - pageVA)
		chunk := mm.PageSize - off
		if remain := len(data) - written; chunk > remain {
			chunk = remain
		}

		ram.WriteBytes(pagePA+mm.PhysAddr(off), data[written:written+chunk])
		written += chunk
	}

	return nil
}

// readUserString reads a NUL-terminated string from t's address space, used by print, debug's
// sibling syscalls, spawn's path argument, and window_set_title.
func (e *Environment) readUserString(t *task.Task, va mm.VirtAddr) (string, error) {
	var out []byte

	for i := 0; i < maxUserString; i++ {
		b, err := readUserBytes(t, e.RAM, va+mm.VirtAddr(i), 1)
		if err != nil {
			return "", err
		}

		if b[0] == 0 {
			return string(out), nil
		}

		out = append(out, b[0])
	}

	return string(out), nil
}

// writeUserU64 writes a little-endian 64-bit value to a user "out" pointer, used by
// sched_get_priority and window_get_geometry.
func (e *Environment) writeUserU64(t *task.Task, va mm.VirtAddr, v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	return writeUserBytes(t, e.RAM, va, buf[:])
}

// writeMessage serializes a Message into the ABI's wire layout for poll_message/wait_message: id
// and timestamp as two little-endian uint32s, then Param1 and Param2 as little-endian uint64s.
func (e *Environment) writeMessage(t *task.Task, va mm.VirtAddr, msg ipc.Message) error {
	var buf [24]byte

	binary.LittleEndian.PutUint32(buf[0:4], msg.ID)
	binary.LittleEndian.PutUint32(buf[4:8], msg.Timestamp)
	binary.LittleEndian.PutUint64(buf[8:16], msg.Param1)
	binary.LittleEndian.PutUint64(buf[16:24], msg.Param2)

	return writeUserBytes(t, e.RAM, va, buf[:])
}
