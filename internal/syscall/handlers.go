package syscall

import (
	"fmt"

	"github.com/mseaver/pikernel/internal/mm"
	"github.com/mseaver/pikernel/internal/task"
	"github.com/mseaver/pikernel/internal/wm"
)

// microsecondsPerTick converts sleep's microsecond argument to scheduler ticks (§4.G: one tick per
// millisecond), rounding up so a sub-tick request still sleeps at least one tick.
const microsecondsPerTick = 1000

func (e *Environment) unknownHandler(t *task.Task, frame *task.SavedState) (uint64, error) {
	e.Log.Debug("syscall: unknown", "pid", t.PID, "id", frame.GPRegs[8])
	return ^uint64(0), task.ErrUnknownSyscall
}

// sysExit implements syscall 0: exit(status).
func (e *Environment) sysExit(t *task.Task, frame *task.SavedState) (uint64, error) {
	t.ExitStatus = int(int32(frame.GPRegs[0]))
	e.Sched.Terminate(t)

	return 0, nil
}

// sysPrint implements syscall 1: print(ptr), a NUL-terminated string written to the kernel log.
func (e *Environment) sysPrint(t *task.Task, frame *task.SavedState) (uint64, error) {
	s, err := e.readUserString(t, mm.VirtAddr(frame.GPRegs[0]))
	if err != nil {
		return ^uint64(0), err
	}

	e.Log.Info("print", "pid", t.PID, "msg", s)

	return 0, nil
}

// sysGetPID implements syscall 2: getpid().
func (e *Environment) sysGetPID(t *task.Task, frame *task.SavedState) (uint64, error) {
	return uint64(t.PID), nil
}

// sysDebug implements syscall 3: debug(x), an opaque diagnostic value surfaced in the kernel log.
func (e *Environment) sysDebug(t *task.Task, frame *task.SavedState) (uint64, error) {
	e.Log.Debug("debug", "pid", t.PID, "x", frame.GPRegs[0])
	return 0, nil
}

// sysSpawn implements syscall 4: spawn(path). The named file is read through the wired FileReader
// (the FAT driver in a real boot, a fake in tests), loaded as an ELF image, and enqueued as a child
// of the caller.
func (e *Environment) sysSpawn(t *task.Task, frame *task.SavedState) (uint64, error) {
	path, err := e.readUserString(t, mm.VirtAddr(frame.GPRegs[0]))
	if err != nil {
		return ^uint64(0), err
	}

	if e.Files == nil {
		return ^uint64(0), ErrNoFilesystem
	}

	image, err := e.Files.ReadFile(path)
	if err != nil {
		return ^uint64(0), fmt.Errorf("%w: %w", ErrNoFilesystem, err)
	}

	child, err := e.Spawn(t, path, image)
	if err != nil {
		return ^uint64(0), err
	}

	return uint64(child.PID), nil
}

// sysSleep implements syscall 5: sleep(microseconds), rounded up to whole scheduler ticks with a
// floor of one tick.
func (e *Environment) sysSleep(t *task.Task, frame *task.SavedState) (uint64, error) {
	us := frame.GPRegs[0]

	ticks := (us + microsecondsPerTick - 1) / microsecondsPerTick
	if ticks == 0 {
		ticks = 1
	}

	e.Sched.Sleep(t, ticks)

	return 0, nil
}

// sysYield implements syscall 6: yield(). The dispatcher calls Schedule() after every syscall
// regardless, so yield's entire effect is giving up its own early-return paths: nothing to do here.
func (e *Environment) sysYield(t *task.Task, frame *task.SavedState) (uint64, error) {
	return 0, nil
}

// sysSchedSetPriority implements syscall 7: sched_set_priority(pid, p).
func (e *Environment) sysSchedSetPriority(t *task.Task, frame *task.SavedState) (uint64, error) {
	pid := uint32(frame.GPRegs[0])
	priority := int(int32(frame.GPRegs[1]))

	target, ok := e.taskByPID(pid)
	if !ok {
		return ^uint64(0), task.ErrNoSuchTask
	}

	if priority < task.MinPriority || priority > task.MaxPriority {
		return ^uint64(0), task.ErrInvalidPriority
	}

	e.Sched.SetPriority(target, priority)

	return 0, nil
}

// sysSchedGetPriority implements syscall 8: sched_get_priority(pid, *out).
func (e *Environment) sysSchedGetPriority(t *task.Task, frame *task.SavedState) (uint64, error) {
	pid := uint32(frame.GPRegs[0])
	outPtr := mm.VirtAddr(frame.GPRegs[1])

	target, ok := e.taskByPID(pid)
	if !ok {
		return ^uint64(0), task.ErrNoSuchTask
	}

	if err := e.writeUserU64(t, outPtr, uint64(target.Priority)); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// sysSbrk implements syscall 9: sbrk(delta), returning the heap's previous end address.
func (e *Environment) sysSbrk(t *task.Task, frame *task.SavedState) (uint64, error) {
	delta := int64(frame.GPRegs[0])

	old, err := t.Space.Heap.ChangeEnd(delta)
	if err != nil {
		return ^uint64(0), err
	}

	return uint64(old), nil
}

// sysPollMessage implements syscall 10: poll_message(*msg), the non-blocking form.
func (e *Environment) sysPollMessage(t *task.Task, frame *task.SavedState) (uint64, error) {
	owner := e.ownerFor(t)

	msg, err := owner.Queue.Dequeue()
	if err != nil {
		return ^uint64(0), err
	}

	if err := e.writeMessage(t, mm.VirtAddr(frame.GPRegs[0]), msg); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// sysWaitMessage implements syscall 11: wait_message(*msg), the blocking form. An empty queue
// parks the task and signals a restart (§4.E, §9): the dispatcher rewinds the PC back onto this
// same SVC so the task re-issues wait_message once woken, rather than this handler itself looping.
func (e *Environment) sysWaitMessage(t *task.Task, frame *task.SavedState) (uint64, error) {
	owner := e.ownerFor(t)

	if !owner.Queue.BlockUntilNotEmpty(t) {
		return 0, task.ErrRestart
	}

	msg, err := owner.Queue.Dequeue()
	if err != nil {
		return ^uint64(0), err
	}

	if err := e.writeMessage(t, mm.VirtAddr(frame.GPRegs[0]), msg); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// sysWindowCreate implements syscall 12: window_create(). It takes no geometry, so every window
// starts at a fixed default size and cascading position, resizable afterward via
// window_set_geometry.
func (e *Environment) sysWindowCreate(t *task.Task, frame *task.SavedState) (uint64, error) {
	owner := e.ownerFor(t)

	win := e.WM.Create(owner, wm.PosDefault, wm.PosDefault, defaultWindowWidth, defaultWindowHeight)

	return uint64(win.Handle), nil
}

// sysWindowDestroy implements syscall 13: window_destroy(w).
func (e *Environment) sysWindowDestroy(t *task.Task, frame *task.SavedState) (uint64, error) {
	if err := e.WM.Destroy(uint32(frame.GPRegs[0])); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// sysWindowSetTitle implements syscall 14: window_set_title(w, ptr).
func (e *Environment) sysWindowSetTitle(t *task.Task, frame *task.SavedState) (uint64, error) {
	handle := uint32(frame.GPRegs[0])

	title, err := e.readUserString(t, mm.VirtAddr(frame.GPRegs[1]))
	if err != nil {
		return ^uint64(0), err
	}

	if err := e.WM.SetTitle(handle, title); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// sysWindowSetVisibility implements syscall 15: window_set_visibility(w, bool).
func (e *Environment) sysWindowSetVisibility(t *task.Task, frame *task.SavedState) (uint64, error) {
	handle := uint32(frame.GPRegs[0])
	visible := frame.GPRegs[1] != 0

	if err := e.WM.SetVisibility(handle, visible); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// sysWindowSetGeometry implements syscall 16: window_set_geometry(w, x, y, w, h).
func (e *Environment) sysWindowSetGeometry(t *task.Task, frame *task.SavedState) (uint64, error) {
	handle := uint32(frame.GPRegs[0])
	x := int(int32(frame.GPRegs[1]))
	y := int(int32(frame.GPRegs[2]))
	w := int(frame.GPRegs[3])
	h := int(frame.GPRegs[4])

	if _, err := e.WM.SetGeometry(handle, x, y, w, h); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// sysWindowGetGeometry implements syscall 17: window_get_geometry(w, *x, *y, *w, *h).
func (e *Environment) sysWindowGetGeometry(t *task.Task, frame *task.SavedState) (uint64, error) {
	handle := uint32(frame.GPRegs[0])

	rect, err := e.WM.Geometry(handle)
	if err != nil {
		return ^uint64(0), err
	}

	outs := [4]struct {
		ptr mm.VirtAddr
		v   uint64
	}{
		{mm.VirtAddr(frame.GPRegs[1]), uint64(int64(rect.X))},
		{mm.VirtAddr(frame.GPRegs[2]), uint64(int64(rect.Y))},
		{mm.VirtAddr(frame.GPRegs[3]), uint64(rect.W)},
		{mm.VirtAddr(frame.GPRegs[4]), uint64(rect.H)},
	}

	for _, out := range outs {
		if err := e.writeUserU64(t, out.ptr, out.v); err != nil {
			return ^uint64(0), err
		}
	}

	return 0, nil
}

// sysWindowPresent implements syscall 18: window_present(w).
func (e *Environment) sysWindowPresent(t *task.Task, frame *task.SavedState) (uint64, error) {
	if err := e.WM.Present(uint32(frame.GPRegs[0])); err != nil {
		return ^uint64(0), err
	}

	return 0, nil
}

// focusedSurface returns the focused window's surface, the implicit target of every gfx_draw_*
// syscall (§6: "Paints the focused window surface").
func (e *Environment) focusedSurface() (*wm.Surface, error) {
	win := e.WM.Focused()
	if win == nil || win.Surface == nil {
		return nil, ErrNoFocusedWindow
	}

	return win.Surface, nil
}

// sysGfxDrawLine implements syscall 19: gfx_draw_line(x0, y0, x1, y1, color).
func (e *Environment) sysGfxDrawLine(t *task.Task, frame *task.SavedState) (uint64, error) {
	surf, err := e.focusedSurface()
	if err != nil {
		return ^uint64(0), err
	}

	surf.DrawLine(
		int(int32(frame.GPRegs[0])), int(int32(frame.GPRegs[1])),
		int(int32(frame.GPRegs[2])), int(int32(frame.GPRegs[3])),
		uint32(frame.GPRegs[4]),
	)

	return 0, nil
}

// sysGfxDrawRect implements syscall 20: gfx_draw_rect(x, y, w, h, color).
func (e *Environment) sysGfxDrawRect(t *task.Task, frame *task.SavedState) (uint64, error) {
	surf, err := e.focusedSurface()
	if err != nil {
		return ^uint64(0), err
	}

	surf.DrawRect(
		int(int32(frame.GPRegs[0])), int(int32(frame.GPRegs[1])),
		int(frame.GPRegs[2]), int(frame.GPRegs[3]),
		uint32(frame.GPRegs[4]),
	)

	return 0, nil
}

// sysGfxFillRect implements syscall 21: gfx_fill_rect(x, y, w, h, color).
func (e *Environment) sysGfxFillRect(t *task.Task, frame *task.SavedState) (uint64, error) {
	surf, err := e.focusedSurface()
	if err != nil {
		return ^uint64(0), err
	}

	surf.FillRect(
		int(int32(frame.GPRegs[0])), int(int32(frame.GPRegs[1])),
		int(frame.GPRegs[2]), int(frame.GPRegs[3]),
		uint32(frame.GPRegs[4]),
	)

	return 0, nil
}

// sysGfxDrawText implements syscall 22: gfx_draw_text(x, y, ptr, color).
func (e *Environment) sysGfxDrawText(t *task.Task, frame *task.SavedState) (uint64, error) {
	surf, err := e.focusedSurface()
	if err != nil {
		return ^uint64(0), err
	}

	text, err := e.readUserString(t, mm.VirtAddr(frame.GPRegs[2]))
	if err != nil {
		return ^uint64(0), err
	}

	surf.DrawText(int(int32(frame.GPRegs[0])), int(int32(frame.GPRegs[1])), text, uint32(frame.GPRegs[3]))

	return 0, nil
}
