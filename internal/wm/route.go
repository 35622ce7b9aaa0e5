package wm

import (
	"github.com/mseaver/pikernel/internal/input"
	"github.com/mseaver/pikernel/internal/ipc"
)

// RouteKeyEvent implements input.Router: keyboard events are delivered to the focused window only
// (§4.J/§4.K), timestamped on delivery.
func (m *Manager) RouteKeyEvent(event uint64, pressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.focused == nil {
		return
	}

	id := ipc.MsgKeyUp
	if pressed {
		id = ipc.MsgKeyDown
	}

	m.postLocked(m.focused, id, event, 0)
}

// RouteMouseMove implements input.Router: motion is delivered to the focused window as a relative
// delta.
func (m *Manager) RouteMouseMove(dx, dy int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.focused == nil {
		return
	}

	m.postLocked(m.focused, ipc.MsgMouseMove, uint64(uint32(dx)), uint64(uint32(dy)))
}

// RouteMouseClick implements input.Router: the click is delivered to the focused window. The
// compositor does not track absolute pointer position and does not change focus here;
// hit-testing against pointer coordinates is left to the caller, which may call SetFocus
// before this call.
func (m *Manager) RouteMouseClick(button input.MouseButton, pressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.focused == nil {
		return
	}

	id := ipc.MsgMouseClick

	m.postLocked(m.focused, id, uint64(button), boolToU64(pressed))
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}
