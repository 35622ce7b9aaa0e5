// Package wm implements the window manager / compositor of §4.K: framebuffer and depth-buffer
// ownership, window lifecycle, geometry management, depth-tested composition, and focus routing
// of keyboard/mouse input delivered through internal/input.
package wm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mseaver/pikernel/internal/ipc"
)

// Window geometry bounds (§4.K's "clamps size to [MIN_WIDTH, MAX_WIDTH] x [MIN_HEIGHT,
// MAX_HEIGHT]"). The spec leaves the exact bounds to the implementation; these follow the
// framebuffer's own practical range for Raspberry Pi 3/4-class displays.
const (
	MinWidth  = 32
	MaxWidth  = 3840
	MinHeight = 32
	MaxHeight = 2160
)

// Position sentinels for window_create's x/y arguments (§4.K).
const (
	PosDefault  = -1
	PosCentered = -2
)

const maxTitleLen = 255

// Sentinel errors, matching §7's error-kind taxonomy.
var (
	ErrInvalidWindow = errors.New("wm: invalid window handle")
)

// Rect is an axis-aligned rectangle in screen coordinates.
type Rect struct {
	X, Y int
	W, H int
}

// Owner is the minimal task surface the window manager needs: a place to deliver messages and
// record window ownership, independent of the full task.Task type to avoid an import cycle with
// internal/task (which does not itself depend on wm).
type Owner interface {
	PostMessage(msg ipc.Message)
	AddWindow(handle uint32)
	RemoveWindow(handle uint32)
}

// Surface is a window's own RGBA pixel buffer, Pitch counted in pixels (§6's framebuffer format).
type Surface struct {
	Pixels []uint32
	Width  int
	Height int
	Pitch  int
}

// NewSurface allocates a zeroed surface of the given dimensions.
func NewSurface(w, h int) *Surface {
	return &Surface{Pixels: make([]uint32, w*h), Width: w, Height: h, Pitch: w}
}

// messageRing is a small non-blocking FIFO of a window's own posted messages (§3's Window
// message queue). Blocking wait_message semantics belong to the owning task's message queue
// (§4.I), which internal/syscall wires independently; the window's own queue here just
// remembers what was posted to it.
type messageRing struct {
	mu  sync.Mutex
	buf []ipc.Message
}

func (r *messageRing) push(msg ipc.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, msg)

	if len(r.buf) > ipc.DefaultQueueCapacity {
		r.buf = r.buf[len(r.buf)-ipc.DefaultQueueCapacity:]
	}
}

// Drain returns and clears every message posted to the window so far.
func (r *messageRing) Drain() []ipc.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.buf
	r.buf = nil

	return out
}

// Window is one compositor-managed surface (§3).
type Window struct {
	Handle  uint32
	Owner   Owner
	Title   string
	Rect    Rect
	Depth   int
	Surface *Surface
	Queue   *messageRing

	Visible bool
	Focused bool
}

// Framebuffer is the physical screen surface the compositor paints into: 32-bit packed
// 0x00RRGGBB pixels, Pitch counted in pixels and typically equal to Width (§6).
type Framebuffer struct {
	Pixels []uint32
	Width  int
	Height int
	Pitch  int
}

// Manager owns the framebuffer, the depth buffer, the live window list (front-to-back by depth),
// and the focus pointer (§4.K).
type Manager struct {
	mu sync.Mutex

	screen *Framebuffer
	depth  []uint8

	windows   []*Window // ordered front (highest depth) to back
	byHandle  map[uint32]*Window
	nextHandle uint32

	focused *Window

	nowMS func() uint32 // injected clock, since the compositor never calls time.Now directly
}

// New creates a window manager painting into screen, using clock to stamp delivered input
// events (§4.J: "Clock timestamps are attached by the window manager on delivery").
func New(screen *Framebuffer, clock func() uint32) *Manager {
	return &Manager{
		screen:   screen,
		depth:    make([]uint8, screen.Width*screen.Height),
		byHandle: make(map[uint32]*Window),
		nowMS:    clock,
	}
}

// Create implements window_create (§6 syscall 12, §4.K's lifecycle): allocates a window and its
// backing surface, assigns a cascading or requested position, clamps size to the window bounds,
// and inserts it at the front of the depth-ordered list.
func (m *Manager) Create(owner Owner, x, y, w, h int) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	w = clamp(w, MinWidth, MaxWidth)
	h = clamp(h, MinHeight, MaxHeight)

	switch x {
	case PosDefault:
		x = 20 * (len(m.windows) % 10)
	case PosCentered:
		x = (m.screen.Width - w) / 2
	}

	switch y {
	case PosDefault:
		y = 20 * (len(m.windows) % 10)
	case PosCentered:
		y = (m.screen.Height - h) / 2
	}

	m.nextHandle++
	handle := m.nextHandle

	win := &Window{
		Handle:  handle,
		Owner:   owner,
		Rect:    Rect{X: x, Y: y, W: w, H: h},
		Depth:   len(m.windows),
		Surface: NewSurface(w, h),
		Queue:   &messageRing{},
		Visible: true,
	}

	m.windows = append([]*Window{win}, m.windows...) // front of the list: newest on top
	m.byHandle[handle] = win

	owner.AddWindow(handle)

	return win
}

// Destroy implements window_destroy: removes the window from its owner's list, reassigns focus to
// some remaining window, and frees the surface.
func (m *Manager) Destroy(handle uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, ok := m.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, handle)
	}

	delete(m.byHandle, handle)

	for i, w := range m.windows {
		if w == win {
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			break
		}
	}

	win.Owner.RemoveWindow(handle)
	win.Surface = nil

	if m.focused == win {
		m.focused = nil

		if len(m.windows) > 0 {
			m.setFocusLocked(m.windows[0])
		}
	}

	return nil
}

// SetTitle implements window_set_title: copies and caps the title at 255 runes.
func (m *Manager) SetTitle(handle uint32, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, ok := m.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, handle)
	}

	r := []rune(title)
	if len(r) > maxTitleLen {
		r = r[:maxTitleLen]
	}

	win.Title = string(r)

	return nil
}

// SetVisibility implements window_set_visibility.
func (m *Manager) SetVisibility(handle uint32, visible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, ok := m.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, handle)
	}

	id := ipc.MsgHide
	if visible {
		id = ipc.MsgShow
	}

	win.Visible = visible
	m.postLocked(win, id, 0, 0)

	return nil
}

// SetGeometry implements window_set_geometry: clamps size, moves/resizes the window, and posts
// MOVE and/or RESIZE to its owner (§4.K). The caller is responsible for redrawing the background
// uncovered by the old rect via Compose.
func (m *Manager) SetGeometry(handle uint32, x, y, w, h int) (Rect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, ok := m.byHandle[handle]
	if !ok {
		return Rect{}, fmt.Errorf("%w: %d", ErrInvalidWindow, handle)
	}

	w = clamp(w, MinWidth, MaxWidth)
	h = clamp(h, MinHeight, MaxHeight)

	old := win.Rect
	win.Rect = Rect{X: x, Y: y, W: w, H: h}

	if old.W != w || old.H != h {
		win.Surface = NewSurface(w, h)
		m.postLocked(win, ipc.MsgResize, uint64(w), uint64(h))
	}

	if old.X != x || old.Y != y {
		m.postLocked(win, ipc.MsgMove, uint64(x), uint64(y))
	}

	return win.Rect, nil
}

// Geometry implements window_get_geometry.
func (m *Manager) Geometry(handle uint32) (Rect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, ok := m.byHandle[handle]
	if !ok {
		return Rect{}, fmt.Errorf("%w: %d", ErrInvalidWindow, handle)
	}

	return win.Rect, nil
}

// SetFocus implements focus transitions (§4.K): posts FOCUS_OUT to the previously focused window
// and FOCUS_IN to the new one.
func (m *Manager) SetFocus(handle uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, ok := m.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, handle)
	}

	m.setFocusLocked(win)

	return nil
}

func (m *Manager) setFocusLocked(win *Window) {
	if m.focused == win {
		return
	}

	if m.focused != nil {
		m.focused.Focused = false
		m.postLocked(m.focused, ipc.MsgFocusOut, 0, 0)
	}

	m.focused = win

	if win != nil {
		win.Focused = true
		m.postLocked(win, ipc.MsgFocusIn, 0, 0)
	}
}

// Focused returns the currently focused window, or nil.
func (m *Manager) Focused() *Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.focused
}

func (m *Manager) postLocked(win *Window, id uint32, p1, p2 uint64) {
	msg := ipc.Message{ID: id, Timestamp: m.now(), Param1: p1, Param2: p2}

	win.Queue.push(msg)
	win.Owner.PostMessage(msg)
}

func (m *Manager) now() uint32 {
	if m.nowMS == nil {
		return 0
	}

	return m.nowMS()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
