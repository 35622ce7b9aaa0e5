// Package input implements keyboard and mouse routing (§4.J): modifier-key tracking, key-event
// encoding, and handing the resulting events to the window manager, which stamps them with a
// delivery timestamp and posts them to the focused window (§4.J: "Clock timestamps are attached
// by the window manager on delivery").
package input

// Modifier flags, packed into bits 20-25 of a key event per §6.
type Modifier uint32

const (
	ModCtrl Modifier = 1 << iota
	ModShift
	ModAlt
	ModNum
	ModCaps
	ModScroll
)

const (
	keyEventModifierShift = 20
	keyEventPressBit      = 1 << 30
	keyEventReleaseBit    = 1 << 31
	keycodeMask           = 0xffff
)

// EncodeKeyEvent packs a keycode, the current modifier set, and a press/release flag into the
// 64-bit key-event word of §6.
func EncodeKeyEvent(keycode uint16, mods Modifier, pressed bool) uint64 {
	event := uint64(keycode&keycodeMask) | uint64(mods)<<keyEventModifierShift

	if pressed {
		event |= keyEventPressBit
	} else {
		event |= keyEventReleaseBit
	}

	return event
}

// Router is the window manager's input surface: keyboard and mouse events are handed to it
// untimestamped, and it attaches a delivery timestamp when posting to the focused window.
type Router interface {
	RouteKeyEvent(event uint64, pressed bool)
	RouteMouseMove(dx, dy int32)
	RouteMouseClick(button MouseButton, pressed bool)
}

// Keyboard tracks modifier and toggle state across scancodes and hands key events to a Router.
type Keyboard struct {
	ctrl, shift, alt, gui int // left+right combined counters

	capsLock, numLock, scrollLock bool

	router Router
}

// NewKeyboard creates a keyboard router that delivers to router.
func NewKeyboard(router Router) *Keyboard {
	return &Keyboard{router: router}
}

// Modifier keycodes the scancode stream may deliver; left/right variants both affect the same
// combined counter (§4.J: "with left+right combining").
const (
	KeyLeftCtrl uint16 = iota + 0xe0
	KeyRightCtrl
	KeyLeftShift
	KeyRightShift
	KeyLeftAlt
	KeyRightAlt
	KeyLeftGUI
	KeyRightGUI
	KeyCapsLock
	KeyNumLock
	KeyScrollLock
)

// HandleScancode processes one raw scancode and press/release flag, updating modifier/toggle
// state, then hands the corresponding key event to the router.
func (k *Keyboard) HandleScancode(keycode uint16, pressed bool) {
	k.updateModifiers(keycode, pressed)

	event := EncodeKeyEvent(keycode, k.currentModifiers(), pressed)

	k.router.RouteKeyEvent(event, pressed)
}

func (k *Keyboard) updateModifiers(keycode uint16, pressed bool) {
	delta := 1
	if !pressed {
		delta = -1
	}

	switch keycode {
	case KeyLeftCtrl, KeyRightCtrl:
		k.ctrl = clampNonNegative(k.ctrl + delta)
	case KeyLeftShift, KeyRightShift:
		k.shift = clampNonNegative(k.shift + delta)
	case KeyLeftAlt, KeyRightAlt:
		k.alt = clampNonNegative(k.alt + delta)
	case KeyLeftGUI, KeyRightGUI:
		k.gui = clampNonNegative(k.gui + delta)
	case KeyCapsLock:
		if pressed {
			k.capsLock = !k.capsLock
		}
	case KeyNumLock:
		if pressed {
			k.numLock = !k.numLock
		}
	case KeyScrollLock:
		if pressed {
			k.scrollLock = !k.scrollLock
		}
	}
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}

	return n
}

func (k *Keyboard) currentModifiers() Modifier {
	var m Modifier

	if k.ctrl > 0 {
		m |= ModCtrl
	}

	if k.shift > 0 {
		m |= ModShift
	}

	if k.alt > 0 {
		m |= ModAlt
	}

	if k.numLock {
		m |= ModNum
	}

	if k.capsLock {
		m |= ModCaps
	}

	if k.scrollLock {
		m |= ModScroll
	}

	return m
}

// MouseButton identifies which button a click event concerns.
type MouseButton uint8

const (
	MouseLeft MouseButton = iota
	MouseRight
	MouseMiddle
)

// Mouse routes relative-motion and button events to a Router (§4.J).
type Mouse struct {
	router Router
}

// NewMouse creates a mouse router that delivers to router.
func NewMouse(router Router) *Mouse {
	return &Mouse{router: router}
}

// HandleMotion hands a signed (dx, dy) relative motion to the router.
func (m *Mouse) HandleMotion(dx, dy int32) {
	m.router.RouteMouseMove(dx, dy)
}

// HandleButton hands a button press/release to the router.
func (m *Mouse) HandleButton(button MouseButton, pressed bool) {
	m.router.RouteMouseClick(button, pressed)
}
