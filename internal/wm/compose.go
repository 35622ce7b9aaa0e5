package wm

import "fmt"

// Compose implements §4.K's depth-tested composition. Windows are painted back to front, but the
// depth test, not the paint order, decides which pixel wins where windows have distinct depths.
// For every visible window, each source pixel overwrites the screen pixel only if the window's
// depth is >= the depth buffer's stored value for that pixel; on success both the screen pixel and
// the depth entry are updated. Differing surface/rect sizes are nearest-neighbor resampled.
func (m *Manager) Compose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.windows) - 1; i >= 0; i-- {
		win := m.windows[i]
		if !win.Visible || win.Surface == nil {
			continue
		}

		m.paintWindowLocked(win)
	}
}

func (m *Manager) paintWindowLocked(win *Window) {
	rect := win.Rect
	surf := win.Surface

	for sy := 0; sy < rect.H; sy++ {
		screenY := rect.Y + sy
		if screenY < 0 || screenY >= m.screen.Height {
			continue
		}

		for sx := 0; sx < rect.W; sx++ {
			screenX := rect.X + sx
			if screenX < 0 || screenX >= m.screen.Width {
				continue
			}

			srcX := sx * surf.Width / rect.W
			srcY := sy * surf.Height / rect.H

			pixel := surf.Pixels[srcY*surf.Pitch+srcX]

			depthIdx := screenY*m.screen.Width + screenX
			if uint8(win.Depth) < m.depth[depthIdx] {
				continue
			}

			m.screen.Pixels[screenY*m.screen.Pitch+screenX] = pixel
			m.depth[depthIdx] = uint8(win.Depth)
		}
	}
}

// Present implements window_present (§6 syscall 18): blits one window's surface to the screen,
// honoring its depth against whatever else already occupies those screen pixels, without
// recomposing every other window the way Compose does.
func (m *Manager) Present(handle uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, ok := m.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, handle)
	}

	if !win.Visible || win.Surface == nil {
		return nil
	}

	m.paintWindowLocked(win)

	return nil
}

// RedrawBackground repaints rect with the given background color, used after a window moves or
// resizes to clear the area it no longer covers (§4.K).
func (m *Manager) RedrawBackground(rect Rect, color uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for y := rect.Y; y < rect.Y+rect.H; y++ {
		if y < 0 || y >= m.screen.Height {
			continue
		}

		for x := rect.X; x < rect.X+rect.W; x++ {
			if x < 0 || x >= m.screen.Width {
				continue
			}

			m.screen.Pixels[y*m.screen.Pitch+x] = color
			m.depth[y*m.screen.Width+x] = 0
		}
	}
}
