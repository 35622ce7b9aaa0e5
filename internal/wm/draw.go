package wm

// draw.go implements the gfx_draw_line/draw_rect/fill_rect/draw_text syscalls (§6, ids 19-22): the
// drawing primitives a window paints its own surface with. Ported from the excluded painter's
// Bresenham line algorithm, rectangle-as-four-lines, and clipped fill loop; draw_text has no font
// rasterizer behind it here (PKFont is one of §1's deliberately excluded collaborators), so it
// draws a fixed-advance outlined cell per character instead of real glyphs.

const (
	glyphWidth   = 6
	glyphHeight  = 10
	glyphAdvance = glyphWidth + 2
	glyphLineGap = glyphHeight + 2
)

func (s *Surface) setPixel(x, y int, color uint32) {
	if x < 0 || x >= s.Width || y < 0 || y >= s.Height {
		return
	}

	s.Pixels[y*s.Pitch+x] = color
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}

	return x
}

// DrawLine draws a Bresenham line from (x0,y0) to (x1,y1), matching the original painter's
// x-major/y-major split with endpoint swap so the scan always runs in increasing order.
func (s *Surface) DrawLine(x0, y0, x1, y1 int, color uint32) {
	dx := x1 - x0
	dy := y1 - y0

	if dx == 0 && dy == 0 {
		s.setPixel(x0, y0, color)
		return
	}

	if absInt(dx) > absInt(dy) {
		if x0 > x1 {
			x0, x1 = x1, x0
			y0, y1 = y1, y0
		}

		for x := x0; x <= x1; x++ {
			y := dy*(x-x0)/dx + y0
			s.setPixel(x, y, color)
		}

		return
	}

	if y0 > y1 {
		x0, x1 = x1, x0
		y0, y1 = y1, y0
	}

	for y := y0; y <= y1; y++ {
		x := dx*(y-y0)/dy + x0
		s.setPixel(x, y, color)
	}
}

// DrawRect outlines a rectangle as four lines, the same decomposition the original painter uses.
func (s *Surface) DrawRect(x, y, w, h int, color uint32) {
	s.DrawLine(x, y, x+w-1, y, color)
	s.DrawLine(x, y+h-1, x+w-1, y+h-1, color)
	s.DrawLine(x, y, x, y+h-1, color)
	s.DrawLine(x+w-1, y, x+w-1, y+h-1, color)
}

// FillRect paints a solid rectangle, clipped to the surface bounds (the original's m_clipping
// region is a per-painter whole-screen clip; here that degenerates to the surface's own extent
// since each window surface is its own canvas).
func (s *Surface) FillRect(x, y, w, h int, color uint32) {
	for j := y; j < y+h; j++ {
		for i := x; i < x+w; i++ {
			s.setPixel(i, j, color)
		}
	}
}

// DrawText paints one outlined cell per printable character at a fixed advance, wrapping to a new
// line on '\n'. There is no glyph rasterizer behind this surface (§1 excludes PKFont), so this is
// a placeholder that still gives the syscall genuine, visible pixel effects.
func (s *Surface) DrawText(x, y int, text string, color uint32) {
	curX, curY := x, y

	for _, r := range text {
		switch r {
		case ' ':
			curX += glyphAdvance
			continue
		case '\n':
			curX = x
			curY += glyphLineGap
			continue
		}

		s.DrawRect(curX, curY, glyphWidth, glyphHeight, color)
		curX += glyphAdvance
	}
}
