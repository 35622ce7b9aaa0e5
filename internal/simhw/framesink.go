package simhw

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/mseaver/pikernel/internal/wm"
)

// FrameSink encodes a wm.Framebuffer's pixels to PNG, for inspecting compositor output from a
// test or a development tool without a real display attached. There is no third-party imaging
// library anywhere in the corpus; the only other repo that touches image data (the mazarin build
// tooling) reaches for the standard library's image/png too, so this follows suit rather than
// inventing a dependency the rest of the ecosystem doesn't reach for either.
type FrameSink struct {
	fb *wm.Framebuffer
}

// NewFrameSink wraps a framebuffer for repeated snapshotting.
func NewFrameSink(fb *wm.Framebuffer) *FrameSink {
	return &FrameSink{fb: fb}
}

// WritePNG encodes the framebuffer's current contents as a PNG image to w.
func (s *FrameSink) WritePNG(w io.Writer) error {
	img := image.NewRGBA(image.Rect(0, 0, s.fb.Width, s.fb.Height))

	for y := 0; y < s.fb.Height; y++ {
		for x := 0; x < s.fb.Width; x++ {
			px := s.fb.Pixels[y*s.fb.Pitch+x]
			img.Set(x, y, color.RGBA{
				R: uint8(px >> 16),
				G: uint8(px >> 8),
				B: uint8(px),
				A: 0xff,
			})
		}
	}

	return png.Encode(w, img)
}
