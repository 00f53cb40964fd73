package render

import "fmt"

// Panel geometry (13.3" B, tri-color).
const (
	PanelWidth  = 960
	PanelHeight = 680
	ByteStride  = PanelWidth / 8 // 120 bytes per row
	PlaneSize   = ByteStride * PanelHeight
)

// BitPlane is one 1bpp color layer, packed y-major, MSB-first:
//
//	byteIndex = y*Stride + (x >> 3)
//	mask      = 0x80 >> (x & 7)
//
// Bit value 1 is white (no ink), 0 is ink, matching what the panel
// controller expects for the black channel (the driver inverts the red
// channel on transfer).
type BitPlane struct {
	Width  int
	Height int
	Stride int
	Bits   []byte
}

// NewBitPlane returns an all-white plane.
func NewBitPlane(width, height int) *BitPlane {
	stride := (width + 7) / 8
	bits := make([]byte, stride*height)
	for i := range bits {
		bits[i] = 0xFF
	}
	return &BitPlane{Width: width, Height: height, Stride: stride, Bits: bits}
}

// SetInk marks the pixel as inked. Out-of-bounds coordinates are ignored.
func (p *BitPlane) SetInk(x, y int) {
	if x < 0 || y < 0 || x >= p.Width || y >= p.Height {
		return
	}
	p.Bits[y*p.Stride+(x>>3)] &^= 0x80 >> (x & 7)
}

// Ink reports whether the pixel is inked.
func (p *BitPlane) Ink(x, y int) bool {
	if x < 0 || y < 0 || x >= p.Width || y >= p.Height {
		return false
	}
	return p.Bits[y*p.Stride+(x>>3)]&(0x80>>(x&7)) == 0
}

// InkCount returns the number of inked pixels, mostly for logging.
func (p *BitPlane) InkCount() int {
	n := 0
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			if p.Ink(x, y) {
				n++
			}
		}
	}
	return n
}

// Validate checks the plane against the expected panel geometry.
func (p *BitPlane) Validate(width, height int) error {
	if p.Width != width || p.Height != height || len(p.Bits) != p.Stride*p.Height {
		return fmt.Errorf("render: plane %dx%d does not match panel %dx%d", p.Width, p.Height, width, height)
	}
	return nil
}
