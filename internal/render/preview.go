package render

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// WritePreview flattens the two planes into a PNG approximating what
// the panel will show. Handy for -dump runs and the web preview.
func WritePreview(res *Result, path string) error {
	img := image.NewNRGBA(image.Rect(0, 0, res.Black.Width, res.Black.Height))
	white := color.NRGBA{R: 0xF4, G: 0xF2, B: 0xEA, A: 0xFF} // paper-ish
	blackInk := color.NRGBA{A: 0xFF}
	redInk := color.NRGBA{R: 0xB8, G: 0x1C, B: 0x1C, A: 0xFF}

	for y := 0; y < res.Black.Height; y++ {
		for x := 0; x < res.Black.Width; x++ {
			c := white
			switch {
			case res.Black.Ink(x, y):
				c = blackInk
			case res.Red.Ink(x, y):
				c = redInk
			}
			img.SetNRGBA(x, y, c)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".preview-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
