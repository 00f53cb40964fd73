// Package render turns a selected quote into the two 1bpp planes the
// panel consumes. Layout, top to bottom: the display-time heading, the
// word-wrapped quote body, then an optional attribution line. Color
// policy is fixed: the heading and attribution carry red ink, the quote
// body black ink, and black wins wherever the two would overlap.
package render

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/terribilis/litclock2/internal/config"
	"github.com/terribilis/litclock2/internal/quotes"
)

// ErrOverflow indicates the configured font/margins leave no usable rows
// on the panel. This is a configuration bug; ordinary long quotes are
// truncated, not rejected.
var ErrOverflow = errors.New("render: no usable rows on panel after margins")

// truncationMarker is appended to the last visible body line when the
// quote does not fit the panel.
const truncationMarker = " […]"

// Fixed margins, matching the original layout.
const (
	marginX   = 60
	marginTop = 40
	gapTime   = 60 // heading to quote body
	gapSource = 40 // quote body to attribution
)

// Result carries the two planes plus layout facts the caller may log.
type Result struct {
	Black     *BitPlane
	Red       *BitPlane
	Truncated bool
	Lines     int
}

// Compositor renders quotes at a fixed panel size. Faces are cached per
// point size; the zero value is not usable, call New.
type Compositor struct {
	width  int
	height int

	regular *opentype.Font
	bold    *opentype.Font
	italic  *opentype.Font

	mu    sync.Mutex
	faces map[faceKey]font.Face
}

type faceKey struct {
	size  int
	style fontStyle
}

type fontStyle int

const (
	styleRegular fontStyle = iota
	styleBold
	styleItalic
)

// New creates a Compositor for the given panel size using the embedded
// Go font family (regular body, bold heading, italic attribution).
func New(width, height int) (*Compositor, error) {
	reg, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("render: parse regular font: %w", err)
	}
	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("render: parse bold font: %w", err)
	}
	italic, err := opentype.Parse(goitalic.TTF)
	if err != nil {
		return nil, fmt.Errorf("render: parse italic font: %w", err)
	}
	return &Compositor{
		width:   width,
		height:  height,
		regular: reg,
		bold:    bold,
		italic:  italic,
		faces:   make(map[faceKey]font.Face),
	}, nil
}

func (c *Compositor) face(size int, style fontStyle) (font.Face, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := faceKey{size: size, style: style}
	if f, ok := c.faces[key]; ok {
		return f, nil
	}

	var src *opentype.Font
	switch style {
	case styleBold:
		src = c.bold
	case styleItalic:
		src = c.italic
	default:
		src = c.regular
	}
	f, err := opentype.NewFace(src, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("render: face size %d: %w", size, err)
	}
	c.faces[key] = f
	return f, nil
}

// Render lays out the entry under the given config and packs both
// planes. Identical (entry, cfg) inputs produce bit-identical output.
func (c *Compositor) Render(entry quotes.Entry, cfg *config.Config) (*Result, error) {
	bodySize := cfg.FontSize
	timeFace, err := c.face(bodySize*2, styleBold)
	if err != nil {
		return nil, err
	}
	bodyFace, err := c.face(bodySize, styleRegular)
	if err != nil {
		return nil, err
	}
	sourceFace, err := c.face(bodySize*8/10, styleItalic)
	if err != nil {
		return nil, err
	}

	usableWidth := c.width - 2*marginX
	if usableWidth <= 0 {
		return nil, ErrOverflow
	}

	timeHeight := timeFace.Metrics().Height.Ceil()
	bodyHeight := bodyFace.Metrics().Height.Ceil()
	sourceHeight := sourceFace.Metrics().Height.Ceil()

	// Rows left for the quote body after the heading and, when shown,
	// the attribution line.
	bodyTop := marginTop + timeHeight + gapTime
	bodyBottom := c.height - marginTop
	if cfg.ShowBookInfo && sourceLine(entry, cfg) != "" {
		bodyBottom -= gapSource + sourceHeight
	}
	maxLines := (bodyBottom - bodyTop) / bodyHeight
	if maxLines <= 0 {
		return nil, ErrOverflow
	}

	lines, truncated := wrapText(entry.Quote, bodyFace, fixed.I(usableWidth), maxLines)

	// Draw onto grayscale canvases first; the brightness-derived
	// threshold then decides which anti-aliased coverage becomes ink.
	blackCanvas := newWhiteCanvas(c.width, c.height)
	redCanvas := newWhiteCanvas(c.width, c.height)

	// Heading: display-time phrase, centered, red.
	heading := entry.DisplayTime
	headingWidth := font.MeasureString(timeFace, heading).Ceil()
	drawString(redCanvas, timeFace, heading,
		(c.width-headingWidth)/2, marginTop+timeFace.Metrics().Ascent.Ceil())

	// Body: wrapped quote, black.
	y := bodyTop + bodyFace.Metrics().Ascent.Ceil()
	for _, line := range lines {
		drawString(blackCanvas, bodyFace, line, marginX, y)
		y += bodyHeight
	}

	// Attribution: right-aligned, red.
	if src := sourceLine(entry, cfg); cfg.ShowBookInfo && src != "" {
		srcWidth := font.MeasureString(sourceFace, src).Ceil()
		x := c.width - marginX - srcWidth
		if x < marginX {
			x = marginX
		}
		baseline := bodyTop + len(lines)*bodyHeight + gapSource + sourceFace.Metrics().Ascent.Ceil()
		drawString(redCanvas, sourceFace, src, x, baseline)
	}

	cut := inkThreshold(cfg.DisplayBrightness)
	black := packCanvas(blackCanvas, cut)
	red := packCanvas(redCanvas, cut)

	// Per-pixel exclusivity: black wins, red ink is cleared underneath.
	for i := range red.Bits {
		red.Bits[i] |= ^black.Bits[i]
	}

	return &Result{Black: black, Red: red, Truncated: truncated, Lines: len(lines)}, nil
}

func sourceLine(entry quotes.Entry, cfg *config.Config) string {
	if entry.Book == "" && entry.Author == "" {
		return ""
	}
	src := entry.Book
	if cfg.ShowAuthor && entry.Author != "" {
		if src != "" {
			src += " — " + entry.Author
		} else {
			src = entry.Author
		}
	}
	return src
}

// wrapText breaks text into at most maxLines lines fitting maxWidth.
// When the text does not fit, the last line is shortened until the
// truncation marker fits and the marker is appended.
func wrapText(text string, face font.Face, maxWidth fixed.Int26_6, maxLines int) (lines []string, truncated bool) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}, false
	}

	cur := ""
	flush := func() {
		if cur != "" {
			lines = append(lines, cur)
			cur = ""
		}
	}
	for _, w := range words {
		candidate := w
		if cur != "" {
			candidate = cur + " " + w
		}
		if font.MeasureString(face, candidate) <= maxWidth || cur == "" {
			cur = candidate
			continue
		}
		flush()
		if len(lines) == maxLines {
			truncated = true
			break
		}
		cur = w
	}
	if !truncated {
		flush()
		if len(lines) > maxLines {
			lines = lines[:maxLines]
			truncated = true
		}
	}

	if truncated {
		last := lines[len(lines)-1]
		for last != "" && font.MeasureString(face, last+truncationMarker) > maxWidth {
			// Trim whole runes so multibyte text never leaves a torn tail.
			_, size := utf8.DecodeLastRuneInString(last)
			last = strings.TrimRight(last[:len(last)-size], " ")
		}
		lines[len(lines)-1] = last + truncationMarker
	}
	return lines, truncated
}

func newWhiteCanvas(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	return img
}

func drawString(dst *image.Gray, face font.Face, s string, x, baselineY int) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: face,
		Dot:  fixed.P(x, baselineY),
	}
	d.DrawString(s)
}

// inkThreshold maps display_brightness (0-100) to a grayscale cutoff.
// The panel is bistable, so brightness is a contrast hint: higher values
// admit more anti-aliased edge coverage as ink, giving heavier glyphs.
func inkThreshold(brightness int) uint8 {
	if brightness < 0 {
		brightness = 0
	}
	if brightness > 100 {
		brightness = 100
	}
	return uint8(32 + brightness*128/100)
}

func packCanvas(img *image.Gray, cut uint8) *BitPlane {
	b := img.Bounds()
	plane := NewBitPlane(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := y * img.Stride
		for x := 0; x < b.Dx(); x++ {
			if img.Pix[row+x] < cut {
				plane.SetInk(x, y)
			}
		}
	}
	return plane
}
