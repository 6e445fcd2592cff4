package display

import (
	"image"
	"image/color"
	"math"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// buffers holds the per-eye back buffers and the drawing primitives every
// mode shares. Modes differ only in how Present composes frames.
type buffers struct {
	mu     sync.Mutex
	cfg    Config
	fg     color.Gray
	scaler draw.Scaler
	sink   Sink

	left, right *image.Gray
	seq         int
	closed      bool
}

func (b *buffers) reset() {
	r := image.Rect(0, 0, b.cfg.Geometry.Width, b.cfg.Geometry.Height)
	b.left = image.NewGray(r)
	b.right = image.NewGray(r)
}

func (b *buffers) eyes() [2]*image.Gray { return [2]*image.Gray{b.left, b.right} }

// center is the canvas midpoint in pixels.
func (b *buffers) center() (float64, float64) {
	return float64(b.cfg.Geometry.Width) / 2, float64(b.cfg.Geometry.Height) / 2
}

func (b *buffers) DrawFixation(sizeDegrees float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if sizeDegrees <= 0 {
		sizeDegrees = b.cfg.FixationDegrees
	}
	half := sizeDegrees * b.cfg.Geometry.PixelsPerDegree() / 2
	cx, cy := b.center()
	for _, img := range b.eyes() {
		b.line(img, cx-half, cy, cx+half, cy, b.cfg.LineWidth)
		b.line(img, cx, cy-half, cx, cy+half, b.cfg.LineWidth)
	}
	return nil
}

func (b *buffers) DrawStimulus(s Stimulus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for i, src := range [2]image.Image{s.Left, s.Right} {
		if src == nil {
			continue
		}
		dst := b.eyes()[i]
		w, h := float64(src.Bounds().Dx()), float64(src.Bounds().Dy())
		if s.SizeDegrees[0] > 0 && s.SizeDegrees[1] > 0 {
			ppd := b.cfg.Geometry.PixelsPerDegree()
			w, h = s.SizeDegrees[0]*ppd, s.SizeDegrees[1]*ppd
		}
		cx, cy := b.center()
		r := image.Rect(
			int(math.Round(cx-w/2)), int(math.Round(cy-h/2)),
			int(math.Round(cx+w/2)), int(math.Round(cy+h/2)),
		)
		b.scaler.Scale(dst, r, src, src.Bounds(), draw.Src, nil)
	}
	return nil
}

func (b *buffers) DrawProbe(p *OutlineProbe) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	pts, err := p.Points(b.cfg.Geometry)
	if err != nil {
		return err
	}
	width := p.LineWidth
	if width <= 0 {
		width = b.cfg.LineWidth
	}
	cx, cy := b.center()
	for _, img := range b.eyes() {
		for i := 1; i < len(pts); i++ {
			// Probe coordinates are y-up.
			b.line(img, cx+pts[i-1].X, cy-pts[i-1].Y, cx+pts[i].X, cy-pts[i].Y, width)
		}
	}
	return nil
}

func (b *buffers) DrawText(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	block := renderText(text, b.fg)
	if block == nil {
		return nil
	}
	scale := b.cfg.TextScale
	w, h := block.Bounds().Dx()*scale, block.Bounds().Dy()*scale
	cx, cy := b.center()
	x0, y0 := int(cx)-w/2, int(cy)-h/2
	r := image.Rect(x0, y0, x0+w, y0+h)
	for _, img := range b.eyes() {
		draw.NearestNeighbor.Scale(img, r, block, block.Bounds(), draw.Over, nil)
	}
	return nil
}

// present composes frames, sends them to the sink and clears the buffers.
func (b *buffers) present(compose func(left, right *image.Gray) []Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	frames := compose(b.left, b.right)
	b.reset()
	for _, f := range frames {
		b.seq++
		f.Seq = b.seq
		if err := b.sink.Show(f); err != nil {
			return err
		}
	}
	return nil
}

func (b *buffers) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// line draws a segment of the given width as a filled quad.
func (b *buffers) line(dst *image.Gray, x0, y0, x1, y1, width float64) {
	dx, dy := x1-x0, y1-y0
	length := math.Hypot(dx, dy)
	if length == 0 || width <= 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2

	bounds := dst.Bounds()
	z := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	z.MoveTo(float32(x0+nx), float32(y0+ny))
	z.LineTo(float32(x1+nx), float32(y1+ny))
	z.LineTo(float32(x1-nx), float32(y1-ny))
	z.LineTo(float32(x0-nx), float32(y0-ny))
	z.ClosePath()
	z.Draw(dst, bounds, image.NewUniform(b.fg), image.Point{})
}

// renderText draws text with the 7x13 bitmap face, one centered line per
// newline, onto a transparent block. Empty text yields nil.
func renderText(text string, fg color.Gray) *image.Alpha {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()

	width := 0
	for _, l := range lines {
		width = max(width, font.MeasureString(face, l).Ceil())
	}
	img := image.NewAlpha(image.Rect(0, 0, max(width, 1), lineHeight*len(lines)))
	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.Alpha{A: fg.Y}), Face: face}
	for i, l := range lines {
		x := (width - font.MeasureString(face, l).Ceil()) / 2
		d.Dot = fixed.P(x, i*lineHeight+face.Metrics().Ascent.Ceil())
		d.DrawString(l)
	}
	return img
}
