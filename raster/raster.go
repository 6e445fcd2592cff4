// Package raster accumulates anti-aliased dots into intensity buffers.
package raster

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
)

// CoreFraction is the share of the radius drawn at full brightness.
const CoreFraction = 0.8

// Canvas is a single-channel intensity buffer with values in [0, 1].
type Canvas struct {
	Width  int
	Height int
	Pix    []float64 // row-major, len Width*Height
}

// NewCanvas returns a black canvas.
func NewCanvas(width, height int) *Canvas {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Canvas{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
	}
}

// At returns the intensity at (x, y), or 0 outside the canvas.
func (c *Canvas) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= c.Width || y >= c.Height {
		return 0
	}
	return c.Pix[y*c.Width+x]
}

// Max returns the brightest value on the canvas.
func (c *Canvas) Max() float64 {
	m := 0.0
	for _, v := range c.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// DrawDot composites one disk centered at (cx, cy): full brightness within
// CoreFraction*radius, a raised-cosine edge out to radius. Pixels keep the
// max of old and new values so overlapping dots never exceed 1. Parts of the
// dot outside the canvas are clipped.
func (c *Canvas) DrawDot(cx, cy, radius float64) {
	if !(radius > 0) || math.IsNaN(cx) || math.IsNaN(cy) || math.IsInf(cx, 0) || math.IsInf(cy, 0) {
		return
	}

	x0 := max(int(math.Floor(cx-radius-1)), 0)
	y0 := max(int(math.Floor(cy-radius-1)), 0)
	x1 := min(int(math.Ceil(cx+radius+1)), c.Width-1)
	y1 := min(int(math.Ceil(cy+radius+1)), c.Height-1)

	core := radius * CoreFraction
	edge := radius - core

	for iy := y0; iy <= y1; iy++ {
		row := c.Pix[iy*c.Width : (iy+1)*c.Width]
		for ix := x0; ix <= x1; ix++ {
			dist := math.Hypot(float64(ix)-cx, float64(iy)-cy)
			if dist >= radius {
				continue
			}
			b := 1.0
			if dist >= core {
				t := (dist - core) / edge
				b = 0.5 * (1 + math.Cos(math.Pi*t))
			}
			if b > row[ix] {
				row[ix] = b
			}
		}
	}
}

// Gray converts the canvas to 8 bits by scaling by 255 and truncating.
func (c *Canvas) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, c.Width, c.Height))
	for i, v := range c.Pix {
		img.Pix[i] = toByte(v)
	}
	return img
}

// FromGray rebuilds a canvas from an 8-bit image, mapping 255 to 1.
func FromGray(img *image.Gray) *Canvas {
	b := img.Bounds()
	c := NewCanvas(b.Dx(), b.Dy())
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			c.Pix[y*c.Width+x] = float64(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255
		}
	}
	return c
}

func toByte(v float64) uint8 {
	s := v * 255
	switch {
	case !(s > 0):
		return 0
	case s >= 255:
		return 255
	}
	return uint8(s)
}

// EncodePNG writes img as an 8-bit grayscale PNG.
func EncodePNG(w io.Writer, img *image.Gray) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// WritePNG writes img to path.
func WritePNG(path string, img *image.Gray) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodePNG(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// ReadPNG decodes a single-channel PNG. Other color models are rejected.
func ReadPNG(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("%s: not a single-channel image (%T)", path, img)
	}
	return gray, nil
}
