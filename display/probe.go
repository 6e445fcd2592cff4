package display

import (
	"errors"
	"fmt"
	"math"

	"github.com/stevecastle/haploscope/calibration"
	"github.com/stevecastle/haploscope/stereo"
)

// Units says how a probe magnitude is expressed.
type Units string

const (
	Pixels      Units = "pixels"
	Degrees     Units = "degrees"
	Centimeters Units = "centimeters"
)

// ProbeFunc maps a position along the probe and a magnitude in pixels to the
// outline's offset in pixels.
type ProbeFunc func(x, magnitude float64) float64

// Parabola returns the lab's adjustment probe: flat at the center, rising to
// 4*magnitude at +-halfLength.
func Parabola(halfLength float64) ProbeFunc {
	return func(x, magnitude float64) float64 {
		r := 2 * math.Abs(x) / halfLength
		return r * r * magnitude
	}
}

// Point is a probe vertex in pixels from the canvas center, y up.
type Point struct{ X, Y float64 }

// OutlineProbe is a polyline y = Func(x, magnitude) the observer adjusts
// until it matches the perceived shape.
type OutlineProbe struct {
	Func      ProbeFunc
	Magnitude float64
	Units     Units
	XMin      float64
	XMax      float64
	Segments  int
	Offset    Point
	LineWidth float64
	Rotate90  bool
}

// MagnitudePixels converts the probe magnitude to pixels for g.
func (p *OutlineProbe) MagnitudePixels(g stereo.Geometry) (float64, error) {
	switch p.Units {
	case Pixels, "":
		return p.Magnitude, nil
	case Degrees:
		return p.Magnitude * g.PixelsPerDegree(), nil
	case Centimeters:
		return DegreesFromWidth(p.Magnitude/100, g.ViewingDistance) * g.PixelsPerDegree(), nil
	}
	return 0, fmt.Errorf("unknown probe units %q", p.Units)
}

// Points samples the outline at Segments evenly spaced x values.
func (p *OutlineProbe) Points(g stereo.Geometry) ([]Point, error) {
	if p.Func == nil {
		return nil, errors.New("probe has no shape function")
	}
	n := p.Segments
	if n < 2 {
		n = 100
	}
	m, err := p.MagnitudePixels(g)
	if err != nil {
		return nil, err
	}

	pts := make([]Point, n)
	step := (p.XMax - p.XMin) / float64(n-1)
	for i := range pts {
		x := p.XMin + float64(i)*step
		y := p.Func(x, m)
		if p.Rotate90 {
			x, y = y, x
		}
		pts[i] = Point{X: x + p.Offset.X, Y: y + p.Offset.Y}
	}
	return pts, nil
}

// DegreesFromWidth is the visual angle subtended by width meters at
// distance meters.
func DegreesFromWidth(width, distance float64) float64 {
	return 2 * math.Atan(width/(2*distance)) * 180 / math.Pi
}

// CalibrationCard is the operator text shown before a session.
func CalibrationCard(c calibration.Calibration) string {
	return c.String() + "\nPress Enter to continue"
}
