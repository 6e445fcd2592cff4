// Package stereo maps world points onto the two haploscope displays.
//
// World coordinates are meters relative to the screen plane: x to the right,
// y up, Z toward the viewer. Screen coordinates are pixels on a canvas of
// Width x Height with the world origin at the canvas center.
package stereo

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// SingularityEpsilon is the smallest denominator magnitude the projector
// accepts before treating a point as singular.
const SingularityEpsilon = 1e-12

var (
	// ErrProjectionSingularity is returned for points on the mirror vertex or
	// the plane through the eyes, where the projection is undefined.
	ErrProjectionSingularity = errors.New("projection singularity")

	// ErrInvalidGeometry is returned by NewGeometry for non-physical inputs.
	ErrInvalidGeometry = errors.New("invalid viewing geometry")
)

// Geometry is the fixed viewing setup for one session.
type Geometry struct {
	ViewingDistance float64 `json:"viewingDistance"` // eye to screen plane, meters
	IOD             float64 `json:"iod"`             // interocular distance, meters
	PxPerM          float64 `json:"pxPerM"`          // pixel density
	Width           int     `json:"width"`           // canvas width, pixels
	Height          int     `json:"height"`          // canvas height, pixels
}

// ScreenPoint is one world point as seen by both eyes.
type ScreenPoint struct {
	LeftX  float64 `json:"leftX"`
	RightX float64 `json:"rightX"`
	Y      float64 `json:"y"`
}

// Disparity returns RightX - LeftX in pixels.
func (sp ScreenPoint) Disparity() float64 {
	return sp.RightX - sp.LeftX
}

// PxPerMFromMonitor derives pixel density from a monitor's pixel width and
// physical width in centimeters.
func PxPerMFromMonitor(pxWidth int, cmWidth float64) float64 {
	if cmWidth <= 0 {
		return 0
	}
	return float64(pxWidth) / cmWidth * 100.0
}

// NewGeometry validates and returns a Geometry.
func NewGeometry(viewingDistance, iod, pxPerM float64, width, height int) (Geometry, error) {
	g := Geometry{
		ViewingDistance: viewingDistance,
		IOD:             iod,
		PxPerM:          pxPerM,
		Width:           width,
		Height:          height,
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// Validate checks D > 0, PxPerM > 0 and a non-empty canvas.
func (g Geometry) Validate() error {
	switch {
	case !(g.ViewingDistance > 0):
		return fmt.Errorf("%w: viewing distance %v must be positive", ErrInvalidGeometry, g.ViewingDistance)
	case !(g.PxPerM > 0):
		return fmt.Errorf("%w: pixel density %v must be positive", ErrInvalidGeometry, g.PxPerM)
	case g.Width <= 0 || g.Height <= 0:
		return fmt.Errorf("%w: canvas %dx%d must be non-empty", ErrInvalidGeometry, g.Width, g.Height)
	case g.IOD < 0:
		return fmt.Errorf("%w: interocular distance %v must not be negative", ErrInvalidGeometry, g.IOD)
	}
	return nil
}

// Project maps p to left/right screen coordinates using the mirror-corrected
// haploscope projection:
//
//	e     = IOD/2
//	denom = D*(D+Z) - x*e
//	U_R   = ( Z*e + x) / denom
//	U_L   = (-Z*e + x) / denom
//	V     = D/(D+Z) * y
//
// The denominator couples x and Z because each eye's image is formed through
// a mirror at an angle rather than by parallel cameras.
func (g Geometry) Project(p r3.Vec) (ScreenPoint, error) {
	d := g.ViewingDistance
	e := g.IOD / 2

	depth := d + p.Z
	denom := d*depth - p.X*e
	if math.Abs(depth) < SingularityEpsilon || math.Abs(denom) < SingularityEpsilon {
		return ScreenPoint{}, fmt.Errorf("%w at (%g, %g, %g)", ErrProjectionSingularity, p.X, p.Y, p.Z)
	}

	uR := (p.Z*e + p.X) / denom
	uL := (-p.Z*e + p.X) / denom
	v := d / depth * p.Y

	sp := ScreenPoint{
		LeftX:  g.toPixelsX(uL),
		RightX: g.toPixelsX(uR),
		Y:      g.toPixelsY(v),
	}
	if !finite(sp.LeftX) || !finite(sp.RightX) || !finite(sp.Y) {
		return ScreenPoint{}, fmt.Errorf("%w at (%g, %g, %g)", ErrProjectionSingularity, p.X, p.Y, p.Z)
	}
	return sp, nil
}

// Reconstruct inverts Project, recovering the world point that produced sp.
// It fails with ErrProjectionSingularity when the pair does not determine a
// unique point, which includes a zero interocular distance.
func (g Geometry) Reconstruct(sp ScreenPoint) (r3.Vec, error) {
	d := g.ViewingDistance
	e := g.IOD / 2
	if e < SingularityEpsilon {
		return r3.Vec{}, fmt.Errorf("%w: zero interocular distance", ErrProjectionSingularity)
	}

	uL := g.fromPixelsX(sp.LeftX)
	uR := g.fromPixelsX(sp.RightX)
	v := g.fromPixelsY(sp.Y)

	s := (uR + uL) / 2 // x/denom
	h := (uR - uL) / 2 // Z*e/denom

	k := 1 - d*h/e + s*e
	if math.Abs(k) < SingularityEpsilon {
		return r3.Vec{}, fmt.Errorf("%w: screen pair (%g, %g)", ErrProjectionSingularity, sp.LeftX, sp.RightX)
	}
	denom := d * d / k

	p := r3.Vec{
		X: s * denom,
		Z: h * denom / e,
	}
	p.Y = v * (d + p.Z) / d
	return p, nil
}

// PixelsPerDegree returns how many pixels one degree of visual angle spans
// at the viewing distance.
func (g Geometry) PixelsPerDegree() float64 {
	return 2 * g.ViewingDistance * math.Tan(0.5*math.Pi/180) * g.PxPerM
}

// MetersToPixels converts a physical length on the screen plane to pixels.
func (g Geometry) MetersToPixels(m float64) float64 {
	return m * g.PxPerM
}

// Extent returns the half width and half height of the canvas in meters.
func (g Geometry) Extent() (halfX, halfY float64) {
	return float64(g.Width) / g.PxPerM / 2, float64(g.Height) / g.PxPerM / 2
}

func (g Geometry) toPixelsX(m float64) float64 { return m*g.PxPerM + float64(g.Width)/2 }
func (g Geometry) toPixelsY(m float64) float64 { return m*g.PxPerM + float64(g.Height)/2 }

func (g Geometry) fromPixelsX(px float64) float64 { return (px - float64(g.Width)/2) / g.PxPerM }
func (g Geometry) fromPixelsY(px float64) float64 { return (px - float64(g.Height)/2) / g.PxPerM }

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
