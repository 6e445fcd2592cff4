// Package scene samples random-dot scenes of a half-cylinder ridge.
package scene

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/stevecastle/haploscope/stereo"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidSceneParameters is returned before any sampling when the ridge
// parameters are not positive.
var ErrInvalidSceneParameters = errors.New("invalid scene parameters")

// pcgStream is mixed into the seed to form the second PCG word.
const pcgStream = 0x9e3779b97f4a7c15

// Source is the uniform [0, 1) stream the sampler draws from. Tests can
// substitute scripted streams.
type Source interface {
	Float64() float64
}

// NewSource returns a deterministic Source for seed.
func NewSource(seed uint64) Source {
	return rand.New(rand.NewPCG(seed, seed^pcgStream))
}

// Params describe the ridge.
type Params struct {
	HalfHeight  float64 `json:"halfHeight"`  // a, meters
	DepthFactor float64 `json:"depthFactor"` // df, depth radius b = a*df
	Width       float64 `json:"width"`       // ridge extent along x, meters
}

// Validate rejects non-positive half height, depth factor or width.
func (p Params) Validate() error {
	switch {
	case !(p.HalfHeight > 0):
		return fmt.Errorf("%w: half height %v must be positive", ErrInvalidSceneParameters, p.HalfHeight)
	case !(p.DepthFactor > 0):
		return fmt.Errorf("%w: depth factor %v must be positive", ErrInvalidSceneParameters, p.DepthFactor)
	case !(p.Width > 0):
		return fmt.Errorf("%w: ridge width %v must be positive", ErrInvalidSceneParameters, p.Width)
	}
	return nil
}

// DepthRadius returns b = a*df.
func (p Params) DepthRadius() float64 {
	return p.HalfHeight * p.DepthFactor
}

// Depth returns the ridge depth at (x, y). Points outside the ridge
// footprint lie on the flat background at Z = 0.
func (p Params) Depth(x, y float64) float64 {
	if math.Abs(y) >= p.HalfHeight || math.Abs(x) >= p.Width/2 {
		return 0
	}
	r := y / p.HalfHeight
	return p.DepthRadius() * math.Sqrt(math.Max(0, 1-r*r))
}

// Extent is the sampling rectangle [-HalfX, HalfX) x [-HalfY, HalfY) in meters.
type Extent struct {
	HalfX float64 `json:"halfX"`
	HalfY float64 `json:"halfY"`
}

// ExtentFor covers the whole canvas of g.
func ExtentFor(g stereo.Geometry) Extent {
	hx, hy := g.Extent()
	return Extent{HalfX: hx, HalfY: hy}
}

// Sample draws n points uniformly over extent and assigns each its ridge
// depth. x is drawn before y for every point.
func Sample(n int, params Params, extent Extent, src Source) ([]r3.Vec, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: point count %d", ErrInvalidSceneParameters, n)
	}
	if src == nil {
		return nil, errors.New("scene: nil source")
	}

	points := make([]r3.Vec, n)
	for i := range points {
		x := uniform(src, extent.HalfX)
		y := uniform(src, extent.HalfY)
		points[i] = r3.Vec{X: x, Y: y, Z: params.Depth(x, y)}
	}
	return points, nil
}

func uniform(src Source, half float64) float64 {
	return -half + 2*half*src.Float64()
}
