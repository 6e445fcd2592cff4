package scene

import (
	"errors"
	"math"
	"testing"

	"github.com/stevecastle/haploscope/stereo"
)

// scriptedSource replays fixed values.
type scriptedSource struct {
	vals []float64
	i    int
}

func (s *scriptedSource) Float64() float64 {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"valid", Params{HalfHeight: 0.025, DepthFactor: 1, Width: 0.2}, false},
		{"zero half height", Params{HalfHeight: 0, DepthFactor: 1, Width: 0.2}, true},
		{"negative depth factor", Params{HalfHeight: 0.025, DepthFactor: -0.7, Width: 0.2}, true},
		{"zero width", Params{HalfHeight: 0.025, DepthFactor: 1, Width: 0}, true},
		{"NaN depth factor", Params{HalfHeight: 0.025, DepthFactor: math.NaN(), Width: 0.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSceneParameters) {
				t.Errorf("error %v is not ErrInvalidSceneParameters", err)
			}
		})
	}
}

func TestDepthProfile(t *testing.T) {
	p := Params{HalfHeight: 0.05, DepthFactor: 0.85, Width: 0.2}

	if got := p.Depth(0, 0); got != p.DepthRadius() {
		t.Errorf("Depth at ridge crest = %v; want %v", got, p.DepthRadius())
	}
	if got := p.Depth(0.2, 0); got != 0 {
		t.Errorf("Depth beyond ridge width = %v; want 0", got)
	}
	if got := p.Depth(0, 0.06); got != 0 {
		t.Errorf("Depth beyond half height = %v; want 0", got)
	}
	if got := p.Depth(0, -0.025); math.Abs(got-p.DepthRadius()*math.Sqrt(0.75)) > 1e-12 {
		t.Errorf("Depth at y=-a/2 = %v", got)
	}
}

func TestDepthContinuousAtBoundary(t *testing.T) {
	p := Params{HalfHeight: 0.025, DepthFactor: 1.3, Width: 0.2}
	a := p.HalfHeight

	for _, eps := range []float64{1e-3, 1e-5, 1e-7} {
		inside := p.Depth(0, a-eps)
		outside := p.Depth(0, a+eps)
		if outside != 0 {
			t.Errorf("Depth just outside ridge = %v; want 0", outside)
		}
		// b*sqrt(1-(1-eps/a)^2) ~ b*sqrt(2*eps/a): bounded by a constant times sqrt(eps).
		bound := p.DepthRadius() * math.Sqrt(2*eps/a) * 1.01
		if inside < 0 || inside > bound {
			t.Errorf("eps=%v: Depth just inside = %v; want within [0, %v]", eps, inside, bound)
		}
	}
	if got := p.Depth(0, a); got != 0 {
		t.Errorf("Depth at |y| = a is %v; want 0", got)
	}
}

func TestSampleDepthNeverNegative(t *testing.T) {
	p := Params{HalfHeight: 0.05, DepthFactor: 1.15, Width: 0.2}
	ext := Extent{HalfX: 0.17, HalfY: 0.11}

	points, err := Sample(5000, p, ext, NewSource(42))
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if len(points) != 5000 {
		t.Fatalf("Sample() returned %d points; want 5000", len(points))
	}
	ridge := 0
	for _, pt := range points {
		if pt.Z < 0 {
			t.Fatalf("negative depth at %v", pt)
		}
		if math.Abs(pt.X) > ext.HalfX || math.Abs(pt.Y) > ext.HalfY {
			t.Fatalf("point %v outside extent", pt)
		}
		if pt.Z > 0 {
			ridge++
		}
	}
	if ridge == 0 || ridge == len(points) {
		t.Errorf("expected a mix of ridge and background dots, got %d ridge of %d", ridge, len(points))
	}
}

func TestSampleDeterministic(t *testing.T) {
	p := Params{HalfHeight: 0.025, DepthFactor: 0.7, Width: 0.2}
	ext := Extent{HalfX: 0.1, HalfY: 0.1}

	a, _ := Sample(200, p, ext, NewSource(7))
	b, _ := Sample(200, p, ext, NewSource(7))
	c, _ := Sample(200, p, ext, NewSource(8))

	same := true
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("point %d differs for the same seed: %v vs %v", i, a[i], b[i])
		}
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Error("different seeds produced identical scenes")
	}
}

func TestSampleUsesInjectedSource(t *testing.T) {
	p := Params{HalfHeight: 0.05, DepthFactor: 1, Width: 0.2}
	ext := Extent{HalfX: 0.1, HalfY: 0.1}
	// x = 0.5 -> 0, y = 0.5 -> 0 (ridge crest); x = 0 -> -0.1 (outside width).
	src := &scriptedSource{vals: []float64{0.5, 0.5, 0, 0.5}}

	points, err := Sample(2, p, ext, src)
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if points[0].X != 0 || points[0].Y != 0 || points[0].Z != 0.05 {
		t.Errorf("first point = %v; want (0, 0, 0.05)", points[0])
	}
	if points[1].X != -0.1 || points[1].Z != 0 {
		t.Errorf("second point = %v; want background at x=-0.1", points[1])
	}
}

func TestSampleRejectsInvalidParams(t *testing.T) {
	src := &scriptedSource{vals: []float64{0.5}}
	_, err := Sample(10, Params{HalfHeight: -1, DepthFactor: 1, Width: 0.2}, Extent{HalfX: 1, HalfY: 1}, src)
	if !errors.Is(err, ErrInvalidSceneParameters) {
		t.Fatalf("Sample() error = %v; want ErrInvalidSceneParameters", err)
	}
	if src.i != 0 {
		t.Errorf("source consumed %d values before validation failed", src.i)
	}
}

func TestExtentForCoversCanvas(t *testing.T) {
	g := stereo.Geometry{ViewingDistance: 0.5, IOD: 0.063, PxPerM: 1000, Width: 1800, Height: 1200}
	ext := ExtentFor(g)
	if ext.HalfX != 0.9 || ext.HalfY != 0.6 {
		t.Errorf("ExtentFor() = %+v; want {0.9 0.6}", ext)
	}
}
