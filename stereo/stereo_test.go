package stereo

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/spatial/r3"
)

func testGeometry(t *testing.T) Geometry {
	t.Helper()
	g, err := NewGeometry(0.5, 0.063, PxPerMFromMonitor(1920, 34.0), 1800, 1200)
	if err != nil {
		t.Fatalf("NewGeometry() error = %v", err)
	}
	return g
}

func TestNewGeometryValidation(t *testing.T) {
	tests := []struct {
		name    string
		d       float64
		iod     float64
		pxPerM  float64
		w, h    int
		wantErr bool
	}{
		{"valid", 0.5, 0.063, 5000, 100, 100, false},
		{"zero distance", 0, 0.063, 5000, 100, 100, true},
		{"negative distance", -0.5, 0.063, 5000, 100, 100, true},
		{"zero density", 0.5, 0.063, 0, 100, 100, true},
		{"NaN distance", math.NaN(), 0.063, 5000, 100, 100, true},
		{"empty canvas", 0.5, 0.063, 5000, 0, 100, true},
		{"negative iod", 0.5, -0.01, 5000, 100, 100, true},
		{"zero iod allowed", 0.5, 0, 5000, 100, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGeometry(tt.d, tt.iod, tt.pxPerM, tt.w, tt.h)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewGeometry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("error %v is not ErrInvalidGeometry", err)
			}
		})
	}
}

func TestPxPerMFromMonitor(t *testing.T) {
	got := PxPerMFromMonitor(1920, 34.0)
	want := 1920.0 / 34.0 * 100.0
	if got != want {
		t.Errorf("PxPerMFromMonitor() = %v; want %v", got, want)
	}
	if PxPerMFromMonitor(1920, 0) != 0 {
		t.Error("PxPerMFromMonitor with zero width should be 0")
	}
}

func TestProjectOriginIsCanvasCenter(t *testing.T) {
	g := testGeometry(t)
	sp, err := g.Project(r3.Vec{})
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if sp.LeftX != 900 || sp.RightX != 900 || sp.Y != 600 {
		t.Errorf("Project(origin) = %+v; want (900, 900, 600)", sp)
	}
}

func TestDisparityIncreasesWithDepth(t *testing.T) {
	g := testGeometry(t)

	prev := math.Inf(-1)
	for _, z := range []float64{0.0, 0.01, 0.02, 0.03} {
		sp, err := g.Project(r3.Vec{Z: z})
		if err != nil {
			t.Fatalf("Project(Z=%v) error = %v", z, err)
		}
		disp := sp.Disparity()
		if !(disp > prev) {
			t.Errorf("disparity at Z=%v is %v; want > %v", z, disp, prev)
		}
		prev = disp
	}
}

func TestDisparityMonotonicOffAxis(t *testing.T) {
	g := testGeometry(t)
	for _, xy := range [][2]float64{{0.05, 0.02}, {-0.08, -0.03}, {0.1, 0.0}} {
		prev := math.Inf(-1)
		for z := 0.0; z <= 0.065; z += 0.005 {
			sp, err := g.Project(r3.Vec{X: xy[0], Y: xy[1], Z: z})
			if err != nil {
				t.Fatalf("Project() error = %v", err)
			}
			if !(sp.Disparity() > prev) {
				t.Fatalf("disparity not increasing at (%v, %v, %v)", xy[0], xy[1], z)
			}
			prev = sp.Disparity()
		}
	}
}

func TestZeroDepthHasZeroDisparity(t *testing.T) {
	g := testGeometry(t)
	for _, p := range []r3.Vec{
		{X: 0, Y: 0},
		{X: 0.1, Y: -0.05},
		{X: -0.15, Y: 0.08},
		{X: 0.17, Y: 0.11},
	} {
		sp, err := g.Project(p)
		if err != nil {
			t.Fatalf("Project(%v) error = %v", p, err)
		}
		if !scalar.EqualWithinAbs(sp.LeftX, sp.RightX, 1e-9) {
			t.Errorf("Project(%v): left %v != right %v", p, sp.LeftX, sp.RightX)
		}
	}
}

func TestProjectSingularities(t *testing.T) {
	g := testGeometry(t)
	e := g.IOD / 2

	tests := []struct {
		name string
		p    r3.Vec
	}{
		{"eye plane", r3.Vec{X: 0.01, Y: 0.01, Z: -g.ViewingDistance}},
		{"mirror vertex", r3.Vec{X: g.ViewingDistance * g.ViewingDistance / e}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, err := g.Project(tt.p)
			if !errors.Is(err, ErrProjectionSingularity) {
				t.Fatalf("Project(%v) = %+v, %v; want ErrProjectionSingularity", tt.p, sp, err)
			}
		})
	}
}

func TestReconstructRoundTrip(t *testing.T) {
	g := testGeometry(t)
	points := []r3.Vec{
		{X: 0, Y: 0, Z: 0.02},
		{X: 0.05, Y: 0.01, Z: 0.03},
		{X: -0.09, Y: -0.04, Z: 0.0125},
		{X: 0.12, Y: 0.07, Z: 0},
		{X: -0.02, Y: 0.03, Z: -0.01},
	}
	for _, p := range points {
		sp, err := g.Project(p)
		if err != nil {
			t.Fatalf("Project(%v) error = %v", p, err)
		}
		got, err := g.Reconstruct(sp)
		if err != nil {
			t.Fatalf("Reconstruct(%+v) error = %v", sp, err)
		}
		if r3.Norm(r3.Sub(got, p)) > 1e-9 {
			t.Errorf("Reconstruct(Project(%v)) = %v", p, got)
		}
	}
}

func TestReconstructWithoutIOD(t *testing.T) {
	g := testGeometry(t)
	g.IOD = 0
	if _, err := g.Reconstruct(ScreenPoint{LeftX: 900, RightX: 900, Y: 600}); !errors.Is(err, ErrProjectionSingularity) {
		t.Errorf("Reconstruct() error = %v; want ErrProjectionSingularity", err)
	}
}

func TestPixelsPerDegree(t *testing.T) {
	g := testGeometry(t)
	got := g.PixelsPerDegree()
	// One degree at 0.5 m spans roughly 8.73 mm.
	want := 0.0087268 * g.PxPerM
	if !scalar.EqualWithinRel(got, want, 1e-4) {
		t.Errorf("PixelsPerDegree() = %v; want ~%v", got, want)
	}
}

func TestExtent(t *testing.T) {
	g := testGeometry(t)
	hx, hy := g.Extent()
	if !scalar.EqualWithinAbs(hx*g.PxPerM, 900, 1e-9) || !scalar.EqualWithinAbs(hy*g.PxPerM, 600, 1e-9) {
		t.Errorf("Extent() = (%v, %v)", hx, hy)
	}
}
