package display

import (
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"

	"github.com/stevecastle/haploscope/calibration"
	"github.com/stevecastle/haploscope/stereo"
)

func testConfig() Config {
	return Config{
		Geometry: stereo.Geometry{ViewingDistance: 0.5, IOD: 0.063, PxPerM: 5000, Width: 200, Height: 100},
	}
}

func litPixels(img *image.Gray) int {
	n := 0
	for _, v := range img.Pix {
		if v > 0 {
			n++
		}
	}
	return n
}

func TestNewRejectsBadInput(t *testing.T) {
	rec := &Recorder{}
	tests := []struct {
		name string
		mode Mode
		cfg  Config
		sink Sink
	}{
		{"unknown mode", Mode("hologram"), testConfig(), rec},
		{"nil sink", DualWindow, testConfig(), nil},
		{"bad geometry", DualWindow, Config{}, rec},
		{"unknown color", DualWindow, Config{Geometry: testConfig().Geometry, Foreground: "notacolor"}, rec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.mode, tt.cfg, tt.sink); err == nil {
				t.Error("New() succeeded; want error")
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"dual-window", " Single-Window-Split ", "quad-buffer-shutter"} {
		if _, err := ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q) error = %v", s, err)
		}
	}
	if _, err := ParseMode("anaglyph"); err == nil {
		t.Error("ParseMode(anaglyph) succeeded")
	}
}

func TestDualWindowFixation(t *testing.T) {
	rec := &Recorder{}
	r, err := New(DualWindow, testConfig(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.DrawFixation(0); err != nil {
		t.Fatal(err)
	}
	if err := r.Present(); err != nil {
		t.Fatal(err)
	}

	if len(rec.Frames) != 2 {
		t.Fatalf("got %d frames; want 2", len(rec.Frames))
	}
	for i, want := range []Eye{Left, Right} {
		f := rec.Frames[i]
		if f.Eye != want || f.Seq != i+1 {
			t.Errorf("frame %d = eye %v seq %d", i, f.Eye, f.Seq)
		}
		if got := f.Image.GrayAt(100, 50).Y; got != 255 {
			t.Errorf("%v center = %d; want 255", f.Eye, got)
		}
		if got := f.Image.GrayAt(100, 10).Y; got != 0 {
			t.Errorf("%v (100, 10) = %d; want 0", f.Eye, got)
		}
	}

	// 0.5 degrees at this geometry is about 21.8 px, so the arms end near
	// 89 and 111.
	left := rec.Frames[0].Image
	if left.GrayAt(92, 50).Y == 0 || left.GrayAt(80, 50).Y != 0 {
		t.Error("fixation arm length does not follow the visual angle")
	}

	// Present clears the back buffers.
	if err := r.Present(); err != nil {
		t.Fatal(err)
	}
	if n := litPixels(rec.Frames[2].Image); n != 0 {
		t.Errorf("second frame has %d lit pixels; want 0", n)
	}
}

func TestSplitScreenComposesBothEyes(t *testing.T) {
	rec := &Recorder{}
	r, err := New(SplitScreen, testConfig(), rec)
	if err != nil {
		t.Fatal(err)
	}
	white := image.NewGray(image.Rect(0, 0, 200, 100))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	if err := r.DrawStimulus(Stimulus{Left: white}); err != nil {
		t.Fatal(err)
	}
	if err := r.Present(); err != nil {
		t.Fatal(err)
	}

	if len(rec.Frames) != 1 || rec.Frames[0].Eye != Both {
		t.Fatalf("frames = %+v; want one combined frame", rec.Frames)
	}
	out := rec.Frames[0].Image
	if out.Bounds() != image.Rect(0, 0, 200, 100) {
		t.Errorf("frame bounds = %v", out.Bounds())
	}
	if v := out.GrayAt(50, 50).Y; v < 250 {
		t.Errorf("left half = %d; want white", v)
	}
	if v := out.GrayAt(150, 50).Y; v != 0 {
		t.Errorf("right half = %d; want black", v)
	}
}

func TestShutterAlternatesEyes(t *testing.T) {
	rec := &Recorder{}
	r, err := New(QuadBuffer, testConfig(), rec)
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := r.Present(); err != nil {
			t.Fatal(err)
		}
	}
	if len(rec.Frames) != 6 {
		t.Fatalf("got %d frames; want 6", len(rec.Frames))
	}
	for i, f := range rec.Frames {
		want := Left
		if i%2 == 1 {
			want = Right
		}
		if f.Eye != want || f.Seq != i+1 {
			t.Errorf("frame %d = eye %v seq %d", i, f.Eye, f.Seq)
		}
	}
}

func TestStimulusScaledByVisualAngle(t *testing.T) {
	rec := &Recorder{}
	cfg := testConfig()
	r, err := New(DualWindow, cfg, rec)
	if err != nil {
		t.Fatal(err)
	}
	dot := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range dot.Pix {
		dot.Pix[i] = 255
	}
	if err := r.DrawStimulus(Stimulus{Left: dot, Right: dot, SizeDegrees: [2]float64{1, 1}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Present(); err != nil {
		t.Fatal(err)
	}

	ppd := cfg.Geometry.PixelsPerDegree()
	img := rec.Frames[1].Image
	inside := int(100 + ppd/2 - 3)
	outside := int(100 + ppd/2 + 3)
	if img.GrayAt(inside, 50).Y == 0 {
		t.Errorf("pixel %d inside the scaled stimulus is dark", inside)
	}
	if img.GrayAt(outside, 50).Y != 0 {
		t.Errorf("pixel %d outside the scaled stimulus is lit", outside)
	}
}

func TestDrawTextCalibrationCard(t *testing.T) {
	rec := &Recorder{}
	r, err := New(DualWindow, testConfig(), rec)
	if err != nil {
		t.Fatal(err)
	}
	card := CalibrationCard(calibration.DefaultProfile().Calibrate(64, 500))
	if !strings.HasSuffix(card, "Press Enter to continue") {
		t.Errorf("card = %q", card)
	}
	if err := r.DrawText(card); err != nil {
		t.Fatal(err)
	}
	if err := r.DrawText(""); err != nil {
		t.Fatal(err)
	}
	if err := r.Present(); err != nil {
		t.Fatal(err)
	}
	l, rt := rec.Frames[0].Image, rec.Frames[1].Image
	if litPixels(l) == 0 {
		t.Error("text drew nothing")
	}
	if string(l.Pix) != string(rt.Pix) {
		t.Error("text differs between eyes")
	}
}

func TestClosedRendererRejectsDrawing(t *testing.T) {
	r, err := New(DualWindow, testConfig(), &Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	calls := map[string]func() error{
		"DrawFixation": func() error { return r.DrawFixation(1) },
		"DrawStimulus": func() error { return r.DrawStimulus(Stimulus{}) },
		"DrawProbe":    func() error { return r.DrawProbe(&OutlineProbe{}) },
		"DrawText":     func() error { return r.DrawText("x") },
		"Present":      r.Present,
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, ErrClosed) {
			t.Errorf("%s after Close = %v; want ErrClosed", name, err)
		}
	}
}

func TestPresentPropagatesSinkError(t *testing.T) {
	boom := errors.New("window lost")
	r, err := New(DualWindow, testConfig(), SinkFunc(func(Frame) error { return boom }))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Present(); !errors.Is(err, boom) {
		t.Errorf("Present() = %v; want sink error", err)
	}
}

func TestProbeMagnitudeUnits(t *testing.T) {
	g := testConfig().Geometry
	ppd := g.PixelsPerDegree()
	tests := []struct {
		units Units
		mag   float64
		want  float64
	}{
		{Pixels, 10, 10},
		{"", 7, 7},
		{Degrees, 2, 2 * ppd},
		{Centimeters, 1, DegreesFromWidth(0.01, 0.5) * ppd},
	}
	for _, tt := range tests {
		t.Run(string(tt.units), func(t *testing.T) {
			p := &OutlineProbe{Magnitude: tt.mag, Units: tt.units}
			got, err := p.MagnitudePixels(g)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("MagnitudePixels() = %v; want %v", got, tt.want)
			}
		})
	}
	if _, err := (&OutlineProbe{Units: "furlongs"}).MagnitudePixels(g); err == nil {
		t.Error("unknown units accepted")
	}
}

func TestProbePoints(t *testing.T) {
	g := testConfig().Geometry
	p := &OutlineProbe{Func: Parabola(50), Magnitude: 5, XMin: -50, XMax: 50, Segments: 3}
	pts, err := p.Points(g)
	if err != nil {
		t.Fatal(err)
	}
	want := []Point{{-50, 20}, {0, 0}, {50, 20}}
	for i, w := range want {
		if math.Abs(pts[i].X-w.X) > 1e-12 || math.Abs(pts[i].Y-w.Y) > 1e-12 {
			t.Errorf("point %d = %+v; want %+v", i, pts[i], w)
		}
	}

	p.Rotate90 = true
	p.Offset = Point{X: 1, Y: -2}
	pts, err = p.Points(g)
	if err != nil {
		t.Fatal(err)
	}
	if pts[0] != (Point{X: 21, Y: -52}) {
		t.Errorf("rotated point = %+v", pts[0])
	}

	if _, err := (&OutlineProbe{}).Points(g); err == nil {
		t.Error("probe without a function accepted")
	}
}

func TestDrawProbeLightsOutline(t *testing.T) {
	rec := &Recorder{}
	r, err := New(QuadBuffer, testConfig(), rec)
	if err != nil {
		t.Fatal(err)
	}
	p := &OutlineProbe{Func: Parabola(40), Magnitude: 2, XMin: -40, XMax: 40, Segments: 50, LineWidth: 3}
	if err := r.DrawProbe(p); err != nil {
		t.Fatal(err)
	}
	if err := r.Present(); err != nil {
		t.Fatal(err)
	}
	img := rec.Frames[0].Image
	if img.GrayAt(100, 50).Y == 0 {
		t.Error("probe vertex at the center is dark")
	}
	// Ends sit 8 px above center (y up), so row 42 in image coordinates.
	if img.GrayAt(61, 42).Y == 0 {
		t.Error("probe end is dark")
	}
	if img.GrayAt(100, 90) != (color.Gray{}) {
		t.Error("pixel far below the probe is lit")
	}
}

func TestDegreesFromWidth(t *testing.T) {
	if got := DegreesFromWidth(1, 0.5); math.Abs(got-90) > 1e-12 {
		t.Errorf("DegreesFromWidth(1, 0.5) = %v; want 90", got)
	}
}
