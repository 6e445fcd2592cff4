package calibration

import (
	"math"
	"strings"
	"testing"
)

func TestZeroOffsetsAtMinimums(t *testing.T) {
	p := DefaultProfile()

	l, r := p.DisplayPositions(p.MinFocalDistance)
	if l != p.DisplayLeftZero || r != p.DisplayRightZero {
		t.Errorf("DisplayPositions(min) = (%v, %v); want (%v, %v)", l, r, p.DisplayLeftZero, p.DisplayRightZero)
	}

	l, r = p.EyePositions(p.MinIOD)
	if l != p.EyeLeftZero || r != p.EyeRightZero {
		t.Errorf("EyePositions(min) = (%v, %v); want (%v, %v)", l, r, p.EyeLeftZero, p.EyeRightZero)
	}
}

func TestDisplayPositions(t *testing.T) {
	p := DefaultProfile()
	tests := []struct {
		name      string
		focal     float64
		wantLeft  float64
		wantRight float64
	}{
		{"500mm", 500, 438.5, 113.5},
		{"negative uses magnitude", -500, 438.5, 113.5},
		{"below minimum is not clamped", 300, 638.5, -86.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, r := p.DisplayPositions(tt.focal)
			if l != tt.wantLeft || r != tt.wantRight {
				t.Errorf("DisplayPositions(%v) = (%v, %v); want (%v, %v)", tt.focal, l, r, tt.wantLeft, tt.wantRight)
			}
		})
	}
}

func TestEyePositions(t *testing.T) {
	p := DefaultProfile()
	tests := []struct {
		name      string
		iod       float64
		wantLeft  float64
		wantRight float64
	}{
		{"64mm", 64, 27.5, 95},
		{"negative uses magnitude", -64, 27.5, 95},
		{"below minimum moves inward", 50, 34.5, 88},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, r := p.EyePositions(tt.iod)
			if l != tt.wantLeft || r != tt.wantRight {
				t.Errorf("EyePositions(%v) = (%v, %v); want (%v, %v)", tt.iod, l, r, tt.wantLeft, tt.wantRight)
			}
		})
	}
}

func TestArmRotation(t *testing.T) {
	got := ArmRotation(64, 500)
	want := math.Atan(32.0/500.0) * 180 / math.Pi
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("ArmRotation(64, 500) = %v; want %v", got, want)
	}
	if got := ArmRotation(0, 500); got != 0 {
		t.Errorf("ArmRotation(0, 500) = %v; want 0", got)
	}
	if got := ArmRotation(500, 250); math.Abs(got-45) > 1e-12 {
		t.Errorf("ArmRotation(500, 250) = %v; want 45", got)
	}
}

func TestCalibrateAndLines(t *testing.T) {
	p := DefaultProfile()
	c := p.Calibrate(64, 500)

	if c.DisplayLeft != 438.5 || c.DisplayRight != 113.5 || c.EyeLeft != 27.5 || c.EyeRight != 95 {
		t.Errorf("Calibrate() = %+v", c)
	}

	lines := c.Lines()
	if len(lines) != 5 {
		t.Fatalf("Lines() returned %d lines; want 5", len(lines))
	}
	wantPrefixes := []string{"DISPLAY_LEFT: 438.5mm", "DISPLAY_RIGHT: 113.5mm", "EYE_LEFT: 27.5mm", "EYE_RIGHT: 95mm", "ANGLE: "}
	for i, prefix := range wantPrefixes {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q; want prefix %q", i, lines[i], prefix)
		}
		if !strings.HasSuffix(lines[i], "mm") {
			t.Errorf("line %d = %q; want mm suffix", i, lines[i])
		}
	}
	if c.String() != strings.Join(lines, "\n") {
		t.Error("String() does not match joined Lines()")
	}
}

func TestProfilesSideBySide(t *testing.T) {
	a := DefaultProfile()
	b := a
	b.DisplayLeftZero = 600

	ca := a.Calibrate(60, 450)
	cb := b.Calibrate(60, 450)
	if cb.DisplayLeft-ca.DisplayLeft != 49 {
		t.Errorf("profile offset not applied: %v vs %v", ca.DisplayLeft, cb.DisplayLeft)
	}
	if ca.DisplayRight != cb.DisplayRight {
		t.Error("unrelated field changed between profiles")
	}
}

func TestFocalDistanceFromViewing(t *testing.T) {
	if got := FocalDistanceFromViewing(50); got != 500 {
		t.Errorf("FocalDistanceFromViewing(50) = %v; want 500", got)
	}
}
