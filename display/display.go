// Package display draws stereo presentations into per-eye back buffers and
// hands finished frames to a Sink. It covers the three ways the lab presents
// stimuli: one window per eye behind the haploscope mirrors, one window split
// into halves, and a single shutter-synchronized window.
package display

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"

	"golang.org/x/image/colornames"
	"golang.org/x/image/draw"

	"github.com/stevecastle/haploscope/stereo"
)

// ErrClosed is returned by every drawing call after Close.
var ErrClosed = errors.New("display closed")

// Mode selects how the two eye images reach the observer.
type Mode string

const (
	DualWindow  Mode = "dual-window"
	SplitScreen Mode = "single-window-split"
	QuadBuffer  Mode = "quad-buffer-shutter"
)

// ParseMode accepts a Mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case DualWindow, SplitScreen, QuadBuffer:
		return m, nil
	}
	return "", fmt.Errorf("unknown display mode %q", s)
}

// Eye identifies a back buffer.
type Eye int

const (
	Left Eye = iota
	Right
	Both
)

func (e Eye) String() string {
	switch e {
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return "both"
}

// Frame is one presented image. Split-screen frames carry both eyes and
// report Both.
type Frame struct {
	Seq   int
	Eye   Eye
	Image *image.Gray
}

// Sink receives presented frames in order.
type Sink interface {
	Show(Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame) error

func (f SinkFunc) Show(fr Frame) error { return f(fr) }

// Recorder is a Sink that keeps every frame.
type Recorder struct {
	mu     sync.Mutex
	Frames []Frame
}

func (r *Recorder) Show(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Frames = append(r.Frames, f)
	return nil
}

// Config is the fixed presentation setup.
type Config struct {
	// Geometry supplies the canvas size and pixel density used to convert
	// visual angles.
	Geometry stereo.Geometry

	FixationDegrees float64 // default fixation cross size
	LineWidth       float64 // pixels, fixation cross and probe default
	TextScale       int     // integer upscale of the 7x13 text face
	Foreground      string  // color name, see golang.org/x/image/colornames
	Scaler          string  // catmullrom, bilinear or nearest
}

func (c Config) withDefaults() Config {
	if c.FixationDegrees <= 0 {
		c.FixationDegrees = 0.5
	}
	if c.LineWidth <= 0 {
		c.LineWidth = 2
	}
	if c.TextScale <= 0 {
		c.TextScale = 2
	}
	if c.Foreground == "" {
		c.Foreground = "white"
	}
	return c
}

// Stimulus is a left/right image pair. A zero SizeDegrees draws the images
// at their native pixel size.
type Stimulus struct {
	Left        image.Image
	Right       image.Image
	SizeDegrees [2]float64
}

// Renderer is the drawing surface an experiment drives. Draw calls
// accumulate into the back buffers; Present hands them to the sink and
// clears them.
type Renderer interface {
	DrawFixation(sizeDegrees float64) error
	DrawStimulus(s Stimulus) error
	DrawProbe(p *OutlineProbe) error
	DrawText(text string) error
	Present() error
	Close() error
}

// New returns the renderer for mode.
func New(mode Mode, cfg Config, sink Sink) (Renderer, error) {
	if sink == nil {
		return nil, errors.New("display: nil sink")
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	fg, ok := colornames.Map[strings.ToLower(cfg.Foreground)]
	if !ok {
		return nil, fmt.Errorf("unknown color %q", cfg.Foreground)
	}

	b := &buffers{
		cfg:    cfg,
		fg:     color.GrayModel.Convert(fg).(color.Gray),
		scaler: chooseScaler(cfg.Scaler),
		sink:   sink,
	}
	b.reset()

	switch mode {
	case DualWindow:
		return &dualWindow{b}, nil
	case SplitScreen:
		return &splitScreen{b}, nil
	case QuadBuffer:
		return &shutter{b}, nil
	}
	return nil, fmt.Errorf("unknown display mode %q", mode)
}

// dualWindow presents each eye to its own window.
type dualWindow struct{ *buffers }

func (d *dualWindow) Present() error {
	return d.present(func(left, right *image.Gray) []Frame {
		return []Frame{{Eye: Left, Image: left}, {Eye: Right, Image: right}}
	})
}

// splitScreen squeezes both eyes side by side into one window.
type splitScreen struct{ *buffers }

func (s *splitScreen) Present() error {
	return s.present(func(left, right *image.Gray) []Frame {
		w, h := left.Bounds().Dx(), left.Bounds().Dy()
		out := image.NewGray(image.Rect(0, 0, w, h))
		half := w / 2
		s.scaler.Scale(out, image.Rect(0, 0, half, h), left, left.Bounds(), draw.Src, nil)
		s.scaler.Scale(out, image.Rect(half, 0, w, h), right, right.Bounds(), draw.Src, nil)
		return []Frame{{Eye: Both, Image: out}}
	})
}

// shutter alternates left and right frames on one window; the glasses pick
// the eye.
type shutter struct{ *buffers }

func (s *shutter) Present() error {
	return s.present(func(left, right *image.Gray) []Frame {
		return []Frame{{Eye: Left, Image: left}, {Eye: Right, Image: right}}
	})
}

func chooseScaler(name string) draw.Scaler {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bilinear":
		return draw.BiLinear
	case "nearest":
		return draw.NearestNeighbor
	default:
		return draw.CatmullRom
	}
}
