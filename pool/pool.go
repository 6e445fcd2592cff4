// Package pool renders the stimulus pool: every combination of ridge half
// height, depth factor and repetition becomes a left/right PNG pair listed in
// manifest.csv.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stevecastle/haploscope/raster"
	"github.com/stevecastle/haploscope/scene"
	"github.com/stevecastle/haploscope/stereo"
)

// ErrManifestExists marks a pool that is already complete. Generate treats
// it as success.
var ErrManifestExists = errors.New("manifest already exists")

// Dot density is tuned on a 1400 px wide base canvas and scaled with the
// output width so the pattern looks the same at any resolution.
const (
	BaseWidth     = 1400
	BaseDots      = 350
	BaseDotRadius = 8.0
)

// DefaultRidgeWidth is the ridge extent along x in meters.
const DefaultRidgeWidth = 0.20

// Defaults for the lab pool.
var (
	DefaultHalfHeights  = []float64{0.025, 0.050}
	DefaultDepthFactors = []float64{0.70, 0.85, 1.00, 1.15, 1.30}
)

const DefaultRepeats = 20

// ScaledDots returns the dot count and radius for a canvas width.
func ScaledDots(width int) (dots int, radius float64) {
	s := float64(width) / BaseWidth
	return int(BaseDots * s * s), BaseDotRadius * s
}

// Progress reports one finished condition.
type Progress struct {
	Done  int
	Total int
	Entry Entry
	Stats Stats
}

// Generator holds the fixed rendering setup shared by all conditions.
type Generator struct {
	Geometry   stereo.Geometry
	RidgeWidth float64
	Dots       int
	DotRadius  float64
	Logger     *slog.Logger
	Progress   func(Progress)
}

// NewGenerator returns a Generator with dot density scaled to g.
func NewGenerator(g stereo.Geometry) *Generator {
	dots, radius := ScaledDots(g.Width)
	return &Generator{
		Geometry:   g,
		RidgeWidth: DefaultRidgeWidth,
		Dots:       dots,
		DotRadius:  radius,
	}
}

// Options select the conditions and output of one run.
type Options struct {
	OutDir       string
	HalfHeights  []float64
	DepthFactors []float64
	Repeats      int
	Overwrite    bool
	Workers      int
}

// Stats summarizes one rendered condition.
type Stats struct {
	Points       int     `json:"points"`
	Dropped      int     `json:"dropped"`
	Ridge        int     `json:"ridge"`
	MaxDisparity float64 `json:"maxDisparity"`
}

// Seed derives the condition seed from its parameters alone, so a condition
// renders identically whatever order it runs in.
func Seed(halfHeight, depthFactor float64, rep int) uint32 {
	key := strconv.FormatFloat(halfHeight, 'g', -1, 64) + "|" +
		strconv.FormatFloat(depthFactor, 'g', -1, 64) + "|" +
		strconv.Itoa(rep)
	return uint32(xxhash.Sum64String(key))
}

// StimulusID names a condition, e.g. Johnston_a25_df0p70_rep03.
func StimulusID(halfHeight, depthFactor float64, rep int) string {
	df := strings.ReplaceAll(fmt.Sprintf("%.2f", depthFactor), ".", "p")
	return fmt.Sprintf("Johnston_a%d_df%s_rep%02d", int(halfHeight*1000), df, rep)
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *Generator) params(halfHeight, depthFactor float64) scene.Params {
	w := g.RidgeWidth
	if w == 0 {
		w = DefaultRidgeWidth
	}
	return scene.Params{HalfHeight: halfHeight, DepthFactor: depthFactor, Width: w}
}

// RenderCondition samples one scene and draws it for both eyes from the same
// points. Points that project onto a singularity are dropped and counted.
func (g *Generator) RenderCondition(halfHeight, depthFactor float64, seed uint32) (*raster.Canvas, *raster.Canvas, Stats, error) {
	var stats Stats
	if err := g.Geometry.Validate(); err != nil {
		return nil, nil, stats, err
	}
	points, err := scene.Sample(g.Dots, g.params(halfHeight, depthFactor), scene.ExtentFor(g.Geometry), scene.NewSource(uint64(seed)))
	if err != nil {
		return nil, nil, stats, err
	}
	return g.draw(points)
}

func (g *Generator) draw(points []r3.Vec) (*raster.Canvas, *raster.Canvas, Stats, error) {
	var stats Stats
	left := raster.NewCanvas(g.Geometry.Width, g.Geometry.Height)
	right := raster.NewCanvas(g.Geometry.Width, g.Geometry.Height)
	stats.Points = len(points)
	for _, p := range points {
		sp, err := g.Geometry.Project(p)
		if errors.Is(err, stereo.ErrProjectionSingularity) {
			stats.Dropped++
			continue
		}
		if err != nil {
			return nil, nil, stats, err
		}
		if p.Z > 0 {
			stats.Ridge++
		}
		stats.MaxDisparity = math.Max(stats.MaxDisparity, math.Abs(sp.Disparity()))
		left.DrawDot(sp.LeftX, sp.Y, g.DotRadius)
		right.DrawDot(sp.RightX, sp.Y, g.DotRadius)
	}
	return left, right, stats, nil
}

type condition struct {
	index       int
	halfHeight  float64
	depthFactor float64
	rep         int
}

func (o Options) conditions() []condition {
	var out []condition
	for _, a := range o.HalfHeights {
		for _, df := range o.DepthFactors {
			for rep := 0; rep < o.Repeats; rep++ {
				out = append(out, condition{index: len(out), halfHeight: a, depthFactor: df, rep: rep})
			}
		}
	}
	return out
}

func (g *Generator) validate(opts Options) error {
	if opts.OutDir == "" {
		return errors.New("output directory is required")
	}
	if opts.Repeats < 0 {
		return fmt.Errorf("%w: repeats %d", scene.ErrInvalidSceneParameters, opts.Repeats)
	}
	if err := g.Geometry.Validate(); err != nil {
		return err
	}
	if g.Dots < 0 || !(g.DotRadius > 0) {
		return fmt.Errorf("invalid dot setup: %d dots of radius %v", g.Dots, g.DotRadius)
	}
	for _, a := range opts.HalfHeights {
		for _, df := range opts.DepthFactors {
			if err := g.params(a, df).Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkExisting(path string, overwrite bool) error {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	case !overwrite:
		return ErrManifestExists
	}
	// An interrupted rerun must not leave the old manifest in place.
	return os.Remove(path)
}

// Generate renders every condition into opts.OutDir and returns the
// manifest path. A directory that already holds a manifest is left untouched
// unless opts.Overwrite is set. The manifest is written last, so a cancelled
// or failed run leaves none behind.
func (g *Generator) Generate(ctx context.Context, opts Options) (string, error) {
	if err := g.validate(opts); err != nil {
		return "", err
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	log := g.logger()
	manifestPath := filepath.Join(opts.OutDir, ManifestName)
	if err := checkExisting(manifestPath, opts.Overwrite); err != nil {
		if errors.Is(err, ErrManifestExists) {
			log.Info("pool already generated, skipping", "manifest", manifestPath)
			return manifestPath, nil
		}
		return "", err
	}

	conds := opts.conditions()
	entries := make([]Entry, len(conds))
	workers := max(opts.Workers, 1)
	log.Info("generating pool",
		"dir", opts.OutDir,
		"conditions", len(conds),
		"workers", workers,
		"dots", g.Dots,
		"dotRadius", g.DotRadius)

	var (
		mu   sync.Mutex
		done int
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, c := range conds {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			entry, stats, err := g.renderAndWrite(opts.OutDir, c)
			if err != nil {
				return err
			}
			entries[c.index] = entry

			mu.Lock()
			defer mu.Unlock()
			done++
			log.Debug("rendered condition",
				"id", entry.StimulusID,
				"progress", fmt.Sprintf("%d/%d", done, len(conds)),
				"seed", entry.Seed,
				"dropped", stats.Dropped)
			if g.Progress != nil {
				g.Progress(Progress{Done: done, Total: len(conds), Entry: entry, Stats: stats})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := writeManifestFile(manifestPath, entries); err != nil {
		return "", err
	}
	log.Info("pool complete", "manifest", manifestPath, "stimuli", len(entries))
	return manifestPath, nil
}

func (g *Generator) renderAndWrite(dir string, c condition) (Entry, Stats, error) {
	id := StimulusID(c.halfHeight, c.depthFactor, c.rep)
	entry := Entry{
		StimulusID:  id,
		HalfHeight:  c.halfHeight,
		DepthFactor: c.depthFactor,
		Rep:         c.rep,
		Seed:        Seed(c.halfHeight, c.depthFactor, c.rep),
		LeftFile:    id + "_L.png",
		RightFile:   id + "_R.png",
	}

	left, right, stats, err := g.RenderCondition(c.halfHeight, c.depthFactor, entry.Seed)
	if err != nil {
		return entry, stats, fmt.Errorf("%s: %w", id, err)
	}
	if err := raster.WritePNG(filepath.Join(dir, entry.LeftFile), left.Gray()); err != nil {
		return entry, stats, err
	}
	if err := raster.WritePNG(filepath.Join(dir, entry.RightFile), right.Gray()); err != nil {
		return entry, stats, err
	}
	return entry, stats, nil
}

// ParseFloatList parses a comma-separated list such as "0.7,0.85,1".
// Blank input yields nil.
func ParseFloatList(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q in list", p)
		}
		out = append(out, v)
	}
	return out, nil
}
