// Command stimgen renders a stimulus pool from the command line.
//
//	stimgen -out ./pool -repeats 5 -preview -zip pool.zip
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/haploscope/appconfig"
	"github.com/stevecastle/haploscope/archive"
	"github.com/stevecastle/haploscope/catalog"
	"github.com/stevecastle/haploscope/logging"
	"github.com/stevecastle/haploscope/pool"
	"github.com/stevecastle/haploscope/preview"
	"github.com/stevecastle/haploscope/publish"
	"github.com/stevecastle/haploscope/raster"
)

// PreviewDir holds side-by-side previews under the pool directory.
const PreviewDir = "previews"

type options struct {
	configPath   string
	out          string
	halfHeights  []float64
	depthFactors []float64
	repeats      int
	workers      int
	overwrite    bool
	preview      bool
	index        bool
	zipPath      string
	publish      string
	open         bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("stimgen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "config file (default: platform config dir)")
	fs.StringVar(&o.out, "out", "", "output directory (default: config pool.outDir)")
	fs.Func("half-heights", "comma-separated ridge half heights in meters", func(s string) (err error) {
		o.halfHeights, err = pool.ParseFloatList(s)
		return err
	})
	fs.Func("depth-factors", "comma-separated depth factors", func(s string) (err error) {
		o.depthFactors, err = pool.ParseFloatList(s)
		return err
	})
	fs.IntVar(&o.repeats, "repeats", 0, "repeats per condition (default: config)")
	fs.IntVar(&o.workers, "workers", 0, "parallel render workers (default: config)")
	fs.BoolVar(&o.overwrite, "overwrite", false, "regenerate an existing pool")
	fs.BoolVar(&o.preview, "preview", false, "write side-by-side previews of the first repeat")
	fs.BoolVar(&o.index, "index", false, "index the pool into the catalog database")
	fs.StringVar(&o.zipPath, "zip", "", "also pack the pool into this zip archive")
	fs.StringVar(&o.publish, "publish", "", "upload the pool under this S3 key prefix")
	fs.BoolVar(&o.open, "open", false, "open the output directory when done")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

func loadConfig(path string) (appconfig.Config, error) {
	if path != "" {
		return appconfig.LoadFrom(path)
	}
	cfg, _, err := appconfig.Load()
	return cfg, err
}

// poolOptions overlays the flags on the configured pool section.
func poolOptions(cfg appconfig.Config, o options) pool.Options {
	opts := cfg.Pool.Options(o.out)
	if o.halfHeights != nil {
		opts.HalfHeights = o.halfHeights
	}
	if o.depthFactors != nil {
		opts.DepthFactors = o.depthFactors
	}
	if o.repeats > 0 {
		opts.Repeats = o.repeats
	}
	if o.workers > 0 {
		opts.Workers = o.workers
	}
	opts.Overwrite = o.overwrite
	return opts
}

// progressPrinter redraws one status line on a terminal and prints every
// tenth condition otherwise.
func progressPrinter(w io.Writer, tty bool) func(pool.Progress) {
	return func(p pool.Progress) {
		if tty {
			fmt.Fprintf(w, "\r[%d/%d] %s   ", p.Done, p.Total, p.Entry.StimulusID)
			if p.Done == p.Total {
				fmt.Fprintln(w)
			}
			return
		}
		if p.Done%10 == 0 || p.Done == p.Total {
			fmt.Fprintf(w, "[%d/%d] %s\n", p.Done, p.Total, p.Entry.StimulusID)
		}
	}
}

// writePreviews renders a side-by-side image for every rep-1 stimulus.
func writePreviews(dir string, entries []pool.Entry) (int, error) {
	outDir := filepath.Join(dir, PreviewDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Rep != 1 {
			continue
		}
		left, err := raster.ReadPNG(filepath.Join(dir, e.LeftFile))
		if err != nil {
			return n, err
		}
		right, err := raster.ReadPNG(filepath.Join(dir, e.RightFile))
		if err != nil {
			return n, err
		}
		img, err := preview.SideBySide(left, right, 0)
		if err != nil {
			return n, err
		}
		if err := raster.WritePNG(filepath.Join(outDir, e.StimulusID+".png"), img); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// poolSize sums the sizes of every file the manifest names.
func poolSize(dir string, entries []pool.Entry) uint64 {
	var total uint64
	for _, e := range entries {
		for _, name := range []string{e.LeftFile, e.RightFile} {
			if info, err := os.Stat(filepath.Join(dir, name)); err == nil {
				total += uint64(info.Size())
			}
		}
	}
	return total
}

func indexPool(ctx context.Context, dbPath, dir string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	if err := catalog.InitializeSchema(db); err != nil {
		return 0, err
	}
	return catalog.IndexPool(ctx, db, dir)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, tty bool) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g, err := cfg.Geometry.Geometry()
	if err != nil {
		return err
	}

	gen := cfg.Pool.Generator(g)
	gen.Progress = progressPrinter(stdout, tty)
	opts := poolOptions(cfg, o)

	start := time.Now()
	manifestPath, err := gen.Generate(ctx, opts)
	if err != nil {
		return err
	}
	entries, err := pool.ReadManifest(manifestPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d stimuli, %s in %s (%s)\n",
		len(entries),
		humanize.Bytes(poolSize(opts.OutDir, entries)),
		opts.OutDir,
		time.Since(start).Round(time.Millisecond))

	if o.preview {
		n, err := writePreviews(opts.OutDir, entries)
		if err != nil {
			return fmt.Errorf("previews: %w", err)
		}
		fmt.Fprintf(stdout, "%d previews in %s\n", n, filepath.Join(opts.OutDir, PreviewDir))
	}
	if o.index {
		n, err := indexPool(ctx, cfg.DBPath, opts.OutDir)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		fmt.Fprintf(stdout, "indexed %d stimuli into %s\n", n, cfg.DBPath)
	}
	if o.zipPath != "" {
		if err := archive.PackZip(opts.OutDir, o.zipPath); err != nil {
			return fmt.Errorf("zip: %w", err)
		}
		if info, err := os.Stat(o.zipPath); err == nil {
			fmt.Fprintf(stdout, "packed %s (%s)\n", o.zipPath, humanize.Bytes(uint64(info.Size())))
		}
	}
	if o.publish != "" {
		p, err := publish.New(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		res, err := p.PublishPool(ctx, opts.OutDir, o.publish)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		fmt.Fprintf(stdout, "uploaded %d objects to s3://%s/%s\n", res.Uploaded, cfg.S3.Bucket, res.Prefix)
	}
	if o.open {
		if err := browser.OpenFile(opts.OutDir); err != nil {
			slog.Warn("could not open output directory", "error", err)
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := logging.Init(logging.Config{Level: "warn", DisableFile: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	err = run(ctx, os.Args[1:], os.Stdout, os.Stderr, tty)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "stimgen:", err)
		os.Exit(1)
	}
}
