// Command calibrate prints the carriage, mirror and arm settings for one
// observer and optionally renders the operator card.
//
//	calibrate -iod 63 -viewing 50 -card card.png
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/gosuri/uitable"

	"github.com/stevecastle/haploscope/appconfig"
	"github.com/stevecastle/haploscope/calibration"
	"github.com/stevecastle/haploscope/display"
	"github.com/stevecastle/haploscope/raster"
)

type options struct {
	configPath string
	iod        float64
	focal      float64
	viewing    float64
	profile    string
	all        bool
	card       string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "config file (default: platform config dir)")
	fs.Float64Var(&o.iod, "iod", 0, "interocular distance in mm")
	fs.Float64Var(&o.focal, "focal", 0, "focal distance in mm")
	fs.Float64Var(&o.viewing, "viewing", 0, "fixation distance in cm (used when -focal is unset)")
	fs.StringVar(&o.profile, "profile", "", "apparatus profile (default: default)")
	fs.BoolVar(&o.all, "all", false, "compare every configured profile")
	fs.StringVar(&o.card, "card", "", "write the operator card PNG here")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.focal == 0 && o.viewing != 0 {
		o.focal = calibration.FocalDistanceFromViewing(o.viewing)
	}
	if o.iod == 0 || o.focal == 0 {
		return o, errors.New("-iod and -focal or -viewing are required")
	}
	return o, nil
}

func mm(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64) + " mm"
}

// table lays out one column per calibration.
func table(names []string, cals []calibration.Calibration) *uitable.Table {
	t := uitable.New()
	t.MaxColWidth = 40
	t.Wrap = false

	header := []any{"SETTING"}
	for _, n := range names {
		header = append(header, n)
	}
	t.AddRow(header...)
	for i, f := range cals[0].Fields() {
		row := []any{f.Key}
		for _, c := range cals {
			v := c.Fields()[i].Value
			if f.Key == "ANGLE" {
				row = append(row, strconv.FormatFloat(v, 'f', 3, 64)+" deg")
			} else {
				row = append(row, mm(v))
			}
		}
		t.AddRow(row...)
	}
	return t
}

// renderCard draws the operator card with the configured display mode and
// returns the first presented frame.
func renderCard(cfg appconfig.Config, c calibration.Calibration) (*display.Frame, error) {
	g, err := cfg.Geometry.Geometry()
	if err != nil {
		return nil, err
	}
	rec := &display.Recorder{}
	r, err := cfg.Display.Renderer(g, rec)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if err := r.DrawText(display.CalibrationCard(c)); err != nil {
		return nil, err
	}
	if err := r.Present(); err != nil {
		return nil, err
	}
	if len(rec.Frames) == 0 {
		return nil, errors.New("renderer presented no frame")
	}
	return &rec.Frames[0], nil
}

func loadConfig(path string) (appconfig.Config, error) {
	if path != "" {
		return appconfig.LoadFrom(path)
	}
	cfg, _, err := appconfig.Load()
	return cfg, err
}

func run(args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var names []string
	if o.all {
		for name := range cfg.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)
	} else {
		name := o.profile
		if name == "" {
			name = appconfig.DefaultProfileName
		}
		names = []string{name}
	}

	cals := make([]calibration.Calibration, len(names))
	for i, name := range names {
		p, err := cfg.Profile(name)
		if err != nil {
			return err
		}
		cals[i] = p.Calibrate(o.iod, o.focal)
	}
	fmt.Fprintf(stdout, "IOD %s, focal distance %s\n\n", mm(o.iod), mm(o.focal))
	fmt.Fprintln(stdout, table(names, cals))

	if o.card != "" {
		frame, err := renderCard(cfg, cals[0])
		if err != nil {
			return fmt.Errorf("card: %w", err)
		}
		if err := raster.WritePNG(o.card, frame.Image); err != nil {
			return fmt.Errorf("card: %w", err)
		}
		fmt.Fprintf(stdout, "\ncard for %s written to %s\n", names[0], o.card)
	}
	return nil
}

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "calibrate:", err)
		os.Exit(1)
	}
}
