package main

import (
	"bytes"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stevecastle/haploscope/appconfig"
	"github.com/stevecastle/haploscope/calibration"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	original := appconfig.Get()
	t.Cleanup(func() { appconfig.Set(original) })

	dir := t.TempDir()
	cfg := appconfig.Default()
	cfg.DBPath = filepath.Join(dir, "haploscope.db")
	cfg.Geometry.Width = 400
	cfg.Geometry.Height = 240
	bench := calibration.DefaultProfile()
	bench.DisplayLeftZero = 500
	cfg.Profiles = map[string]calibration.Profile{
		appconfig.DefaultProfileName: calibration.DefaultProfile(),
		"bench":                      bench,
	}
	path := filepath.Join(dir, "config.json")
	if err := appconfig.SaveTo(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		args      []string
		wantFocal float64
		wantErr   bool
	}{
		{[]string{"-iod", "63", "-focal", "450"}, 450, false},
		{[]string{"-iod", "63", "-viewing", "50"}, 500, false},
		{[]string{"-iod", "63", "-focal", "450", "-viewing", "50"}, 450, false},
		{[]string{"-iod", "63"}, 0, true},
		{[]string{"-focal", "450"}, 0, true},
		{[]string{"-iod", "x"}, 0, true},
	}
	for _, tt := range tests {
		o, err := parseFlags(tt.args, io.Discard)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFlags(%q) error = %v", tt.args, err)
			continue
		}
		if !tt.wantErr && o.focal != tt.wantFocal {
			t.Errorf("parseFlags(%q) focal = %v; want %v", tt.args, o.focal, tt.wantFocal)
		}
	}
}

func TestRunPrintsZeroPositionsAtMinimums(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	if err := run([]string{"-config", path, "-iod", "56", "-focal", "387.5"}, &out, io.Discard); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"SETTING", "default", "DISPLAY_LEFT", "551.000 mm", "1.000 mm", "31.500 mm", "91.000 mm", "deg"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestRunComparesProfiles(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	if err := run([]string{"-config", path, "-iod", "56", "-focal", "387.5", "-all"}, &out, io.Discard); err != nil {
		t.Fatal(err)
	}
	header := strings.SplitN(strings.SplitN(out.String(), "\n\n", 2)[1], "\n", 2)[0]
	if strings.Index(header, "bench") > strings.Index(header, "default") || !strings.Contains(out.String(), "500.000 mm") {
		t.Errorf("profile columns wrong:\n%s", out.String())
	}

	if err := run([]string{"-config", path, "-iod", "56", "-focal", "400", "-profile", "ghost"}, io.Discard, io.Discard); err == nil {
		t.Error("unknown profile accepted")
	}
}

func TestRunWritesCard(t *testing.T) {
	path := writeConfig(t)
	card := filepath.Join(t.TempDir(), "card.png")
	if err := run([]string{"-config", path, "-iod", "63", "-viewing", "50", "-card", card}, io.Discard, io.Discard); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(card)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 240 {
		t.Errorf("card size = %v", b)
	}
	lit := false
	for y := 0; y < 240 && !lit; y++ {
		for x := 0; x < 400; x++ {
			if r, _, _, _ := img.At(x, y).RGBA(); r > 0 {
				lit = true
				break
			}
		}
	}
	if !lit {
		t.Error("card is blank")
	}
}
