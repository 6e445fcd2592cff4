package pool

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/stevecastle/haploscope/raster"
)

// ManifestName is the manifest file written into every pool directory.
const ManifestName = "manifest.csv"

// ManifestHeader lists the manifest columns in file order.
var ManifestHeader = []string{"stimulus_id", "halfHeight_m", "depthFactor", "rep", "seed", "left_file", "right_file"}

// Entry is one manifest row. LeftFile and RightFile are relative to the pool
// directory.
type Entry struct {
	StimulusID  string  `json:"stimulusId"`
	HalfHeight  float64 `json:"halfHeight"`
	DepthFactor float64 `json:"depthFactor"`
	Rep         int     `json:"rep"`
	Seed        uint32  `json:"seed"`
	LeftFile    string  `json:"leftFile"`
	RightFile   string  `json:"rightFile"`
}

func (e Entry) record() []string {
	return []string{
		e.StimulusID,
		strconv.FormatFloat(e.HalfHeight, 'g', -1, 64),
		strconv.FormatFloat(e.DepthFactor, 'g', -1, 64),
		strconv.Itoa(e.Rep),
		strconv.FormatUint(uint64(e.Seed), 10),
		e.LeftFile,
		e.RightFile,
	}
}

// WriteManifest writes entries as CSV with a header row.
func WriteManifest(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ManifestHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(e.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeManifestFile replaces path atomically so a crashed run never leaves a
// manifest that names missing images.
func writeManifestFile(path string, entries []Entry) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteManifest(tmp, entries); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ParseManifest reads manifest rows from r.
func ParseManifest(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(ManifestHeader)

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("read manifest header: %w", err)
	}
	for i, col := range ManifestHeader {
		if header[i] != col {
			return nil, fmt.Errorf("manifest column %d is %q; want %q", i, header[i], col)
		}
	}

	var entries []Entry
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		e, err := parseRecord(rec)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseRecord(rec []string) (Entry, error) {
	a, err := strconv.ParseFloat(rec[1], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("halfHeight_m: %w", err)
	}
	df, err := strconv.ParseFloat(rec[2], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("depthFactor: %w", err)
	}
	rep, err := strconv.Atoi(rec[3])
	if err != nil {
		return Entry{}, fmt.Errorf("rep: %w", err)
	}
	seed, err := strconv.ParseUint(rec[4], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("seed: %w", err)
	}
	return Entry{
		StimulusID:  rec[0],
		HalfHeight:  a,
		DepthFactor: df,
		Rep:         rep,
		Seed:        uint32(seed),
		LeftFile:    rec[5],
		RightFile:   rec[6],
	}, nil
}

// ReadManifest reads the manifest at path.
func ReadManifest(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f)
}

// Verify checks that every file the manifest in dir names exists and decodes
// as a single-channel image of width x height.
func Verify(dir string, width, height int) ([]Entry, error) {
	entries, err := ReadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		for _, name := range []string{e.LeftFile, e.RightFile} {
			img, err := raster.ReadPNG(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.StimulusID, err)
			}
			b := img.Bounds()
			if b.Dx() != width || b.Dy() != height {
				return nil, fmt.Errorf("%s: %s is %dx%d; want %dx%d", e.StimulusID, name, b.Dx(), b.Dy(), width, height)
			}
		}
	}
	return entries, nil
}
