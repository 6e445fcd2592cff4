package tasks

import (
	"flag"
	"io"
	"strconv"
	"strings"

	"github.com/stevecastle/haploscope/pool"
)

// newFlags returns a silent flag set for job arguments such as
// ["--repeats", "5", "--overwrite"].
func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// floatList is a comma-separated list flag.
type floatList []float64

func (f *floatList) String() string {
	if f == nil {
		return ""
	}
	parts := make([]string, len(*f))
	for i, v := range *f {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ",")
}

func (f *floatList) Set(s string) error {
	v, err := pool.ParseFloatList(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// firstNonEmpty returns the first argument that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
