package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/stevecastle/haploscope/appconfig"
	"github.com/stevecastle/haploscope/archive"
	"github.com/stevecastle/haploscope/catalog"
	"github.com/stevecastle/haploscope/downloads"
	"github.com/stevecastle/haploscope/jobqueue"
	"github.com/stevecastle/haploscope/platform"
	"github.com/stevecastle/haploscope/pool"
	"github.com/stevecastle/haploscope/publish"
)

// PoolResult is stored on finished pool jobs.
type PoolResult struct {
	Dir      string `json:"dir"`
	Manifest string `json:"manifest,omitempty"`
	Stimuli  int    `json:"stimuli"`
	Indexed  int    `json:"indexed,omitempty"`
}

func jobLogger(j *jobqueue.Job) *slog.Logger {
	return slog.Default().With("job", j.ID, "command", j.Command)
}

// generatePoolTask renders a pool. The output directory comes from --out,
// then the job input, then the configured default. Flags override the
// configured condition grid; --index adds the pool to the catalog.
func generatePoolTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	cfg := appconfig.Get()
	var halfHeights, depthFactors floatList
	fs := newFlags(j.Command)
	out := fs.String("out", "", "")
	fs.Var(&halfHeights, "half-heights", "")
	fs.Var(&depthFactors, "depth-factors", "")
	repeats := fs.Int("repeats", -1, "")
	workers := fs.Int("workers", 0, "")
	overwrite := fs.Bool("overwrite", false, "")
	index := fs.Bool("index", false, "")
	if err := fs.Parse(j.Arguments); err != nil {
		return err
	}

	geom, err := cfg.Geometry.Geometry()
	if err != nil {
		return err
	}
	gen := cfg.Pool.Generator(geom)
	gen.Logger = jobLogger(j)
	opts := cfg.Pool.Options(firstNonEmpty(*out, j.Input))
	if len(halfHeights) > 0 {
		opts.HalfHeights = halfHeights
	}
	if len(depthFactors) > 0 {
		opts.DepthFactors = depthFactors
	}
	if *repeats >= 0 {
		opts.Repeats = *repeats
	}
	if *workers > 0 {
		opts.Workers = *workers
	}
	opts.Overwrite = *overwrite

	total := len(opts.HalfHeights) * len(opts.DepthFactors) * opts.Repeats
	q.PushJobStdout(j.ID, fmt.Sprintf("Generating %d stimuli into %s", total, opts.OutDir))
	gen.Progress = func(p pool.Progress) {
		q.UpdateProgress(j.ID, p.Done, p.Total)
		if p.Done%20 == 0 || p.Done == p.Total {
			q.PushJobStdout(j.ID, fmt.Sprintf("%d/%d %s", p.Done, p.Total, p.Entry.StimulusID))
		}
	}

	manifest, err := gen.Generate(j.Ctx, opts)
	if err != nil {
		return err
	}
	entries, err := pool.ReadManifest(manifest)
	if err != nil {
		return err
	}
	res := PoolResult{Dir: opts.OutDir, Manifest: manifest, Stimuli: len(entries)}
	q.PushJobStdout(j.ID, "Manifest: "+manifest)

	if *index {
		n, err := indexEntries(j, q, opts.OutDir, entries)
		if err != nil {
			return err
		}
		res.Indexed = n
	}
	return q.SetResult(j.ID, res)
}

func indexEntries(j *jobqueue.Job, q *jobqueue.Queue, dir string, entries []pool.Entry) (int, error) {
	if q.Db == nil {
		return 0, errors.New("catalog database not available")
	}
	if err := catalog.InitializeSchema(q.Db); err != nil {
		return 0, err
	}
	n, err := catalog.IndexManifest(j.Ctx, q.Db, dir, entries)
	if err != nil {
		return 0, err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Indexed %d stimuli", n))
	return n, nil
}

// indexPoolTask adds the pool in the job input directory to the catalog.
func indexPoolTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	dir := firstNonEmpty(j.Input, appconfig.Get().Pool.OutDir)
	entries, err := pool.ReadManifest(filepath.Join(dir, pool.ManifestName))
	if err != nil {
		return err
	}
	n, err := indexEntries(j, q, dir, entries)
	if err != nil {
		return err
	}
	return q.SetResult(j.ID, PoolResult{Dir: dir, Stimuli: len(entries), Indexed: n})
}

// archiveBase strips archive extensions: "session1.tar.gz" -> "session1".
func archiveBase(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip", ".7z"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// fetchArchive downloads a remote pool archive into the scratch directory.
func fetchArchive(j *jobqueue.Job, q *jobqueue.Queue, url string) (string, error) {
	q.PushJobStdout(j.ID, "Downloading "+url)
	dir := filepath.Join(platform.GetTempDir(), "downloads")
	path, err := downloads.Fetch(j.Ctx, dir, url, func(done, total int64) {
		if total > 0 {
			q.UpdateProgress(j.ID, int(done/1024), int(total/1024))
		}
	})
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(path); err == nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Downloaded %s to %s", humanize.IBytes(uint64(info.Size())), path))
	}
	return path, nil
}

// importPoolTask extracts the archive in the job input, downloading it first
// when the input is an http(s) URL. Downloaded archives are removed after
// extraction. The pool is verified against the
// configured canvas and indexed. --dest overrides the target, which defaults
// to a directory named after the archive under the pools dir.
func importPoolTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	cfg := appconfig.Get()
	fs := newFlags(j.Command)
	dest := fs.String("dest", "", "")
	noIndex := fs.Bool("no-index", false, "")
	if err := fs.Parse(j.Arguments); err != nil {
		return err
	}
	if j.Input == "" {
		return errors.New("import-pool needs an archive path as input")
	}
	src := j.Input
	if downloads.IsURL(src) {
		var err error
		if src, err = fetchArchive(j, q, src); err != nil {
			return err
		}
		defer os.Remove(src)
	}
	target := firstNonEmpty(*dest, filepath.Join(platform.PoolsDir(), archiveBase(src)))

	root, entries, err := archive.ImportPool(src, target, cfg.Geometry.Width, cfg.Geometry.Height,
		func(p archive.Progress) {
			q.UpdateProgress(j.ID, p.Done, p.Total)
			q.PushJobStdout(j.ID, p.Message)
		})
	if err != nil {
		return err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Imported %d stimuli into %s", len(entries), root))

	res := PoolResult{Dir: root, Manifest: filepath.Join(root, pool.ManifestName), Stimuli: len(entries)}
	if !*noIndex {
		n, err := indexEntries(j, q, root, entries)
		if err != nil {
			return err
		}
		res.Indexed = n
	}
	return q.SetResult(j.ID, res)
}

// publishPoolTask uploads the pool in the job input directory to the
// configured bucket. --prefix overrides the configured key prefix.
func publishPoolTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	cfg := appconfig.Get()
	fs := newFlags(j.Command)
	prefix := fs.String("prefix", cfg.S3.Prefix, "")
	if err := fs.Parse(j.Arguments); err != nil {
		return err
	}
	dir := firstNonEmpty(j.Input, cfg.Pool.OutDir)

	p, err := publish.New(j.Ctx, cfg.S3)
	if err != nil {
		return err
	}
	return publishWith(p, j, q, dir, *prefix)
}

func publishWith(p *publish.Publisher, j *jobqueue.Job, q *jobqueue.Queue, dir, prefix string) error {
	p.Logger = jobLogger(j)
	p.Progress = func(done, total int, key string) {
		q.UpdateProgress(j.ID, done, total)
		if done%20 == 0 || done == total {
			q.PushJobStdout(j.ID, fmt.Sprintf("%d/%d %s", done, total, key))
		}
	}
	res, err := p.PublishPool(j.Ctx, dir, prefix)
	if err != nil {
		return err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Published %d objects to s3://%s/%s", res.Uploaded, res.Bucket, strings.Trim(res.Prefix, "/")))
	return q.SetResult(j.ID, res)
}
