package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stevecastle/haploscope/auth"
	"github.com/stevecastle/haploscope/calibration"
	"github.com/stevecastle/haploscope/catalog"
	"github.com/stevecastle/haploscope/display"
	"github.com/stevecastle/haploscope/jobqueue"
	"github.com/stevecastle/haploscope/preview"
	"github.com/stevecastle/haploscope/raster"
	"github.com/stevecastle/haploscope/stream"
	"github.com/stevecastle/haploscope/tasks"
)

const (
	defaultPageSize    = 100
	maxPageSize        = 1000
	defaultPreviewSize = 800
)

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, img); err != nil {
		slog.Error("encoding png", "error", err)
	}
}

// -----------------------------------------------------------------------------
// Health, login and tasks
// -----------------------------------------------------------------------------

func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		jobStats := map[string]int{"total": 0}
		for _, job := range deps.Queue.GetJobs() {
			jobStats["total"]++
			jobStats[job.State.String()]++
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"stream":    stream.Default().Stats(),
			"jobs":      jobStats,
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func loginHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var req loginRequest
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		token, err := deps.Auth.Login(req.Username, req.Password)
		if errors.Is(err, auth.ErrInvalidCreds) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

type TaskInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Lane string `json:"lane"`
}

func tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		list := tasks.List()
		out := make([]TaskInfo, len(list))
		for i, t := range list {
			out[i] = TaskInfo{ID: t.ID, Name: t.Name, Lane: jobqueue.LaneFor(t.ID)}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
	}
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// jobsHandler lists jobs on GET and queues one on POST.
func jobsHandler(deps *Dependencies) http.HandlerFunc {
	create := createJobHandler(deps)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"jobs": deps.Queue.GetJobs()})
		case http.MethodPost:
			create(w, r)
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func detailHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := deps.Queue.Snapshot(r.PathValue("id"))
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": job, "stdout": job.Stdout})
	}
}

// CreateJobRequest queues one job. Line is a shell-like shortcut such as
// `generate-pool --repeats 5`; when set it supplies Command and Arguments.
type CreateJobRequest struct {
	Line         string   `json:"line"`
	Command      string   `json:"command"`
	Arguments    []string `json:"arguments"`
	Input        string   `json:"input"`
	Dependencies []string `json:"dependencies"`
}

func createJobHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}

		var req CreateJobRequest
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Line != "" {
			args := ParseCommand(req.Line)
			if len(args) > 0 {
				req.Command, req.Arguments = args[0], args[1:]
			}
		}
		if req.Command == "" {
			http.Error(w, "Invalid input", http.StatusBadRequest)
			return
		}
		if _, ok := tasks.GetTasks()[req.Command]; !ok {
			http.Error(w, fmt.Sprintf("unknown task %q", req.Command), http.StatusBadRequest)
			return
		}

		id, err := deps.Queue.AddJob(req.Command, req.Arguments, req.Input, req.Dependencies)
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func cancelHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.CancelJob(r.PathValue("id")); err != nil {
			status := http.StatusConflict
			if errors.Is(err, jobqueue.ErrJobNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job cancelled successfully"))
	}
}

func copyHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		newID, err := deps.Queue.CopyJob(r.PathValue("id"))
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": newID, "message": "Job copied successfully"})
	}
}

func removeHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.RemoveJob(r.PathValue("id")); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, jobqueue.ErrJobNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job removed successfully"))
	}
}

func clearNonRunningJobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		cleared, err := deps.Queue.ClearNonRunningJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cleared_count": cleared,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", cleared),
		})
	}
}

// -----------------------------------------------------------------------------
// Calibration
// -----------------------------------------------------------------------------

// calibrationFromQuery reads iod (mm) plus focal (mm) or viewing (cm).
func calibrationFromQuery(deps *Dependencies, r *http.Request) (calibration.Calibration, error) {
	q := r.URL.Query()
	parse := func(key string) (float64, error) {
		s := q.Get(key)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, s)
		}
		return v, nil
	}
	iod, err := parse("iod")
	if err != nil {
		return calibration.Calibration{}, err
	}
	focal, err := parse("focal")
	if err != nil {
		return calibration.Calibration{}, err
	}
	viewing, err := parse("viewing")
	if err != nil {
		return calibration.Calibration{}, err
	}
	if focal == 0 && viewing != 0 {
		focal = calibration.FocalDistanceFromViewing(viewing)
	}
	if iod == 0 || focal == 0 {
		return calibration.Calibration{}, errors.New("iod and focal or viewing are required")
	}
	profile, err := deps.Config.Profile(q.Get("profile"))
	if err != nil {
		return calibration.Calibration{}, err
	}
	return profile.Calibrate(iod, focal), nil
}

func calibrationHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := calibrationFromQuery(deps, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"calibration": c,
			"lines":       c.Lines(),
		})
	}
}

// calibrationCardHandler renders the operator card one eye would see.
func calibrationCardHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := calibrationFromQuery(deps, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		img, err := renderCard(deps, c)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writePNG(w, img)
	}
}

func renderCard(deps *Dependencies, c calibration.Calibration) (*image.Gray, error) {
	g, err := deps.Config.Geometry.Geometry()
	if err != nil {
		return nil, err
	}
	rec := &display.Recorder{}
	rd, err := deps.Config.Display.Renderer(g, rec)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	if err := rd.DrawText(display.CalibrationCard(c)); err != nil {
		return nil, err
	}
	if err := rd.Present(); err != nil {
		return nil, err
	}
	if len(rec.Frames) == 0 {
		return nil, errors.New("renderer presented no frame")
	}
	return rec.Frames[0].Image, nil
}

// -----------------------------------------------------------------------------
// Stimulus catalog
// -----------------------------------------------------------------------------

func parseOptionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func stimuliHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		f := catalog.Filter{PoolDir: q.Get("pool"), Query: q.Get("q")}
		var err error
		if f.HalfHeight, err = parseOptionalFloat(q.Get("half_height")); err != nil {
			http.Error(w, "invalid half_height", http.StatusBadRequest)
			return
		}
		if f.DepthFactor, err = parseOptionalFloat(q.Get("depth_factor")); err != nil {
			http.Error(w, "invalid depth_factor", http.StatusBadRequest)
			return
		}

		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 {
			limit = defaultPageSize
		}
		limit = min(limit, maxPageSize)

		items, hasMore, err := catalog.GetItems(deps.DB, f, offset, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, catalog.APIResponse{Items: items, HasMore: hasMore})
	}
}

func poolsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pools, err := catalog.Pools(deps.DB)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pools": pools})
	}
}

// previewHandler serves a side-by-side or anaglyph view of one stimulus.
// Renderings are cached under deps.PreviewCache when it is set.
func previewHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		item, err := catalog.GetItem(deps.DB, q.Get("pool"), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if item == nil || !item.Exists {
			http.Error(w, "stimulus not found", http.StatusNotFound)
			return
		}

		mode := q.Get("mode")
		width := uint(defaultPreviewSize)
		if v, perr := strconv.ParseUint(q.Get("width"), 10, 32); perr == nil {
			width = uint(v)
		}
		cachePath := previewCachePath(deps.PreviewCache, item, mode, width)
		if cachePath != "" {
			if data, err := os.ReadFile(cachePath); err == nil {
				w.Header().Set("Content-Type", "image/png")
				w.Write(data)
				return
			}
		}

		left, err := raster.ReadPNG(item.LeftPath())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		right, err := raster.ReadPNG(item.RightPath())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		var img image.Image
		if mode == "anaglyph" {
			img, err = preview.Anaglyph(left, right)
		} else {
			img, err = preview.SideBySide(left, right, width)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if cachePath == "" {
			writePNG(w, img)
			return
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := writeCacheFile(cachePath, buf.Bytes()); err != nil {
			slog.Warn("caching preview", "path", cachePath, "error", err)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}
}

// previewCachePath names the cached rendering of item. The left image's
// modification time is part of the key so regenerated pools miss the cache.
// It returns "" when caching is off.
func previewCachePath(dir string, item *catalog.Item, mode string, width uint) string {
	if dir == "" {
		return ""
	}
	info, err := os.Stat(item.LeftPath())
	if err != nil {
		return ""
	}
	key := fmt.Sprintf("%s|%s|%s|%d|%d", item.PoolDir, item.StimulusID, mode, width, info.ModTime().UnixNano())
	return filepath.Join(dir, fmt.Sprintf("%016x.png", xxhash.Sum64String(key)))
}

func writeCacheFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
