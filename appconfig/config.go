package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/stevecastle/haploscope/calibration"
	"github.com/stevecastle/haploscope/display"
	"github.com/stevecastle/haploscope/logging"
	"github.com/stevecastle/haploscope/platform"
	"github.com/stevecastle/haploscope/pool"
	"github.com/stevecastle/haploscope/publish"
	"github.com/stevecastle/haploscope/stereo"
)

// EnvPrefix is prepended to every environment override, e.g.
// HAPLO_GEOMETRY_VIEWING_DISTANCE.
const EnvPrefix = "HAPLO_"

// DefaultProfileName is the calibration profile used when none is named.
const DefaultProfileName = "default"

// GeometryConfig describes the viewing setup. Distances are in meters.
type GeometryConfig struct {
	ViewingDistance float64 `json:"viewingDistance" env:"VIEWING_DISTANCE"`
	IOD             float64 `json:"iod" env:"IOD"`
	MonitorWidthPx  int     `json:"monitorWidthPx" env:"MONITOR_WIDTH_PX"`
	MonitorWidthCm  float64 `json:"monitorWidthCm" env:"MONITOR_WIDTH_CM"`
	Width           int     `json:"width" env:"WIDTH"`
	Height          int     `json:"height" env:"HEIGHT"`
}

// Geometry converts the section into a validated stereo.Geometry.
func (g GeometryConfig) Geometry() (stereo.Geometry, error) {
	return stereo.NewGeometry(g.ViewingDistance, g.IOD,
		stereo.PxPerMFromMonitor(g.MonitorWidthPx, g.MonitorWidthCm), g.Width, g.Height)
}

// PoolConfig holds the generation defaults. Zero Dots or DotRadius scale
// with the canvas width.
type PoolConfig struct {
	OutDir       string    `json:"outDir" env:"OUT_DIR"`
	HalfHeights  []float64 `json:"halfHeights" env:"HALF_HEIGHTS" envSeparator:","`
	DepthFactors []float64 `json:"depthFactors" env:"DEPTH_FACTORS" envSeparator:","`
	Repeats      int       `json:"repeats" env:"REPEATS"`
	Dots         int       `json:"dots" env:"DOTS"`
	DotRadius    float64   `json:"dotRadius" env:"DOT_RADIUS"`
	RidgeWidth   float64   `json:"ridgeWidth" env:"RIDGE_WIDTH"`
	Workers      int       `json:"workers" env:"WORKERS"`
}

// Generator returns a pool generator for g with this section's overrides.
func (p PoolConfig) Generator(g stereo.Geometry) *pool.Generator {
	gen := pool.NewGenerator(g)
	if p.Dots > 0 {
		gen.Dots = p.Dots
	}
	if p.DotRadius > 0 {
		gen.DotRadius = p.DotRadius
	}
	if p.RidgeWidth > 0 {
		gen.RidgeWidth = p.RidgeWidth
	}
	return gen
}

// Options returns the run options writing into outDir, or the configured
// directory when outDir is empty.
func (p PoolConfig) Options(outDir string) pool.Options {
	if outDir == "" {
		outDir = p.OutDir
	}
	return pool.Options{
		OutDir:       outDir,
		HalfHeights:  p.HalfHeights,
		DepthFactors: p.DepthFactors,
		Repeats:      p.Repeats,
		Workers:      p.Workers,
	}
}

// DisplayConfig selects the presentation mode and drawing defaults.
type DisplayConfig struct {
	Mode            string  `json:"mode" env:"MODE"`
	FixationDegrees float64 `json:"fixationDegrees" env:"FIXATION_DEGREES"`
	LineWidth       float64 `json:"lineWidth" env:"LINE_WIDTH"`
	TextScale       int     `json:"textScale" env:"TEXT_SCALE"`
	Foreground      string  `json:"foreground" env:"FOREGROUND"`
	Scaler          string  `json:"scaler" env:"SCALER"`
}

// Renderer builds a display renderer for g sending frames to sink.
func (d DisplayConfig) Renderer(g stereo.Geometry, sink display.Sink) (display.Renderer, error) {
	mode, err := display.ParseMode(d.Mode)
	if err != nil {
		return nil, err
	}
	return display.New(mode, display.Config{
		Geometry:        g,
		FixationDegrees: d.FixationDegrees,
		LineWidth:       d.LineWidth,
		TextScale:       d.TextScale,
		Foreground:      d.Foreground,
		Scaler:          d.Scaler,
	}, sink)
}

// Config holds the database path, server settings, viewing geometry, pool
// defaults, apparatus profiles and publish target.
type Config struct {
	DBPath     string `json:"dbPath" env:"DB_PATH"`
	ListenAddr string `json:"listenAddr" env:"LISTEN_ADDR"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret" env:"JWT_SECRET"`

	Log      logging.Config `json:"log" envPrefix:"LOG_"`
	Geometry GeometryConfig `json:"geometry" envPrefix:"GEOMETRY_"`
	Pool     PoolConfig     `json:"pool" envPrefix:"POOL_"`
	Display  DisplayConfig  `json:"display" envPrefix:"DISPLAY_"`

	// Apparatus constants by name; "default" is always present.
	Profiles map[string]calibration.Profile `json:"profiles"`

	S3 publish.Config `json:"s3" envPrefix:"S3_"`
}

// Profile returns the named apparatus profile, or the default for "".
func (c Config) Profile(name string) (calibration.Profile, error) {
	if name == "" {
		name = DefaultProfileName
	}
	p, ok := c.Profiles[name]
	if !ok {
		if name == DefaultProfileName {
			return calibration.DefaultProfile(), nil
		}
		return calibration.Profile{}, fmt.Errorf("unknown calibration profile %q", name)
	}
	return p, nil
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "haploscope.db")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// defaultConfig returns a Config populated with the lab setup.
func defaultConfig() Config {
	return Config{
		DBPath:     DefaultDBPath(),
		ListenAddr: "127.0.0.1:8090",
		JWTSecret:  uuid.New().String(),
		Log: logging.Config{
			Path:       platform.LogPath(),
			Level:      "info",
			FileLevel:  "debug",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Geometry: GeometryConfig{
			ViewingDistance: 0.5,
			IOD:             0.063,
			MonitorWidthPx:  1920,
			MonitorWidthCm:  34.0,
			Width:           1800,
			Height:          1200,
		},
		Pool: PoolConfig{
			OutDir:       filepath.Join(platform.PoolsDir(), "johnston"),
			HalfHeights:  append([]float64(nil), pool.DefaultHalfHeights...),
			DepthFactors: append([]float64(nil), pool.DefaultDepthFactors...),
			Repeats:      pool.DefaultRepeats,
			RidgeWidth:   pool.DefaultRidgeWidth,
		},
		Display: DisplayConfig{
			Mode:            string(display.DualWindow),
			FixationDegrees: 0.5,
			LineWidth:       2,
			TextScale:       2,
			Foreground:      "white",
			Scaler:          "catmullrom",
		},
		Profiles: map[string]calibration.Profile{
			DefaultProfileName: calibration.DefaultProfile(),
		},
		S3: publish.Config{
			Region:      "us-east-1",
			Concurrency: 4,
		},
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// ApplyEnv overlays HAPLO_* environment variables onto c. Unset variables
// leave the loaded values alone.
func ApplyEnv(c *Config) error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// fillDefaults completes c from def and reports whether a field that must
// persist across runs was missing.
func fillDefaults(c *Config, def Config) (needsSave bool) {
	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.JWTSecret == "" {
		c.JWTSecret = def.JWTSecret
		needsSave = true
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.Log.Path == "" && !c.Log.DisableFile {
		c.Log.Path = def.Log.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = def.Log.MaxSizeMB
	}

	g := &c.Geometry
	if g.ViewingDistance == 0 {
		g.ViewingDistance = def.Geometry.ViewingDistance
	}
	if g.IOD == 0 {
		g.IOD = def.Geometry.IOD
	}
	if g.MonitorWidthPx == 0 {
		g.MonitorWidthPx = def.Geometry.MonitorWidthPx
	}
	if g.MonitorWidthCm == 0 {
		g.MonitorWidthCm = def.Geometry.MonitorWidthCm
	}
	if g.Width == 0 {
		g.Width = def.Geometry.Width
	}
	if g.Height == 0 {
		g.Height = def.Geometry.Height
	}

	p := &c.Pool
	if p.OutDir == "" {
		p.OutDir = def.Pool.OutDir
	}
	if len(p.HalfHeights) == 0 {
		p.HalfHeights = def.Pool.HalfHeights
	}
	if len(p.DepthFactors) == 0 {
		p.DepthFactors = def.Pool.DepthFactors
	}
	if p.Repeats == 0 {
		p.Repeats = def.Pool.Repeats
	}
	if p.RidgeWidth == 0 {
		p.RidgeWidth = def.Pool.RidgeWidth
	}

	if c.Display.Mode == "" {
		c.Display.Mode = def.Display.Mode
	}
	if c.Display.Scaler == "" {
		c.Display.Scaler = def.Display.Scaler
	}

	if c.Profiles == nil {
		c.Profiles = map[string]calibration.Profile{}
	}
	if _, ok := c.Profiles[DefaultProfileName]; !ok {
		c.Profiles[DefaultProfileName] = def.Profiles[DefaultProfileName]
		needsSave = true
	}

	if c.S3.Region == "" {
		c.S3.Region = def.S3.Region
	}
	if c.S3.Concurrency == 0 {
		c.S3.Concurrency = def.S3.Concurrency
	}
	return needsSave
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	configDir := DefaultConfigDir()
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the config from the platform data directory. See LoadFrom.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}
	c, err := LoadFrom(path)
	return c, path, err
}

// LoadFrom reads the config at path and updates the in-memory config. If the
// file doesn't exist, it creates one with default values. Environment
// overrides are applied last and never written back.
func LoadFrom(path string) (Config, error) {
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, fmt.Errorf("failed to create config directory %s: %v", configDir, err)
	}

	data, err := os.ReadFile(path)
	var c Config
	switch {
	case os.IsNotExist(err):
		c = defaultConfig()
		if err := SaveTo(path, c); err != nil {
			return Config{}, fmt.Errorf("failed to create default config file: %v", err)
		}
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config file at %s: %v", path, err)
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config JSON: %v", err)
		}
		if fillDefaults(&c, defaultConfig()) {
			if saveErr := SaveTo(path, c); saveErr != nil {
				// continue with the in-memory config
				slog.Warn("failed to save updated config", "path", path, "error", saveErr)
			}
		}
	}

	if err := ApplyEnv(&c); err != nil {
		return Config{}, err
	}

	dbDir := filepath.Dir(c.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return Config{}, fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
	}

	Set(c)
	return c, nil
}

// Save writes the config to the platform data directory. Returns the path.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	return path, SaveTo(path, c)
}

// SaveTo writes c to path, merged over whatever the file already holds so
// keys this version does not know survive.
func SaveTo(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return nil
}
