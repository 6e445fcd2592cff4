// Package logging sets up the process logger: readable text on the console
// and rotating JSON in the log file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls both outputs.
type Config struct {
	Path        string `json:"path" env:"PATH"`
	Level       string `json:"level" env:"LEVEL"`           // console
	FileLevel   string `json:"fileLevel" env:"FILE_LEVEL"`  // file, default debug
	MaxSizeMB   int    `json:"maxSizeMb" env:"MAX_SIZE_MB"` // rotate after this size
	MaxBackups  int    `json:"maxBackups" env:"MAX_BACKUPS"`
	MaxAgeDays  int    `json:"maxAgeDays" env:"MAX_AGE_DAYS"`
	Compress    bool   `json:"compress" env:"COMPRESS"`
	ConsoleJSON bool   `json:"consoleJson" env:"CONSOLE_JSON"`
	DisableFile bool   `json:"disableFile" env:"DISABLE_FILE"`
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// multiHandler dispatches each record to every handler that accepts its
// level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

// New builds a logger writing to console and, unless disabled, to the
// rotating file at cfg.Path. The returned cleanup closes the file.
func New(cfg Config, console io.Writer) (*slog.Logger, func(), error) {
	consoleLevel, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: consoleLevel}
	var consoleHandler slog.Handler = slog.NewTextHandler(console, opts)
	if cfg.ConsoleJSON {
		consoleHandler = slog.NewJSONHandler(console, opts)
	}
	handlers := []slog.Handler{consoleHandler}
	cleanup := func() {}

	if !cfg.DisableFile && cfg.Path != "" {
		fileLevel, err := ParseLevel(cfg.FileLevel)
		if err != nil {
			return nil, nil, err
		}
		if cfg.FileLevel == "" {
			fileLevel = slog.LevelDebug
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    max(cfg.MaxSizeMB, 1),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		handlers = append(handlers, slog.NewJSONHandler(lj, &slog.HandlerOptions{
			Level:     fileLevel,
			AddSource: true,
		}))
		cleanup = func() {
			if err := lj.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
			}
		}
	}
	return slog.New(&multiHandler{handlers: handlers}), cleanup, nil
}

// Init installs the logger from New as the slog default. The standard log
// package is routed through it as well.
func Init(cfg Config) (func(), error) {
	logger, cleanup, err := New(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}
