package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v; want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "haploscope.log")
	var console bytes.Buffer
	logger, cleanup, err := New(Config{Path: path, Level: "warn"}, &console)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.With("job", "abc").Debug("debug detail")
	logger.Warn("disk nearly full", "free", 10)
	cleanup()

	if strings.Contains(console.String(), "debug detail") {
		t.Error("console received a record below its level")
	}
	if !strings.Contains(console.String(), "disk nearly full") {
		t.Error("console missed the warning")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	file := string(data)
	if !strings.Contains(file, `"msg":"debug detail"`) || !strings.Contains(file, `"job":"abc"`) {
		t.Errorf("file log = %s", file)
	}
}

func TestNewConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, cleanup, err := New(Config{DisableFile: true, Path: "/unused", ConsoleJSON: true}, &console)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	logger.Info("hello")
	if !strings.HasPrefix(console.String(), "{") {
		t.Errorf("console = %q; want JSON", console.String())
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("New() accepted an unknown level")
	}
}
