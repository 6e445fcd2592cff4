//go:build linux

package platform

import (
	"path/filepath"
	"testing"
)

func TestXDGDirectories(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	t.Setenv("XDG_CACHE_HOME", "/xdg/cache")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"data", GetDataDir(), "/xdg/data/haploscope"},
		{"cache", GetCacheDir(), "/xdg/cache/haploscope"},
		{"temp", GetTempDir(), "/run/user/1000/haploscope"},
		{"pools", PoolsDir(), "/xdg/data/haploscope/pools"},
		{"log", LogPath(), filepath.Join("/xdg/data/haploscope", "logs", "haploscope.log")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s dir = %q; want %q", tt.name, tt.got, tt.want)
		}
	}
}
