// Package platform resolves per-OS directories for the toolkit's config,
// database, logs and imported pools.
package platform

import "path/filepath"

// AppName is the directory name on Linux and in caches.
const AppName = "haploscope"

// AppDisplayName is the directory name on Windows and macOS.
const AppDisplayName = "Haploscope"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Haploscope
// macOS: ~/Library/Application Support/Haploscope
// Linux: $XDG_DATA_HOME/haploscope or ~/.local/share/haploscope
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the directory for rebuildable files such as preview
// thumbnails.
func GetCacheDir() string {
	return getCacheDir()
}

// GetTempDir returns a scratch directory for downloaded archives.
func GetTempDir() string {
	return getTempDir()
}

// PoolsDir is the default parent directory for generated and imported pools.
func PoolsDir() string {
	return filepath.Join(GetDataDir(), "pools")
}

// LogPath is the default rotating log file.
func LogPath() string {
	return filepath.Join(GetDataDir(), "logs", AppName+".log")
}
