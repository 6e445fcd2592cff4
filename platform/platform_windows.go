//go:build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, "."+AppName)
	}
	return filepath.Join(appData, AppDisplayName)
}

// Cache and data share a directory on Windows.
func getCacheDir() string {
	return filepath.Join(getDataDir(), "cache")
}

func getTempDir() string {
	return filepath.Join(os.TempDir(), AppName)
}
