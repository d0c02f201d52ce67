package core

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the application name used in data directory paths.
const AppName = "llama-box"

// DataDirectory returns the directory for generation history and other
// persistent state. LLAMA_BOX_DATA_DIR overrides the platform default:
//   - Windows: %APPDATA%\llama-box
//   - Linux/macOS: ~/.llama-box
//
// It does not create the directory; see EnsureDataDirectory.
func DataDirectory() string {
	if dir := GetEnvOrDefault("LLAMA_BOX_DATA_DIR", ""); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "AppData", "Roaming", AppName)
	}
	return filepath.Join(home, "."+AppName)
}

// DataFilePath joins filename onto the data directory.
func DataFilePath(filename string) string {
	return filepath.Join(DataDirectory(), filename)
}

// EnsureDataDirectory creates the data directory with owner-only permissions.
func EnsureDataDirectory() (string, error) {
	dir := DataDirectory()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
