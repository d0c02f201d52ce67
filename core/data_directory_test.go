package core

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestDataDirectory_Override(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLAMA_BOX_DATA_DIR", dir)

	if got := DataDirectory(); got != dir {
		t.Errorf("DataDirectory() = %q, want %q", got, dir)
	}
	if got := DataFilePath("history.db"); got != filepath.Join(dir, "history.db") {
		t.Errorf("DataFilePath() = %q", got)
	}
}

func TestDataDirectory_PlatformDefault(t *testing.T) {
	t.Setenv("LLAMA_BOX_DATA_DIR", "")
	dir := DataDirectory()

	switch runtime.GOOS {
	case "windows":
		if !strings.Contains(dir, AppName) {
			t.Errorf("Windows path %q should contain %q", dir, AppName)
		}
	default:
		if !strings.HasSuffix(dir, ".llama-box") {
			t.Errorf("Unix path %q should end with .llama-box", dir)
		}
	}
}

func TestEnsureDataDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("LLAMA_BOX_DATA_DIR", dir)

	got, err := EnsureDataDirectory()
	if err != nil {
		t.Fatalf("EnsureDataDirectory() error: %v", err)
	}
	if got != dir {
		t.Errorf("EnsureDataDirectory() = %q, want %q", got, dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("data directory not created: %v", err)
	}
}
