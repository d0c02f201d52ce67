package validation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// DiskSpaceInfo describes the filesystem holding a path.
type DiskSpaceInfo struct {
	Path        string
	Total       uint64
	Free        uint64
	UsedPercent float64
}

// DiskSpaceError indicates a disk space problem.
type DiskSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %s, have %s free",
		e.Path, humanize.IBytes(e.Required), humanize.IBytes(e.Available))
}

// MinHistoryFreeBytes is the free space wanted under the data directory
// before history is written.
const MinHistoryFreeBytes uint64 = 256 * humanize.MiByte

// GetDiskSpace returns disk space information for the filesystem containing
// path. A path that does not exist yet is resolved through its parents.
func GetDiskSpace(path string) (*DiskSpaceInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if parent := filepath.Dir(path); parent != path {
				return GetDiskSpace(parent)
			}
		}
		return nil, fmt.Errorf("cannot access path %s: %w", path, err)
	}
	if !info.IsDir() {
		path = filepath.Dir(path)
	}

	total, free, err := getDiskSpace(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk space for %s: %w", path, err)
	}

	var usedPercent float64
	if total > 0 {
		usedPercent = float64(total-free) / float64(total) * 100
	}
	return &DiskSpaceInfo{Path: path, Total: total, Free: free, UsedPercent: usedPercent}, nil
}

// CheckDiskSpace verifies there is at least required bytes free at path.
func CheckDiskSpace(path string, required uint64) (*DiskSpaceInfo, error) {
	info, err := GetDiskSpace(path)
	if err != nil {
		return nil, err
	}
	if info.Free < required {
		return info, &DiskSpaceError{Path: info.Path, Required: required, Available: info.Free}
	}
	return info, nil
}
