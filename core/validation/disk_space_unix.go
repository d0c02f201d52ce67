//go:build !windows

package validation

import "syscall"

// getDiskSpace returns total and free bytes using statfs. Free counts only
// blocks available to unprivileged users.
func getDiskSpace(path string) (total, free uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}
