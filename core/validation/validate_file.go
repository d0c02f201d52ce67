package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileExistsError reports a model or env file that cannot be used.
type FileExistsError struct {
	Path    string
	Message string
	Err     error
}

func (e *FileExistsError) Error() string {
	return e.Message
}

func (e *FileExistsError) Unwrap() error {
	return e.Err
}

func fileError(path string, err error, format string, args ...any) *FileExistsError {
	return &FileExistsError{Path: path, Message: fmt.Sprintf(format, args...), Err: err}
}

// CheckFileExists stats path and returns the size of the regular file there.
// Every failure is a *FileExistsError.
func CheckFileExists(path string) (int64, error) {
	if path == "" {
		return 0, fileError(path, nil, "file path cannot be empty")
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 0, fileError(path, err, "file not found: %s", path)
	case err != nil:
		return 0, fileError(path, err, "error checking file %s: %v", path, err)
	case info.IsDir():
		return 0, fileError(path, nil, "path is a directory, not a file: %s", path)
	}
	return info.Size(), nil
}
