package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrChecksumMismatch is returned when a model file does not hash to the
// configured value.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ComputeSHA256 hashes a file and returns the lowercase hex digest.
// Model files are several gigabytes, so the file is streamed.
func ComputeSHA256(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file %q: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum compares a file's SHA256 against expected (hex, any case).
// It returns ErrChecksumMismatch, wrapped with both digests, on mismatch.
func VerifyChecksum(path, expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if len(expected) != sha256.Size*2 {
		return fmt.Errorf("invalid SHA256 hash length: expected %d characters, got %d", sha256.Size*2, len(expected))
	}
	if _, err := hex.DecodeString(expected); err != nil {
		return fmt.Errorf("invalid SHA256 hash format: %w", err)
	}

	got, err := ComputeSHA256(path)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("%w: %s has %s, want %s", ErrChecksumMismatch, path, got, expected)
	}
	return nil
}
