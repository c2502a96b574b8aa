package process

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile atomically replaces path with pid. An empty path is a no-op.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return writeFileAtomic(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile returns the pid stored by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// RemovePIDFile is best-effort; a missing file is not an error.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
