//go:build !windows

package shutdown

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

type markerFile struct {
	path string
}

func newPlatformEvent(name string) (platformEvent, error) {
	dir, err := markerDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name+".exit")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("clear stale marker: %w", err)
	}
	return &markerFile{path: path}, nil
}

// markerDir returns a directory only the current user can write to.
func markerDir() (string, error) {
	var dir string
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		dir = filepath.Join(runtimeDir, "launchpad")
	} else {
		dir = filepath.Join(os.TempDir(), "launchpad-"+strconv.Itoa(os.Getuid()))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create marker directory: %w", err)
	}
	info, err := os.Lstat(dir)
	if err != nil {
		return "", fmt.Errorf("stat marker directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("marker directory %s is not a directory", dir)
	}
	if info.Mode().Perm()&0o022 != 0 {
		return "", fmt.Errorf("marker directory %s is writable by other users", dir)
	}
	return dir, nil
}

func (m *markerFile) value() string {
	return m.path
}

func (m *markerFile) set() error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func (m *markerFile) close() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
