package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// resolveProgram turns the configured program into an executable path. Bare
// names are looked up on the task's PATH, which may be overridden by its
// environment overlay.
func resolveProgram(program, workdir string, env map[string]string) (string, error) {
	if strings.ContainsAny(program, `/\`) {
		candidate := program
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(workdir, candidate)
		}
		resolved, err := exec.LookPath(candidate)
		if err != nil {
			return "", fmt.Errorf("%q is not executable: %w", program, err)
		}
		return filepath.Clean(resolved), nil
	}

	searchPath, ok := env["PATH"]
	if !ok {
		searchPath = os.Getenv("PATH")
	}
	for _, dir := range filepath.SplitList(searchPath) {
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workdir, dir)
		}
		if resolved, err := exec.LookPath(filepath.Join(dir, program)); err == nil {
			return filepath.Clean(resolved), nil
		}
	}
	return "", fmt.Errorf("%q not found in PATH: %w", program, exec.ErrNotFound)
}
