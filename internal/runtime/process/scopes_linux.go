package process

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// EnvCgroup disables cgroup scopes when set to "0".
const EnvCgroup = "LAUNCHPAD_CGROUP"

const (
	cgroupRoot        = "/sys/fs/cgroup"
	cgroupRemoveTries = 20
	cgroupRemoveDelay = 50 * time.Millisecond
)

// launchScopes owns the per-launch parent cgroup under the launcher's own
// cgroup. It is created lazily on the first task start.
type launchScopes struct {
	logger   *slog.Logger
	disabled bool

	once sync.Once
	path string
}

func newLaunchScopes(logger *slog.Logger) *launchScopes {
	return &launchScopes{logger: logger, disabled: os.Getenv(EnvCgroup) == "0"}
}

func (s *launchScopes) parent() string {
	s.once.Do(func() {
		if s.disabled {
			return
		}
		own, err := ownCgroup()
		if err != nil {
			s.logger.Debug("cgroup v2 unavailable, using process groups only", "error", err)
			return
		}
		path := filepath.Join(cgroupRoot, own, "launchpad-"+strconv.Itoa(os.Getpid()))
		if err := os.Mkdir(path, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			s.logger.Debug("cannot create launch cgroup, using process groups only", "path", path, "error", err)
			return
		}
		s.path = path
	})
	return s.path
}

// root is the launch cgroup, or "" when cgroups are not in use.
func (s *launchScopes) root() string {
	return s.parent()
}

// join moves pid into a fresh scope for one task run. A nil scope with a nil
// error means cgroups are not in use.
func (s *launchScopes) join(task string, pid int) (*cgroupScope, error) {
	parent := s.parent()
	if parent == "" {
		return nil, nil
	}
	dir := filepath.Join(parent, fmt.Sprintf("%s-%d", scopeName(task), pid))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = os.Remove(dir)
		return nil, fmt.Errorf("move pid %d into %s: %w", pid, dir, err)
	}
	return &cgroupScope{path: dir}, nil
}

func (s *launchScopes) close() error {
	if s.path == "" {
		return nil
	}
	scope := &cgroupScope{path: s.path}
	if scope.populated() {
		_ = scope.kill()
	}
	return scope.remove()
}

type cgroupScope struct {
	path string
}

func (c *cgroupScope) populated() bool {
	if c == nil {
		return false
	}
	return len(c.pids()) > 0
}

func (c *cgroupScope) pids() []int {
	f, err := os.Open(filepath.Join(c.path, "cgroup.procs"))
	if err != nil {
		return nil
	}
	defer f.Close()
	var pids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (c *cgroupScope) kill() error {
	if c == nil {
		return nil
	}
	if err := os.WriteFile(filepath.Join(c.path, "cgroup.kill"), []byte("1"), 0o644); err == nil {
		return nil
	}
	// cgroup.kill needs Linux 5.14; fall back to signalling each member.
	var errs []error
	for _, pid := range c.pids() {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *cgroupScope) remove() error {
	if c == nil {
		return nil
	}
	var err error
	for i := 0; i < cgroupRemoveTries; i++ {
		err = os.Remove(c.path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			break
		}
		time.Sleep(cgroupRemoveDelay)
	}
	return fmt.Errorf("remove cgroup %s: %w", c.path, err)
}

func ownCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			rest = strings.TrimSpace(rest)
			if rest == "" {
				return "", errors.New("empty cgroup path")
			}
			if _, err := os.Stat(filepath.Join(cgroupRoot, rest, "cgroup.procs")); err != nil {
				return "", err
			}
			return rest, nil
		}
	}
	return "", errors.New("no cgroup v2 entry in /proc/self/cgroup")
}

func scopeName(task string) string {
	var b strings.Builder
	for _, r := range task {
		if r == '/' || r == '\n' || r == 0 {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// killCgroupTree kills every process below path, deepest scope first, and
// removes the directories. A missing path is not an error.
func killCgroupTree(path string) error {
	var dirs []string
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	var errs []error
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := (&cgroupScope{path: dirs[i]}).kill(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := (&cgroupScope{path: dirs[i]}).remove(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
