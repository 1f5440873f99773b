//go:build !windows

package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	sentinelRoleEnv  = "_LAUNCHPAD_SENTINEL_ROLE"
	sentinelRole     = "sentinel"
	sentinelArg      = "__sentinel"
	sentinelExitWait = 2 * time.Second
)

// A binary linking this package becomes the sentinel when re-executed with
// the role variable set, before main or TestMain run.
func init() {
	if os.Getenv(sentinelRoleEnv) != sentinelRole {
		return
	}
	signal.Ignore(syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT)
	if err := runSentinel(os.Stdin, newSentinelRegistry()); err != nil {
		fmt.Fprintln(os.Stderr, "launchpad sentinel:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// sentinel is the launcher's handle on a re-executed copy of the current
// binary. The copy reads registrations from a pipe and, when the pipe reaches
// EOF, kills everything still registered. The launcher dying for any reason
// closes the pipe.
type sentinel struct {
	logger *slog.Logger
	pid    int
	exited chan struct{}

	mu     sync.Mutex
	w      *os.File
	broken bool
}

func startSentinel(logger *slog.Logger) (*sentinel, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sentinel pipe: %w", err)
	}
	cmd := exec.Command(exe, sentinelArg)
	cmd.Stdin = r
	cmd.Env = append(os.Environ(), sentinelRoleEnv+"="+sentinelRole)
	// A session of its own keeps terminal signals aimed at the launcher away.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("start sentinel: %w", err)
	}
	r.Close()

	s := &sentinel{logger: logger, pid: cmd.Process.Pid, exited: make(chan struct{}), w: w}
	go func() {
		_ = cmd.Wait()
		close(s.exited)
	}()
	logger.Debug("orphan sentinel started", "pid", s.pid)
	return s, nil
}

func (s *sentinel) send(op, arg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.broken {
		return
	}
	if _, err := fmt.Fprintf(s.w, "%s %s\n", op, arg); err != nil {
		s.broken = true
		s.logger.Warn("orphan sentinel unreachable, descendants may outlive a killed launcher", "pid", s.pid, "error", err)
	}
}

func (s *sentinel) addGroup(pgid int)     { s.send("+group", strconv.Itoa(pgid)) }
func (s *sentinel) removeGroup(pgid int)  { s.send("-group", strconv.Itoa(pgid)) }
func (s *sentinel) addCgroup(path string) { s.send("+cgroup", path) }

// close ends the pipe and waits briefly for the sentinel to finish. Anything
// still registered at that point is killed.
func (s *sentinel) close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	w := s.w
	s.w = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	select {
	case <-s.exited:
	case <-time.After(sentinelExitWait):
		s.logger.Warn("orphan sentinel still running after close", "pid", s.pid)
	}
	return err
}

type sentinelRegistry struct {
	groups  map[int]struct{}
	cgroups map[string]struct{}

	killGroup  func(pgid int) error
	killCgroup func(path string) error
}

func newSentinelRegistry() *sentinelRegistry {
	return &sentinelRegistry{
		groups:     make(map[int]struct{}),
		cgroups:    make(map[string]struct{}),
		killGroup:  func(pgid int) error { return signalGroup(pgid, unix.SIGKILL) },
		killCgroup: killCgroupTree,
	}
}

func (r *sentinelRegistry) apply(line string) error {
	op, arg, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok || arg == "" {
		return fmt.Errorf("malformed registration %q", line)
	}
	switch op {
	case "+group", "-group":
		pgid, err := strconv.Atoi(arg)
		if err != nil || pgid <= 1 {
			return fmt.Errorf("invalid process group %q", arg)
		}
		if op == "+group" {
			r.groups[pgid] = struct{}{}
		} else {
			delete(r.groups, pgid)
		}
	case "+cgroup":
		r.cgroups[arg] = struct{}{}
	default:
		return fmt.Errorf("unknown registration %q", op)
	}
	return nil
}

func (r *sentinelRegistry) killAll() error {
	var errs []error
	for _, pgid := range slices.Sorted(maps.Keys(r.groups)) {
		if err := r.killGroup(pgid); err != nil {
			errs = append(errs, fmt.Errorf("kill process group %d: %w", pgid, err))
		}
	}
	for _, path := range slices.Sorted(maps.Keys(r.cgroups)) {
		if err := r.killCgroup(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runSentinel applies registrations until in reaches EOF, then kills
// whatever is still registered.
func runSentinel(in io.Reader, reg *sentinelRegistry) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		_ = reg.apply(scanner.Text())
	}
	return reg.killAll()
}
