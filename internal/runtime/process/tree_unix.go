//go:build !windows

package process

import (
	"errors"
	"log/slog"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// pgidTree runs the root as leader of a new process group.
type pgidTree struct {
	task   string
	pgid   int
	scopes *launchScopes
	scope  *cgroupScope
	guard  *sentinel
	logger *slog.Logger
}

func newProcessTree(scopes *launchScopes, guard *sentinel, task string, logger *slog.Logger) processTree {
	return &pgidTree{task: task, scopes: scopes, guard: guard, logger: logger}
}

func (t *pgidTree) configure(cmd *exec.Cmd) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	setParentDeathSignal(attr)
	cmd.SysProcAttr = attr
}

func (t *pgidTree) attach(pid int) error {
	t.pgid = pid
	t.guard.addGroup(pid)
	scope, err := t.scopes.join(t.task, pid)
	if err != nil {
		return err
	}
	t.scope = scope
	if scope != nil {
		t.guard.addCgroup(t.scopes.root())
	}
	return nil
}

func (t *pgidTree) interrupt() error {
	return signalGroup(t.pgid, unix.SIGINT)
}

func (t *pgidTree) kill() error {
	err := signalGroup(t.pgid, unix.SIGKILL)
	return errors.Join(err, t.scope.kill())
}

func (t *pgidTree) alive() bool {
	return groupAlive(t.pgid) || t.scope.populated()
}

// close unregisters the group only once it is empty; a pgid is reused by
// unrelated processes after that.
func (t *pgidTree) close() error {
	if !t.alive() {
		t.guard.removeGroup(t.pgid)
	}
	return t.scope.remove()
}

func signalGroup(pgid int, sig unix.Signal) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func killAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
