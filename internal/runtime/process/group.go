package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/Paintersrp/launchpad/internal/runtime"
	"github.com/Paintersrp/launchpad/internal/shutdown"
)

const (
	defaultPollInterval   = 50 * time.Millisecond
	defaultResendInterval = time.Second
	defaultKillTimeout    = 5 * time.Second
)

// processTree is the platform mechanism binding a root process and its
// descendants into one unit.
type processTree interface {
	configure(cmd *exec.Cmd)
	// attach runs right after the root has been created.
	attach(pid int) error
	interrupt() error
	kill() error
	alive() bool
	close() error
}

// Group owns the process tree of one task run.
type Group struct {
	name     string
	tree     processTree
	signaler shutdown.Signaler
	rootDone <-chan struct{}
	logger   *slog.Logger

	pollInterval   time.Duration
	resendInterval time.Duration
	killTimeout    time.Duration

	mu         sync.Mutex
	terminated bool
}

func newGroup(name string, tree processTree, signaler shutdown.Signaler, rootDone <-chan struct{}, logger *slog.Logger) *Group {
	return &Group{
		name:           name,
		tree:           tree,
		signaler:       signaler,
		rootDone:       rootDone,
		logger:         logger,
		pollInterval:   defaultPollInterval,
		resendInterval: defaultResendInterval,
		killTimeout:    defaultKillTimeout,
	}
}

// Alive reports whether any member of the tree is still running.
func (g *Group) Alive() bool {
	select {
	case <-g.rootDone:
	default:
		return true
	}
	return g.tree.alive()
}

// RequestGracefulExit sets the task's shutdown event and interrupts the tree.
func (g *Group) RequestGracefulExit() error {
	var errs []error
	if g.signaler != nil {
		if err := g.signaler.Signal(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", runtime.ErrSignalDelivery, err))
		}
	}
	if err := g.tree.interrupt(); err != nil {
		errs = append(errs, fmt.Errorf("interrupt %s: %w", g.name, err))
	}
	return errors.Join(errs...)
}

// Terminate kills every member of the tree and waits for it to disappear.
func (g *Group) Terminate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forceLocked()
}

// TerminateAll asks the tree to exit and kills it once grace has elapsed.
// The interrupt is repeated every second because some programs only honour
// a second request. The returned error wraps runtime.ErrTerminationTimeout
// when the kill was needed and runtime.ErrKillFailed when even that failed.
func (g *Group) TerminateAll(ctx context.Context, grace time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.terminated || !g.Alive() {
		g.terminated = true
		return nil
	}

	if err := g.RequestGracefulExit(); err != nil {
		g.logger.Warn("graceful exit request incomplete", "task", g.name, "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	poll := time.NewTicker(g.pollInterval)
	defer poll.Stop()
	resend := time.NewTicker(g.resendInterval)
	defer resend.Stop()

	for {
		select {
		case <-poll.C:
			if !g.Alive() {
				g.terminated = true
				return nil
			}
		case <-resend.C:
			if err := g.tree.interrupt(); err != nil {
				g.logger.Debug("repeat interrupt failed", "task", g.name, "error", err)
			}
		case <-graceTimer.C:
			g.logger.Warn("task did not exit within grace period, killing", "task", g.name, "grace", grace)
			if err := g.forceLocked(); err != nil {
				return err
			}
			return fmt.Errorf("%s: %w after %s", g.name, runtime.ErrTerminationTimeout, grace)
		case <-ctx.Done():
			g.logger.Warn("termination cancelled, killing", "task", g.name, "error", ctx.Err())
			if err := g.forceLocked(); err != nil {
				return err
			}
			return fmt.Errorf("%s: %w: %v", g.name, runtime.ErrTerminationTimeout, ctx.Err())
		}
	}
}

// reap kills members left behind by an exited root.
func (g *Group) reap() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tree.alive() {
		g.terminated = true
		return nil
	}
	g.logger.Debug("killing leftover descendants", "task", g.name)
	return g.forceLocked()
}

func (g *Group) forceLocked() error {
	if err := g.tree.kill(); err != nil {
		g.logger.Error("kill process tree", "task", g.name, "error", err)
	}
	deadline := time.NewTimer(g.killTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(g.pollInterval)
	defer poll.Stop()
	for {
		if !g.Alive() {
			g.terminated = true
			return nil
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			return fmt.Errorf("%s: %w", g.name, runtime.ErrKillFailed)
		}
	}
}

func (g *Group) close() error {
	var errs []error
	if g.signaler != nil {
		if err := g.signaler.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.tree.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
