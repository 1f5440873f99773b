package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Log sources attached to captured output lines.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "launchpad"
)

var (
	// ErrTerminationTimeout reports that a process tree ignored the graceful
	// exit request and had to be killed. It is a warning, not a failure.
	ErrTerminationTimeout = errors.New("graceful exit timed out")
	// ErrSignalDelivery reports that the graceful exit notification could not
	// be created or delivered.
	ErrSignalDelivery = errors.New("graceful exit signal unavailable")
	// ErrKillFailed reports that a process tree survived forceful termination.
	ErrKillFailed = errors.New("process tree survived forceful termination")
)

// StartSpec describes a single process launch.
type StartSpec struct {
	LaunchID string
	Group    string
	Name     string
	Program  string
	Args     []string
	Workdir  string
	// Env is overlaid onto the launcher's own environment.
	Env map[string]string
}

// OutputFunc receives captured output lines in emission order per source.
type OutputFunc func(source, line string)

// ExitResult captures how a process ended.
type ExitResult struct {
	Code     int
	Signal   string
	Err      error
	ExitedAt time.Time
}

// Success reports whether the process exited normally with code zero.
func (r ExitResult) Success() bool {
	return r.Err == nil && r.Signal == "" && r.Code == 0
}

func (r ExitResult) String() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("wait failed: %v", r.Err)
	case r.Signal != "":
		return fmt.Sprintf("terminated by signal %s (code %d)", r.Signal, r.Code)
	default:
		return fmt.Sprintf("exit code %d", r.Code)
	}
}

// Handle controls one started process and the tree it spawns.
type Handle interface {
	// PID returns the operating system id of the root process.
	PID() int
	// Done is closed once the root process has exited.
	Done() <-chan struct{}
	// Wait blocks until the root process exits or ctx is cancelled.
	Wait(ctx context.Context) (ExitResult, error)
	// RequestGracefulExit asks the whole tree to exit without forcing it.
	RequestGracefulExit() error
	// Terminate forcefully kills every process in the tree.
	Terminate() error
	// TerminateAll requests a graceful exit and kills whatever remains once
	// grace has elapsed. Calling it again after it returned is a no-op.
	TerminateAll(ctx context.Context, grace time.Duration) error
	// Release kills leftover descendants of an exited root, waits for output
	// to drain and frees native resources. It is safe to call more than once.
	Release() error
}

// Runtime launches processes.
type Runtime interface {
	Start(ctx context.Context, spec StartSpec, output OutputFunc) (Handle, error)
}

// StartError reports that a task's program could not be launched at all.
type StartError struct {
	Task    string
	Program string
	Err     error
}

func (e *StartError) Error() string {
	if e.Program == "" {
		return fmt.Sprintf("start task %s: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("start task %s (%s): %v", e.Task, e.Program, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// IsStartError reports whether err is, or wraps, a StartError.
func IsStartError(err error) bool {
	var startErr *StartError
	return errors.As(err, &startErr)
}
