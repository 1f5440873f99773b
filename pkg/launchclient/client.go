// Package launchclient lets a process started by launchpad notice that the
// launcher wants it to exit.
//
// The launcher exports LAUNCHPAD_SHUTDOWN_EVENT to every task. On POSIX
// systems the value is the path of a marker file that appears when exit is
// requested; on Windows it names a manual-reset event in the session
// namespace that becomes signalled. Programs in other languages can honour
// the same contract by polling for the file or waiting on the event.
package launchclient

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Environment variables exported to supervised tasks.
const (
	EnvShutdownEvent = "LAUNCHPAD_SHUTDOWN_EVENT"
	EnvGroup         = "LAUNCHPAD_GROUP"
	EnvTask          = "LAUNCHPAD_TASK"
)

const pollInterval = 250 * time.Millisecond

var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Supervised reports whether the current process was started by launchpad
// with a graceful exit event.
func Supervised() bool {
	return os.Getenv(EnvShutdownEvent) != ""
}

// Group returns the launch group name of the current process, if any.
func Group() string {
	return os.Getenv(EnvGroup)
}

// Task returns the task name of the current process, if any.
func Task() string {
	return os.Getenv(EnvTask)
}

// Requested reports whether the launcher has already asked for exit.
func Requested() bool {
	name := os.Getenv(EnvShutdownEvent)
	if name == "" {
		return false
	}
	return eventSet(name)
}

// Wait blocks until the launcher requests a graceful exit, the process
// receives an interrupt or termination signal, or ctx is done. It returns
// nil for the first two and ctx.Err() otherwise.
func Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, interruptSignals...)
	defer signal.Stop(sigCh)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	requested := watchEvent(watchCtx, os.Getenv(EnvShutdownEvent))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sigCh:
		return nil
	case <-requested:
		return nil
	}
}

// Notify calls fn once, from a separate goroutine, when Wait would return
// nil. The returned stop function cancels the watch; fn is not called after
// stop returns.
func Notify(fn func()) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	stopped := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Wait(ctx); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			fn()
		}
	}()
	return func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		cancel()
		<-done
	}
}
