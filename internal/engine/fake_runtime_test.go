package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Paintersrp/launchpad/internal/runtime"
)

// fakeRun scripts one start of a task.
type fakeRun struct {
	startErr error
	exit     runtime.ExitResult
	// block keeps the process running until it is terminated.
	block bool
	// terminateErr is returned from TerminateAll.
	terminateErr error
	// stuck keeps the root alive even after TerminateAll.
	stuck bool
}

type fakeRuntime struct {
	mu      sync.Mutex
	scripts map[string][]fakeRun
	starts  map[string]int
	handles map[string][]*fakeHandle
	nextPID int
	closed  bool
	startCh chan string
}

func newFakeRuntime(scripts map[string][]fakeRun) *fakeRuntime {
	return &fakeRuntime{
		scripts: scripts,
		starts:  make(map[string]int),
		handles: make(map[string][]*fakeHandle),
		nextPID: 1000,
		startCh: make(chan string, 64),
	}
}

func (r *fakeRuntime) Start(ctx context.Context, spec runtime.StartSpec, output runtime.OutputFunc) (runtime.Handle, error) {
	r.mu.Lock()
	idx := r.starts[spec.Name]
	r.starts[spec.Name]++
	script := r.scripts[spec.Name]
	run := fakeRun{block: true}
	switch {
	case idx < len(script):
		run = script[idx]
	case len(script) > 0:
		run = script[len(script)-1]
	}
	r.nextPID++
	pid := r.nextPID
	r.mu.Unlock()

	defer func() {
		select {
		case r.startCh <- spec.Name:
		default:
		}
	}()

	if run.startErr != nil {
		return nil, &runtime.StartError{Task: spec.Name, Program: spec.Program, Err: run.startErr}
	}
	if output != nil {
		output(runtime.LogSourceStdout, "started "+spec.Name)
	}
	h := &fakeHandle{pid: pid, run: run, done: make(chan struct{})}
	if !run.block {
		h.exit(run.exit)
	}
	r.mu.Lock()
	r.handles[spec.Name] = append(r.handles[spec.Name], h)
	r.mu.Unlock()
	return h, nil
}

func (r *fakeRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRuntime) startCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[name]
}

func (r *fakeRuntime) handle(name string, idx int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= len(r.handles[name]) {
		return nil
	}
	return r.handles[name][idx]
}

type fakeHandle struct {
	pid  int
	run  fakeRun
	done chan struct{}

	mu         sync.Mutex
	once       sync.Once
	result     runtime.ExitResult
	terminated int
	released   int
}

func (h *fakeHandle) exit(res runtime.ExitResult) {
	h.once.Do(func() {
		if res.ExitedAt.IsZero() {
			res.ExitedAt = time.Now()
		}
		h.mu.Lock()
		h.result = res
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return runtime.ExitResult{}, ctx.Err()
	}
}

func (h *fakeHandle) RequestGracefulExit() error { return nil }

func (h *fakeHandle) Terminate() error {
	h.exit(runtime.ExitResult{Code: 137, Signal: "killed"})
	return nil
}

func (h *fakeHandle) TerminateAll(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	h.terminated++
	h.mu.Unlock()
	if !h.run.stuck {
		h.exit(runtime.ExitResult{Code: 130, Signal: "interrupt"})
	}
	return h.run.terminateErr
}

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	return nil
}

func (h *fakeHandle) counts() (terminated, released int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated, h.released
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Publish(task, stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, task+"/"+stream+": "+line)
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
