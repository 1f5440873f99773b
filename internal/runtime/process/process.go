package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/Paintersrp/launchpad/internal/logging"
	"github.com/Paintersrp/launchpad/internal/runtime"
	"github.com/Paintersrp/launchpad/internal/shutdown"
)

// EnvSentinel disables the orphan sentinel when set to "0".
const EnvSentinel = "LAUNCHPAD_SENTINEL"

const (
	maxLineSize        = 1 << 20
	outputDrainTimeout = 2 * time.Second
)

// Option configures the process runtime.
type Option func(*Runtime)

// WithLogger overrides the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithoutShutdownEvent disables the named graceful-exit event so tasks are
// stopped by interrupt and kill only.
func WithoutShutdownEvent() Option {
	return func(r *Runtime) {
		r.noSignaler = true
	}
}

// WithoutSentinel disables the process that kills registered trees when the
// launcher dies without cleaning up.
func WithoutSentinel() Option {
	return func(r *Runtime) {
		r.noSentinel = true
	}
}

// Runtime starts tasks as local process trees.
type Runtime struct {
	logger     *slog.Logger
	noSignaler bool
	noSentinel bool
	scopes     *launchScopes

	sentinelOnce sync.Once
	guard        *sentinel
}

// New constructs a runtime that executes tasks as local processes.
func New(opts ...Option) *Runtime {
	r := &Runtime{logger: logging.GetLogger("process")}
	for _, opt := range opts {
		opt(r)
	}
	r.scopes = newLaunchScopes(r.logger)
	if os.Getenv(EnvSentinel) == "0" {
		r.noSentinel = true
	}
	return r
}

// Close releases launch-wide resources such as the cgroup parent scope and
// stops the sentinel.
func (r *Runtime) Close() error {
	err := r.scopes.close()
	// Settle the once so a late Start cannot spawn a new sentinel.
	r.sentinelOnce.Do(func() {})
	return errors.Join(err, r.guard.close())
}

// sentinel starts the orphan sentinel on first use.
func (r *Runtime) sentinel() *sentinel {
	r.sentinelOnce.Do(func() {
		if r.noSentinel {
			return
		}
		guard, err := startSentinel(r.logger)
		if err != nil {
			r.logger.Warn("orphan sentinel unavailable, descendants may outlive a killed launcher", "error", err)
			return
		}
		r.guard = guard
	})
	return r.guard
}

func (r *Runtime) Start(ctx context.Context, spec runtime.StartSpec, output runtime.OutputFunc) (runtime.Handle, error) {
	if spec.Program == "" {
		return nil, &runtime.StartError{Task: spec.Name, Err: errors.New("program is required")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &runtime.StartError{Task: spec.Name, Program: spec.Program, Err: err}
	}
	if output == nil {
		output = func(string, string) {}
	}
	logger := r.logger.With("task", spec.Name)

	var signaler shutdown.Signaler
	if !r.noSignaler {
		sig, err := shutdown.New(spec.LaunchID, spec.Group, spec.Name)
		if err != nil {
			logger.Warn("graceful exit event unavailable, task will only be interrupted or killed",
				"error", fmt.Errorf("%w: %v", runtime.ErrSignalDelivery, err))
		} else {
			signaler = sig
		}
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Workdir
	cmd.Env = mergeEnv(os.Environ(), spec.Env, signalerEnv(signaler))

	tree := newProcessTree(r.scopes, r.sentinel(), spec.Name, logger)
	tree.configure(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeQuietly(signaler)
		return nil, &runtime.StartError{Task: spec.Name, Program: spec.Program, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		closeQuietly(signaler)
		return nil, &runtime.StartError{Task: spec.Name, Program: spec.Program, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		closeQuietly(signaler)
		_ = tree.close()
		return nil, &runtime.StartError{Task: spec.Name, Program: spec.Program, Err: err}
	}
	// The child holds its own copies; closing ours lets readers see EOF once
	// the last process in the tree closes them.
	stdoutW.Close()
	stderrW.Close()

	if err := tree.attach(cmd.Process.Pid); err != nil {
		logger.Debug("process tree attach incomplete", "pid", cmd.Process.Pid, "error", err)
	}

	inst := &processInstance{
		name:     spec.Name,
		cmd:      cmd,
		done:     make(chan struct{}),
		readers:  make(chan struct{}),
		logger:   logger,
		signaler: signaler,
	}
	inst.group = newGroup(spec.Name, tree, signaler, inst.done, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go inst.streamLines(stdoutR, runtime.LogSourceStdout, output, &wg)
	go inst.streamLines(stderrR, runtime.LogSourceStderr, output, &wg)
	go func() {
		wg.Wait()
		close(inst.readers)
	}()
	go inst.wait()

	logger.Debug("process started", "pid", cmd.Process.Pid, "program", spec.Program)
	return inst, nil
}

type processInstance struct {
	name     string
	cmd      *exec.Cmd
	group    *Group
	signaler shutdown.Signaler
	logger   *slog.Logger

	done    chan struct{}
	readers chan struct{}
	result  runtime.ExitResult

	releaseOnce sync.Once
	releaseErr  error
}

func (p *processInstance) PID() int {
	return p.cmd.Process.Pid
}

func (p *processInstance) Done() <-chan struct{} {
	return p.done
}

func (p *processInstance) Wait(ctx context.Context) (runtime.ExitResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return runtime.ExitResult{}, ctx.Err()
	}
}

func (p *processInstance) RequestGracefulExit() error {
	return p.group.RequestGracefulExit()
}

func (p *processInstance) Terminate() error {
	return p.group.Terminate()
}

func (p *processInstance) TerminateAll(ctx context.Context, grace time.Duration) error {
	return p.group.TerminateAll(ctx, grace)
}

func (p *processInstance) Release() error {
	p.releaseOnce.Do(func() {
		<-p.done
		var errs []error
		if err := p.group.reap(); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-p.readers:
		case <-time.After(outputDrainTimeout):
			p.logger.Warn("output still open after process exit, abandoning readers")
		}
		if err := p.group.close(); err != nil {
			errs = append(errs, err)
		}
		p.releaseErr = errors.Join(errs...)
	})
	return p.releaseErr
}

func (p *processInstance) wait() {
	err := p.cmd.Wait()
	p.result = exitResult(p.cmd.ProcessState, err)
	close(p.done)
}

func (p *processInstance) streamLines(r io.ReadCloser, source string, output runtime.OutputFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()
	reader := bufio.NewReaderSize(r, 64*1024)
	var pending []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if len(chunk) > 0 || (err == nil && !isPrefix) {
			pending = append(pending, chunk...)
			if !isPrefix || len(pending) >= maxLineSize {
				output(source, string(trimCR(pending)))
				pending = pending[:0]
			}
		}
		if err != nil {
			if len(pending) > 0 {
				output(source, string(trimCR(pending)))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("output stream closed", "source", source, "error", err)
			}
			return
		}
	}
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

func exitResult(state *os.ProcessState, err error) runtime.ExitResult {
	res := runtime.ExitResult{ExitedAt: time.Now()}
	if state == nil {
		res.Code = -1
		res.Err = err
		return res
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = ws.Signal().String()
		res.Code = 128 + int(ws.Signal())
		return res
	}
	res.Code = state.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
	}
	return res
}

func mergeEnv(base []string, overlays ...map[string]string) []string {
	env := append([]string(nil), base...)
	for _, overlay := range overlays {
		keys := make([]string, 0, len(overlay))
		for k := range overlay {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+overlay[k])
		}
	}
	return env
}

func signalerEnv(s shutdown.Signaler) map[string]string {
	if s == nil {
		return nil
	}
	return s.Env()
}

func closeQuietly(s shutdown.Signaler) {
	if s != nil {
		_ = s.Close()
	}
}
