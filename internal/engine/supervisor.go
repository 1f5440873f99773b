package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Paintersrp/launchpad/internal/config"
	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/probe"
	"github.com/Paintersrp/launchpad/internal/runtime"
)

// rootExitTimeout bounds how long a stopped task waits for its root process
// to be reaped after the tree was terminated.
const rootExitTimeout = 5 * time.Second

// supervisor drives a single task through its phases. All blocking waits
// happen on the supervisor's own goroutine.
type supervisor struct {
	spec     config.TaskSpec
	group    string
	launchID string
	runtime  runtime.Runtime
	request  *ShutdownRequest
	grace    time.Duration
	output   OutputSink
	bus      *events.Bus
	logger   *slog.Logger

	sleep   func(time.Duration) bool
	cascade func(task string)
	fatal   func(task string, err error)

	mu          sync.Mutex
	phase       Phase
	pid         int
	exitCode    *int
	signal      string
	restarts    int
	lastStart   time.Time
	lastErr     error
	startFailed bool
	abnormal    bool
	endedAt     time.Time
	ready       probe.Status
	observer    probe.LogObserver
}

func (s *supervisor) run() {
	delay := s.spec.StartDelay
	s.transition(PhaseDelaying, ReasonInitialStart, "", nil)

	for {
		if !s.sleep(delay) || s.request.IsSet() {
			s.transition(PhaseTerminated, ReasonShutdown, "shutdown requested before start", nil)
			return
		}

		reason := ReasonInitialStart
		if s.restarts > 0 {
			reason = ReasonRestart
		}
		s.transition(PhaseStarting, reason, "", nil)

		prober := s.prepareReadiness()
		handle, err := s.runtime.Start(context.Background(), s.startSpec(), s.publishLine)
		if err != nil {
			s.clearReadiness()
			s.recordStartFailure(err)
			s.logger.Error("task failed to start", "error", err)
			s.transition(PhaseExited, ReasonStartFailure, err.Error(), err)
			if s.spec.QuitOnTerminate {
				s.cascade(s.spec.Name)
			}
			return
		}

		s.recordStarted(handle.PID())
		s.transition(PhaseRunning, ReasonStarted, "", nil)

		stopReadiness := s.watchReadiness(prober)
		stopped := s.supervise(handle)
		stopReadiness()
		if stopped {
			return
		}

		if s.spec.QuitOnTerminate {
			s.cascade(s.spec.Name)
		}
		if s.request.IsSet() {
			s.transition(PhaseTerminated, ReasonShutdown, "exited during shutdown", nil)
			return
		}
		if !s.spec.Restart {
			s.transition(PhaseExited, ReasonProcessExit, "", nil)
			return
		}

		s.transition(PhaseRestarting, ReasonProcessExit, fmt.Sprintf("restarting in %s", s.spec.RestartBackoff), nil)
		if !s.sleep(s.spec.RestartBackoff) {
			s.transition(PhaseTerminated, ReasonShutdown, "shutdown requested during backoff", nil)
			return
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		s.transition(PhaseDelaying, ReasonRestart, "", nil)
		delay = 0
	}
}

// supervise blocks until the process exits or shutdown is requested. It
// returns true when the task was stopped and has reached a terminal phase.
func (s *supervisor) supervise(handle runtime.Handle) bool {
	select {
	case <-handle.Done():
		res, err := handle.Wait(context.Background())
		if err != nil {
			res = runtime.ExitResult{Err: err, ExitedAt: time.Now()}
		}
		s.release(handle)
		s.recordExit(res)
		s.logExit(res)
		return false
	case <-s.request.Done():
	}

	s.transition(PhaseStopping, ReasonShutdown, fmt.Sprintf("grace period %s", s.grace), nil)
	if err := handle.TerminateAll(context.Background(), s.grace); err != nil {
		s.terminationError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), rootExitTimeout)
	res, err := handle.Wait(ctx)
	cancel()
	if err != nil {
		s.logger.Error("root process did not exit after termination", "pid", handle.PID(), "error", err)
		s.setError(fmt.Errorf("root process %d still running: %w", handle.PID(), err))
		s.transition(PhaseTerminated, ReasonShutdown, "root process still running", err)
		return true
	}
	s.release(handle)
	s.recordExit(res)
	s.logger.Info("task stopped", "result", res.String())
	s.transition(PhaseTerminated, ReasonShutdown, res.String(), nil)
	return true
}

func (s *supervisor) release(handle runtime.Handle) {
	if err := handle.Release(); err != nil {
		s.terminationError(err)
	}
}

func (s *supervisor) terminationError(err error) {
	switch {
	case errors.Is(err, runtime.ErrKillFailed):
		s.logger.Error("process tree survived forceful termination", "error", err)
		s.setError(err)
		s.fatal(s.spec.Name, err)
	case errors.Is(err, runtime.ErrTerminationTimeout):
		s.logger.Warn("task ignored graceful exit, process tree killed", "grace", s.grace)
	default:
		s.logger.Warn("terminate task", "error", err)
	}
}

func (s *supervisor) logExit(res runtime.ExitResult) {
	if res.Success() {
		s.logger.Info("task exited", "result", res.String())
		return
	}
	s.logger.Warn("task exited abnormally", "result", res.String(), "restart", s.spec.Restart)
}

func (s *supervisor) startSpec() runtime.StartSpec {
	spec := runtime.StartSpec{
		LaunchID: s.launchID,
		Group:    s.group,
		Name:     s.spec.Name,
		Program:  s.spec.Program,
		Workdir:  s.spec.Workdir,
	}
	if len(s.spec.Args) > 0 {
		spec.Args = append([]string(nil), s.spec.Args...)
	}
	if len(s.spec.Env) > 0 {
		spec.Env = make(map[string]string, len(s.spec.Env))
		for k, v := range s.spec.Env {
			spec.Env[k] = v
		}
	}
	return spec
}

func (s *supervisor) publishLine(source, line string) {
	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer.ObserveLog(probe.LogEntry{Message: line, Source: source})
	}
	if s.output == nil {
		return
	}
	s.output.Publish(s.spec.Name, source, line)
}

// prepareReadiness builds the task's prober before the process starts so
// log checks see the very first output line.
func (s *supervisor) prepareReadiness() probe.Prober {
	if s.spec.Ready == nil {
		return nil
	}
	prober, err := probe.New(s.spec.Ready, probe.WithWorkdir(s.spec.Workdir), probe.WithEnv(s.probeEnv()))
	if err != nil {
		s.logger.Warn("readiness check disabled", "error", err)
		return nil
	}
	if observer, ok := prober.(probe.LogObserver); ok {
		s.mu.Lock()
		s.observer = observer
		s.mu.Unlock()
	}
	return prober
}

func (s *supervisor) watchReadiness(prober probe.Prober) func() {
	if prober == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range probe.Watch(ctx, prober, s.spec.Ready, nil) {
			s.setReadiness(evt)
		}
	}()
	return func() {
		cancel()
		<-done
		s.clearReadiness()
	}
}

func (s *supervisor) setReadiness(evt probe.Event) {
	s.mu.Lock()
	s.ready = evt.Status
	s.mu.Unlock()

	if evt.Status == probe.StatusReady {
		s.logger.Info("task ready")
	} else {
		s.logger.Warn("task not ready", "reason", evt.Reason)
	}
	events.Publish(s.bus, ReadyEvent{
		Timestamp: evt.At,
		Group:     s.group,
		Task:      s.spec.Name,
		Status:    evt.Status,
		Reason:    evt.Reason,
	})
}

func (s *supervisor) clearReadiness() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = nil
	s.ready = ""
}

// probeEnv is the environment command checks run with: the launcher's own
// environment overlaid with the task's.
func (s *supervisor) probeEnv() []string {
	if len(s.spec.Env) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range s.spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *supervisor) transition(to Phase, reason, message string, err error) bool {
	s.mu.Lock()
	from := s.phase
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error("illegal phase transition ignored", "from", from, "to", to)
		return false
	}
	s.phase = to
	evt := TaskEvent{
		Timestamp: time.Now(),
		Group:     s.group,
		Task:      s.spec.Name,
		Phase:     to,
		Previous:  from,
		PID:       s.pid,
		Signal:    s.signal,
		Restarts:  s.restarts,
		Reason:    reason,
		Message:   message,
		Err:       err,
	}
	if s.exitCode != nil && (to == PhaseExited || to == PhaseTerminated || to == PhaseRestarting) {
		code := *s.exitCode
		evt.ExitCode = &code
	}
	if to != PhaseRunning && to != PhaseStopping {
		s.pid = 0
	}
	s.mu.Unlock()

	attrs := []any{"from", from, "to", to, "reason", reason}
	if message != "" {
		attrs = append(attrs, "message", message)
	}
	s.logger.Debug("task phase changed", attrs...)
	events.Publish(s.bus, evt)
	return true
}

func (s *supervisor) recordStarted(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
	s.lastStart = time.Now()
	s.signal = ""
}

func (s *supervisor) recordStartFailure(err error) {
	code := 1
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFailed = true
	s.abnormal = true
	s.exitCode = &code
	s.lastErr = err
	s.endedAt = time.Now()
}

func (s *supervisor) recordExit(res runtime.ExitResult) {
	code := res.Code
	if res.Err != nil && code == 0 {
		code = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
	s.signal = res.Signal
	s.abnormal = !res.Success()
	s.endedAt = res.ExitedAt
	if s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	if res.Err != nil {
		s.lastErr = res.Err
	}
}

func (s *supervisor) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *supervisor) status() TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := TaskStatus{
		Name:      s.spec.Name,
		Phase:     s.phase,
		PID:       s.pid,
		Ready:     s.ready,
		Signal:    s.signal,
		Restarts:  s.restarts,
		LastStart: s.lastStart,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		st.ExitCode = &code
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if len(s.spec.Tags) > 0 {
		st.Tags = append([]string(nil), s.spec.Tags...)
	}
	return st
}

// outcome summarises how the task ended for the aggregate result.
type outcome struct {
	code        int
	startFailed bool
	abnormal    bool
	endedAt     time.Time
}

func (s *supervisor) outcome() outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := outcome{startFailed: s.startFailed, abnormal: s.abnormal, endedAt: s.endedAt}
	if s.exitCode != nil {
		out.code = *s.exitCode
	}
	return out
}
