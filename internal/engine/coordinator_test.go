package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Paintersrp/launchpad/internal/config"
	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/logging"
	"github.com/Paintersrp/launchpad/internal/probe"
	"github.com/Paintersrp/launchpad/internal/runtime"
)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(req *ShutdownRequest, d time.Duration) bool {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return !req.IsSet()
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

type phaseRecorder struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (r *phaseRecorder) record(evt TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *phaseRecorder) phases(task string) []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, evt := range r.events {
		if evt.Task == task {
			out = append(out, evt.Phase)
		}
	}
	return out
}

func task(name string, mutate ...func(*config.TaskSpec)) config.TaskSpec {
	spec := config.TaskSpec{Name: name, Program: "/bin/" + name, RestartBackoff: config.DefaultRestartBackoff}
	for _, fn := range mutate {
		fn(&spec)
	}
	return spec
}

func startCoordinator(t *testing.T, rt runtime.Runtime, tasks []config.TaskSpec, opts ...Option) *Coordinator {
	t.Helper()
	group := config.LaunchGroupSpec{Name: "demo", Tasks: tasks}
	base := []Option{
		WithRuntime(rt),
		WithLogger(logging.Discard()),
		WithLaunchID("0123456789abcdef"),
	}
	coord, err := Start(context.Background(), group, append(base, opts...)...)
	if err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	return coord
}

func waitResult(t *testing.T, coord *Coordinator) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := coord.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for coordinator: %v", err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskStatus(t *testing.T, res Result, name string) TaskStatus {
	t.Helper()
	for _, st := range res.Tasks {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("task %s missing from result", name)
	return TaskStatus{}
}

func TestStartRejectsInvalidGroup(t *testing.T) {
	_, err := Start(context.Background(), config.LaunchGroupSpec{Name: "demo"}, WithRuntime(newFakeRuntime(nil)))
	if err == nil {
		t.Fatalf("expected validation error for empty group")
	}
}

func TestAllTasksExitSuccessfully(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{
		"api":    {{exit: runtime.ExitResult{Code: 0}}},
		"worker": {{exit: runtime.ExitResult{Code: 0}}},
	})
	sink := &recordingSink{}
	coord := startCoordinator(t, rt, []config.TaskSpec{task("api"), task("worker")}, WithOutput(sink))

	res := waitResult(t, coord)
	if res.Code != 0 || res.Cause != "" || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, name := range []string{"api", "worker"} {
		st := taskStatus(t, res, name)
		if st.Phase != PhaseExited {
			t.Fatalf("%s phase = %s, want exited", name, st.Phase)
		}
		if st.ExitCode == nil || *st.ExitCode != 0 {
			t.Fatalf("%s exit code = %v, want 0", name, st.ExitCode)
		}
	}
	if !rt.closed {
		t.Fatalf("expected runtime to be closed after the launch finished")
	}
	if got := len(sink.snapshot()); got != 2 {
		t.Fatalf("expected 2 output lines, got %d", got)
	}
}

func TestAbnormalExitWithoutRestartEndsExited(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{
		"api": {{exit: runtime.ExitResult{Code: 3}}},
	})
	coord := startCoordinator(t, rt, []config.TaskSpec{task("api")})

	res := waitResult(t, coord)
	st := taskStatus(t, res, "api")
	if st.Phase != PhaseExited {
		t.Fatalf("phase = %s, want exited", st.Phase)
	}
	if st.Restarts != 0 || rt.startCount("api") != 1 {
		t.Fatalf("task was restarted: restarts=%d starts=%d", st.Restarts, rt.startCount("api"))
	}
	if res.Code != 3 {
		t.Fatalf("result code = %d, want 3", res.Code)
	}
	if coord.ShutdownRequested() {
		t.Fatalf("an ordinary exit must not request shutdown")
	}
}

func TestRestartReentersDelayingAfterBackoff(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{
		"api": {
			{exit: runtime.ExitResult{Code: 1}},
			{exit: runtime.ExitResult{Code: 1}},
			{block: true},
		},
	})
	sleeps := &sleepRecorder{}
	bus := events.New()
	phases := &phaseRecorder{}
	unsubscribe := events.Subscribe(bus, phases.record)
	defer unsubscribe()

	spec := task("api", func(s *config.TaskSpec) {
		s.Restart = true
		s.RestartBackoff = 2 * time.Second
	})
	coord := startCoordinator(t, rt, []config.TaskSpec{spec}, WithEventBus(bus), withSleep(sleeps.sleep))

	waitFor(t, "third start", func() bool {
		st, _ := coord.Status().Task("api")
		return st.Phase == PhaseRunning && st.Restarts == 2
	})
	if got := sleeps.count(2 * time.Second); got != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", got)
	}

	if !coord.RequestShutdown("test") {
		t.Fatalf("expected first shutdown request to take effect")
	}
	res := waitResult(t, coord)
	st := taskStatus(t, res, "api")
	if st.Phase != PhaseTerminated || st.Restarts != 2 {
		t.Fatalf("unexpected final status: %+v", st)
	}
	if res.Code != 0 || res.Cause != CauseExternal {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := []Phase{
		PhaseDelaying, PhaseStarting, PhaseRunning, PhaseRestarting,
		PhaseDelaying, PhaseStarting, PhaseRunning, PhaseRestarting,
		PhaseDelaying, PhaseStarting, PhaseRunning, PhaseStopping, PhaseTerminated,
	}
	waitFor(t, "all phase events", func() bool { return len(phases.phases("api")) == len(want) })
	got := phases.phases("api")
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestQuitOnTerminateCascades(t *testing.T) {
	cases := []struct {
		name     string
		run      fakeRun
		wantCode int
	}{
		{name: "clean exit", run: fakeRun{exit: runtime.ExitResult{Code: 0}}, wantCode: 0},
		{name: "failure", run: fakeRun{exit: runtime.ExitResult{Code: 2}}, wantCode: 2},
		{name: "signal", run: fakeRun{exit: runtime.ExitResult{Code: 137, Signal: "killed"}}, wantCode: 137},
		{name: "start error", run: fakeRun{startErr: errors.New("no such file")}, wantCode: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := newFakeRuntime(map[string][]fakeRun{
				"leader":   {tc.run},
				"follower": {{block: true}},
			})
			leader := task("leader", func(s *config.TaskSpec) { s.QuitOnTerminate = true })
			follower := task("follower", func(s *config.TaskSpec) { s.Restart = true })
			coord := startCoordinator(t, rt, []config.TaskSpec{leader, follower})

			res := waitResult(t, coord)
			if res.Cause != CauseCascade || res.Origin != "leader" {
				t.Fatalf("unexpected cause %q origin %q", res.Cause, res.Origin)
			}
			if res.Code != tc.wantCode {
				t.Fatalf("result code = %d, want %d", res.Code, tc.wantCode)
			}
			if st := taskStatus(t, res, "follower"); st.Phase != PhaseTerminated {
				t.Fatalf("follower phase = %s, want terminated", st.Phase)
			}
			if rt.startCount("follower") > 1 {
				t.Fatalf("follower must not restart during shutdown")
			}
		})
	}
}

func TestStartErrorEndsExited(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{
		"api": {{startErr: errors.New("permission denied")}},
	})
	coord := startCoordinator(t, rt, []config.TaskSpec{task("api", func(s *config.TaskSpec) { s.Restart = true })})

	res := waitResult(t, coord)
	st := taskStatus(t, res, "api")
	if st.Phase != PhaseExited {
		t.Fatalf("phase = %s, want exited", st.Phase)
	}
	if st.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if res.Code != 1 {
		t.Fatalf("result code = %d, want 1", res.Code)
	}
}

func TestRequestShutdownIsIdempotent(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{"api": {{block: true}}})
	bus := events.New()
	var shutdowns sync.WaitGroup
	shutdowns.Add(1)
	var count int
	var mu sync.Mutex
	unsubscribe := events.Subscribe(bus, func(ShutdownEvent) {
		mu.Lock()
		count++
		mu.Unlock()
		shutdowns.Done()
	})
	defer unsubscribe()

	coord := startCoordinator(t, rt, []config.TaskSpec{task("api")}, WithEventBus(bus))
	select {
	case <-rt.startCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}

	if !coord.RequestShutdown("first") {
		t.Fatalf("first request should take effect")
	}
	for i := 0; i < 3; i++ {
		if coord.RequestShutdown(fmt.Sprintf("again-%d", i)) {
			t.Fatalf("repeated request %d reported as effective", i)
		}
	}
	res := waitResult(t, coord)
	if res.Origin != "first" {
		t.Fatalf("origin = %q, want first", res.Origin)
	}
	shutdowns.Wait()
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one shutdown event, got %d", count)
	}

	terminated, released := rt.handle("api", 0).counts()
	if terminated != 1 || released != 1 {
		t.Fatalf("terminated=%d released=%d, want 1 and 1", terminated, released)
	}
}

func TestShutdownDuringStartDelayNeverStarts(t *testing.T) {
	rt := newFakeRuntime(nil)
	spec := task("api", func(s *config.TaskSpec) { s.StartDelay = time.Hour })
	coord := startCoordinator(t, rt, []config.TaskSpec{spec})

	waitFor(t, "delaying", func() bool {
		st, _ := coord.Status().Task("api")
		return st.Phase == PhaseDelaying
	})
	coord.RequestShutdown("abort")
	res := waitResult(t, coord)
	if st := taskStatus(t, res, "api"); st.Phase != PhaseTerminated {
		t.Fatalf("phase = %s, want terminated", st.Phase)
	}
	if rt.startCount("api") != 0 {
		t.Fatalf("task started despite shutdown during start delay")
	}
}

func TestShutdownDuringBackoffTerminates(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{
		"api": {{exit: runtime.ExitResult{Code: 1}}},
	})
	spec := task("api", func(s *config.TaskSpec) {
		s.Restart = true
		s.RestartBackoff = time.Hour
	})
	coord := startCoordinator(t, rt, []config.TaskSpec{spec})

	waitFor(t, "restarting", func() bool {
		st, _ := coord.Status().Task("api")
		return st.Phase == PhaseRestarting
	})
	coord.RequestShutdown("abort")
	res := waitResult(t, coord)
	st := taskStatus(t, res, "api")
	if st.Phase != PhaseTerminated || st.Restarts != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.ExitCode == nil || *st.ExitCode != 1 {
		t.Fatalf("last exit code should be kept, got %v", st.ExitCode)
	}
}

func TestContextCancellationRequestsShutdown(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{"api": {{block: true}}})
	ctx, cancel := context.WithCancel(context.Background())
	group := config.LaunchGroupSpec{Name: "demo", Tasks: []config.TaskSpec{task("api")}}
	coord, err := Start(ctx, group, WithRuntime(rt), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if coord.LaunchID() == "" {
		t.Fatalf("expected a generated launch id")
	}
	cancel()

	res := waitResult(t, coord)
	if res.Cause != CauseExternal || res.Code != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestKillFailureIsFatal(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{
		"api": {{block: true, terminateErr: fmt.Errorf("group api: %w", runtime.ErrKillFailed)}},
	})
	coord := startCoordinator(t, rt, []config.TaskSpec{task("api")})
	select {
	case <-rt.startCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}
	coord.RequestShutdown("stop")

	res := waitResult(t, coord)
	if res.Code != 1 {
		t.Fatalf("result code = %d, want 1", res.Code)
	}
	if !errors.Is(res.Err, ErrCoordinatorFatal) || !errors.Is(res.Err, runtime.ErrKillFailed) {
		t.Fatalf("unexpected result error: %v", res.Err)
	}
}

func TestTerminationTimeoutIsNotFatal(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{
		"api": {{block: true, terminateErr: fmt.Errorf("group api: %w", runtime.ErrTerminationTimeout)}},
	})
	coord := startCoordinator(t, rt, []config.TaskSpec{task("api")})
	select {
	case <-rt.startCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}
	coord.RequestShutdown("stop")

	res := waitResult(t, coord)
	if res.Code != 0 || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStatusReportsRunningTask(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{"api": {{block: true}}})
	spec := task("api", func(s *config.TaskSpec) { s.Tags = []string{"web"} })
	coord := startCoordinator(t, rt, []config.TaskSpec{spec})
	defer func() {
		coord.RequestShutdown("cleanup")
		waitResult(t, coord)
	}()

	waitFor(t, "running", func() bool { return coord.Status().Running() == 1 })
	st := coord.Status()
	if st.Group != "demo" || st.LaunchID != "0123456789abcdef" || st.Shutdown {
		t.Fatalf("unexpected group status: %+v", st)
	}
	api, ok := st.Task("api")
	if !ok {
		t.Fatalf("api missing from status")
	}
	if api.PID == 0 || api.LastStart.IsZero() || api.ExitCode != nil {
		t.Fatalf("unexpected task status: %+v", api)
	}
	if len(api.Tags) != 1 || api.Tags[0] != "web" {
		t.Fatalf("tags not carried: %v", api.Tags)
	}
}

func TestReadinessFromFirstOutputLine(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{"api": {{block: true}}})
	bus := events.New()
	var mu sync.Mutex
	var readiness []probe.Status
	defer events.Subscribe(bus, func(evt ReadyEvent) {
		mu.Lock()
		readiness = append(readiness, evt.Status)
		mu.Unlock()
	})()

	spec := task("api", func(s *config.TaskSpec) {
		s.Ready = &config.ReadySpec{LogPattern: "^started api$", Interval: 10 * time.Millisecond}
	})
	coord := startCoordinator(t, rt, []config.TaskSpec{spec}, WithEventBus(bus))

	waitFor(t, "ready", func() bool {
		st, _ := coord.Status().Task("api")
		return st.Ready == probe.StatusReady
	})
	waitFor(t, "ready event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readiness) == 1 && readiness[0] == probe.StatusReady
	})

	coord.RequestShutdown("test")
	res := waitResult(t, coord)
	if st := taskStatus(t, res, "api"); st.Ready != "" {
		t.Fatalf("readiness must reset once the task stops, got %q", st.Ready)
	}
}

func TestTasksWithoutReadinessReportNothing(t *testing.T) {
	rt := newFakeRuntime(map[string][]fakeRun{"api": {{block: true}}})
	coord := startCoordinator(t, rt, []config.TaskSpec{task("api")})
	defer func() {
		coord.RequestShutdown("cleanup")
		waitResult(t, coord)
	}()

	waitFor(t, "running", func() bool { return coord.Status().Running() == 1 })
	if st, _ := coord.Status().Task("api"); st.Ready != "" {
		t.Fatalf("unexpected readiness %q", st.Ready)
	}
}
