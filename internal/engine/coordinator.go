package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/launchpad/internal/config"
	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/logging"
	"github.com/Paintersrp/launchpad/internal/runtime"
	"github.com/Paintersrp/launchpad/internal/runtime/process"
)

// DefaultGracePeriod is how long a stopping task may take to exit on its own
// before its process tree is killed.
const DefaultGracePeriod = 15 * time.Second

// ErrCoordinatorFatal marks a launch that could not guarantee every process
// tree was terminated.
var ErrCoordinatorFatal = errors.New("launch coordinator failed")

// OutputSink receives captured task output.
type OutputSink interface {
	Publish(task, stream, line string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRuntime overrides the process runtime. Defaults to local processes.
func WithRuntime(rt runtime.Runtime) Option {
	return func(c *Coordinator) {
		c.runtime = rt
	}
}

// WithGracePeriod sets how long stopping tasks may take to exit gracefully.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithOutput routes task output to sink.
func WithOutput(sink OutputSink) Option {
	return func(c *Coordinator) {
		c.output = sink
	}
}

// WithEventBus publishes TaskEvent and ShutdownEvent values on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithLogger overrides the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLaunchID fixes the launch id instead of generating one.
func WithLaunchID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.launchID = id
		}
	}
}

func withSleep(fn func(*ShutdownRequest, time.Duration) bool) Option {
	return func(c *Coordinator) {
		c.sleep = fn
	}
}

// Result is the aggregate outcome of a launch.
type Result struct {
	Code   int          `json:"code"`
	Cause  Cause        `json:"cause,omitempty"`
	Origin string       `json:"origin,omitempty"`
	Err    error        `json:"-"`
	Tasks  []TaskStatus `json:"tasks"`
}

// Coordinator owns the supervisors of one launch group and the group-wide
// shutdown request.
type Coordinator struct {
	group    config.LaunchGroupSpec
	launchID string
	runtime  runtime.Runtime
	grace    time.Duration
	output   OutputSink
	bus      *events.Bus
	logger   *slog.Logger
	sleep    func(*ShutdownRequest, time.Duration) bool

	request     *ShutdownRequest
	supervisors []*supervisor
	done        chan struct{}

	mu       sync.Mutex
	fatalErr error
	result   Result
}

// Start validates group and launches one supervisor per task.
func Start(ctx context.Context, group config.LaunchGroupSpec, opts ...Option) (*Coordinator, error) {
	if err := group.Validate(); err != nil {
		return nil, fmt.Errorf("invalid launch group: %w", err)
	}
	c := &Coordinator{
		group:   group.Clone(),
		grace:   DefaultGracePeriod,
		logger:  logging.GetLogger("engine"),
		request: newShutdownRequest(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.launchID == "" {
		c.launchID = uuid.NewString()
	}
	if c.runtime == nil {
		c.runtime = process.New()
	}
	if c.sleep == nil {
		c.sleep = (*ShutdownRequest).Sleep
	}
	c.logger = c.logger.With("group", c.group.Name)

	for _, task := range c.group.Tasks {
		sup := &supervisor{
			spec:     task,
			group:    c.group.Name,
			launchID: c.launchID,
			runtime:  c.runtime,
			request:  c.request,
			grace:    c.grace,
			output:   c.output,
			bus:      c.bus,
			logger:   c.logger.With("task", task.Name),
			cascade:  c.cascade,
			fatal:    c.fatal,
			phase:    PhasePending,
		}
		sup.sleep = func(d time.Duration) bool { return c.sleep(c.request, d) }
		c.supervisors = append(c.supervisors, sup)
	}

	c.logger.Info("launching group", "launch_id", c.launchID, "tasks", len(c.supervisors), "grace", c.grace)

	var wg sync.WaitGroup
	for _, sup := range c.supervisors {
		wg.Add(1)
		go func(s *supervisor) {
			defer wg.Done()
			s.run()
		}(sup)
	}
	go func() {
		wg.Wait()
		c.finish()
	}()
	go c.watch(ctx)
	return c, nil
}

func (c *Coordinator) watch(ctx context.Context) {
	if ctx == nil {
		return
	}
	select {
	case <-ctx.Done():
		c.trigger(CauseExternal, "context cancelled")
	case <-c.done:
	}
}

// LaunchID returns the identifier of this launch.
func (c *Coordinator) LaunchID() string {
	return c.launchID
}

// RequestShutdown asks every task to stop. It returns true only for the
// call that set the request.
func (c *Coordinator) RequestShutdown(reason string) bool {
	if reason == "" {
		reason = "requested"
	}
	return c.trigger(CauseExternal, reason)
}

// ShutdownRequested reports whether the group is shutting down.
func (c *Coordinator) ShutdownRequested() bool {
	return c.request.IsSet()
}

func (c *Coordinator) cascade(task string) {
	c.trigger(CauseCascade, task)
}

func (c *Coordinator) fatal(task string, err error) {
	c.mu.Lock()
	c.fatalErr = errors.Join(c.fatalErr, fmt.Errorf("task %s: %w", task, err))
	c.mu.Unlock()
	c.trigger(CauseFatal, task)
}

func (c *Coordinator) trigger(cause Cause, origin string) bool {
	if !c.request.trigger(cause, origin) {
		return false
	}
	c.logger.Info("group shutdown requested", "cause", cause, "origin", origin)
	events.Publish(c.bus, ShutdownEvent{
		Timestamp: c.request.RequestedAt(),
		Group:     c.group.Name,
		Cause:     cause,
		Origin:    origin,
	})
	return true
}

// Status returns a snapshot of the group and every task.
func (c *Coordinator) Status() GroupStatus {
	st := GroupStatus{
		Group:    c.group.Name,
		LaunchID: c.launchID,
		Shutdown: c.request.IsSet(),
		Tasks:    make([]TaskStatus, 0, len(c.supervisors)),
	}
	st.Cause, st.Origin = c.request.Cause()
	for _, sup := range c.supervisors {
		st.Tasks = append(st.Tasks, sup.status())
	}
	return st
}

// Done is closed once every task has reached a terminal phase.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until every task is terminal and returns the aggregate result.
func (c *Coordinator) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) finish() {
	if closer, ok := c.runtime.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("release runtime", "error", err)
		}
	}

	res := c.aggregate()
	c.mu.Lock()
	c.result = res
	c.mu.Unlock()

	level := slog.LevelInfo
	if res.Code != 0 {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "launch group finished", "code", res.Code, "cause", res.Cause, "origin", res.Origin)
	close(c.done)
}

func (c *Coordinator) aggregate() Result {
	status := c.Status()
	res := Result{Tasks: status.Tasks}
	if status.Shutdown {
		res.Cause, res.Origin = status.Cause, status.Origin
	}

	c.mu.Lock()
	fatalErr := c.fatalErr
	c.mu.Unlock()
	if fatalErr != nil {
		res.Code = 1
		res.Err = fmt.Errorf("%w: %w", ErrCoordinatorFatal, fatalErr)
		return res
	}

	switch res.Cause {
	case CauseCascade:
		for _, sup := range c.supervisors {
			if sup.spec.Name != res.Origin {
				continue
			}
			out := sup.outcome()
			switch {
			case out.startFailed:
				res.Code = 1
			case out.code != 0:
				res.Code = out.code
			}
		}
	case CauseExternal:
		res.Code = 0
	case "":
		var last time.Time
		for _, sup := range c.supervisors {
			out := sup.outcome()
			if !out.abnormal || out.endedAt.Before(last) {
				continue
			}
			last = out.endedAt
			res.Code = out.code
			if res.Code == 0 {
				res.Code = 1
			}
		}
	}
	return res
}
