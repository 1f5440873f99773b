package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/launchpad/internal/engine"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrNoActiveLaunch = errors.New("no active launch")
	ErrLaunchFinished = errors.New("launch already finished")
)

// StatusReport is the launch group status returned by the control API.
type StatusReport struct {
	engine.GroupStatus
	GeneratedAt time.Time `json:"generated_at"`
	Finished    bool      `json:"finished"`
}

// ShutdownResult captures the outcome of a shutdown request.
type ShutdownResult struct {
	Accepted bool         `json:"accepted"`
	Cause    engine.Cause `json:"cause,omitempty"`
	Origin   string       `json:"origin,omitempty"`
}

// Controller exposes launch operations required by control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Task(stdcontext.Context, string) (*engine.TaskStatus, error)
	Shutdown(stdcontext.Context, string) (*ShutdownResult, error)
}

// Coordinator is the subset of engine.Coordinator the API drives.
type Coordinator interface {
	Status() engine.GroupStatus
	RequestShutdown(reason string) bool
	Done() <-chan struct{}
}

// CoordinatorController serves API requests from a running coordinator.
type CoordinatorController struct {
	coord Coordinator
	now   func() time.Time
}

// NewCoordinatorController wraps coord.
func NewCoordinatorController(coord Coordinator) *CoordinatorController {
	return &CoordinatorController{coord: coord, now: time.Now}
}

func (c *CoordinatorController) Status(ctx stdcontext.Context) (*StatusReport, error) {
	if c == nil || c.coord == nil {
		return nil, ErrNoActiveLaunch
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StatusReport{
		GroupStatus: c.coord.Status(),
		GeneratedAt: c.now().UTC(),
		Finished:    c.finished(),
	}, nil
}

func (c *CoordinatorController) Task(ctx stdcontext.Context, name string) (*engine.TaskStatus, error) {
	report, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	task, ok := report.Task(name)
	if !ok {
		return nil, ErrUnknownTask
	}
	return &task, nil
}

func (c *CoordinatorController) Shutdown(ctx stdcontext.Context, reason string) (*ShutdownResult, error) {
	if c == nil || c.coord == nil {
		return nil, ErrNoActiveLaunch
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.finished() {
		return nil, ErrLaunchFinished
	}
	if reason == "" {
		reason = "control api"
	}
	accepted := c.coord.RequestShutdown(reason)
	status := c.coord.Status()
	return &ShutdownResult{Accepted: accepted, Cause: status.Cause, Origin: status.Origin}, nil
}

func (c *CoordinatorController) finished() bool {
	select {
	case <-c.coord.Done():
		return true
	default:
		return false
	}
}
