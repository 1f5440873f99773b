package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultRestartBackoff is used when a launch file omits restart-backoff.
const DefaultRestartBackoff = 5 * time.Second

// DefaultReadyInterval is the pause between readiness checks.
const DefaultReadyInterval = time.Second

// TaskSpec is the fully resolved definition of a single supervised task.
type TaskSpec struct {
	Name            string
	Program         string
	Args            []string
	Workdir         string
	StartDelay      time.Duration
	Restart         bool
	RestartBackoff  time.Duration
	QuitOnTerminate bool
	// Env is overlaid onto the launcher's inherited environment at start.
	Env  map[string]string
	Tags []string
	// Ready optionally reports when a running task can serve.
	Ready *ReadySpec
}

// ReadySpec configures the readiness check of a task. At least one of HTTP,
// TCP, Command and LogPattern must be set; Expression ("http or log")
// selects which of them count.
type ReadySpec struct {
	HTTP         string
	ExpectStatus []int
	TCP          string
	Command      []string
	LogPattern   string
	LogSources   []string
	Expression   string

	Interval         time.Duration
	Timeout          time.Duration
	GracePeriod      time.Duration
	SuccessThreshold int
	FailureThreshold int
}

// Clone returns a deep copy of the readiness check.
func (r *ReadySpec) Clone() *ReadySpec {
	if r == nil {
		return nil
	}
	dup := *r
	dup.ExpectStatus = append([]int(nil), r.ExpectStatus...)
	dup.Command = append([]string(nil), r.Command...)
	dup.LogSources = append([]string(nil), r.LogSources...)
	return &dup
}

// Validate checks the readiness check definition.
func (r *ReadySpec) Validate() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.HTTP == "" && r.TCP == "" && len(r.Command) == 0 && r.LogPattern == "" {
		errs = append(errs, errors.New("one of http, tcp, command or log is required"))
	}
	if r.LogPattern != "" {
		if _, err := regexp.Compile(r.LogPattern); err != nil {
			errs = append(errs, fmt.Errorf("log: %w", err))
		}
	}
	if r.Interval < 0 || r.Timeout < 0 || r.GracePeriod < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if r.SuccessThreshold < 0 || r.FailureThreshold < 0 {
		errs = append(errs, errors.New("thresholds must not be negative"))
	}
	return errors.Join(errs...)
}

// LaunchGroupSpec is the set of tasks launched together.
type LaunchGroupSpec struct {
	Name  string
	Tasks []TaskSpec
}

// Clone returns a deep copy of the task definition.
func (t TaskSpec) Clone() TaskSpec {
	dup := t
	if t.Args != nil {
		dup.Args = append([]string(nil), t.Args...)
	}
	if t.Tags != nil {
		dup.Tags = append([]string(nil), t.Tags...)
	}
	if t.Env != nil {
		dup.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			dup.Env[k] = v
		}
	}
	dup.Ready = t.Ready.Clone()
	return dup
}

// Clone returns a deep copy of the group definition.
func (g LaunchGroupSpec) Clone() LaunchGroupSpec {
	dup := LaunchGroupSpec{Name: g.Name}
	if g.Tasks != nil {
		dup.Tasks = make([]TaskSpec, len(g.Tasks))
		for i, task := range g.Tasks {
			dup.Tasks[i] = task.Clone()
		}
	}
	return dup
}

// Task returns the task with the provided name.
func (g LaunchGroupSpec) Task(name string) (TaskSpec, bool) {
	for _, task := range g.Tasks {
		if task.Name == name {
			return task, true
		}
	}
	return TaskSpec{}, false
}

// Validate reports every structural problem with the group definition.
func (g LaunchGroupSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(g.Name) == "" {
		errs = append(errs, errors.New("group name is required"))
	}
	if len(g.Tasks) == 0 {
		errs = append(errs, errors.New("at least one task is required"))
	}
	seen := make(map[string]int, len(g.Tasks))
	for i, task := range g.Tasks {
		if err := task.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", taskField(i, task.Name, ""), err))
		}
		if task.Name == "" {
			continue
		}
		if prev, ok := seen[task.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: duplicate task name (first defined at tasks[%d])", taskField(i, task.Name, "name"), prev))
			continue
		}
		seen[task.Name] = i
	}
	return errors.Join(errs...)
}

// Validate checks a single task definition.
func (t TaskSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.ContainsAny(t.Name, `/\`) {
		errs = append(errs, fmt.Errorf("name %q must not contain path separators", t.Name))
	}
	if strings.TrimSpace(t.Program) == "" {
		errs = append(errs, errors.New("program is required"))
	}
	if t.StartDelay < 0 {
		errs = append(errs, fmt.Errorf("start-delay must not be negative (got %s)", t.StartDelay))
	}
	if t.RestartBackoff < 0 {
		errs = append(errs, fmt.Errorf("restart-backoff must not be negative (got %s)", t.RestartBackoff))
	}
	if err := t.Ready.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ready: %w", err))
	}
	return errors.Join(errs...)
}

func taskField(index int, name, field string) string {
	path := fmt.Sprintf("tasks[%d]", index)
	if name != "" {
		path = fmt.Sprintf("tasks[%d](%s)", index, name)
	}
	if field == "" {
		return path
	}
	return path + "." + field
}
