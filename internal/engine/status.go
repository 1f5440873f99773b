package engine

import (
	"time"

	"github.com/Paintersrp/launchpad/internal/probe"
)

// TaskStatus is a point-in-time view of one supervised task.
type TaskStatus struct {
	Name  string `json:"name"`
	Phase Phase  `json:"phase"`
	PID   int    `json:"pid,omitempty"`
	// Ready is empty for tasks without a readiness check or not running.
	Ready     probe.Status `json:"ready,omitempty"`
	ExitCode  *int         `json:"exit_code"`
	Signal    string       `json:"signal,omitempty"`
	Restarts  int          `json:"restarts"`
	LastStart time.Time    `json:"last_start,omitzero"`
	LastError string       `json:"last_error,omitempty"`
	Tags      []string     `json:"tags,omitempty"`
}

// GroupStatus is a point-in-time view of a launch group.
type GroupStatus struct {
	Group    string       `json:"group"`
	LaunchID string       `json:"launch_id"`
	Shutdown bool         `json:"shutdown"`
	Cause    Cause        `json:"cause,omitempty"`
	Origin   string       `json:"origin,omitempty"`
	Tasks    []TaskStatus `json:"tasks"`
}

// Running returns the number of tasks currently in the running phase.
func (s GroupStatus) Running() int {
	n := 0
	for _, task := range s.Tasks {
		if task.Phase == PhaseRunning {
			n++
		}
	}
	return n
}

// Task returns the status of the named task.
func (s GroupStatus) Task(name string) (TaskStatus, bool) {
	for _, task := range s.Tasks {
		if task.Name == name {
			return task, true
		}
	}
	return TaskStatus{}, false
}
