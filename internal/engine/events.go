package engine

import (
	"time"

	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/probe"
)

// Reasons attached to task events.
const (
	ReasonInitialStart = "initial_start"
	ReasonRestart      = "restart"
	ReasonStarted      = "started"
	ReasonStartFailure = "start_failure"
	ReasonProcessExit  = "process_exit"
	ReasonShutdown     = "shutdown"
)

// TaskEvent records a single phase change of one task.
type TaskEvent struct {
	Timestamp time.Time
	Group     string
	Task      string
	Phase     Phase
	Previous  Phase
	PID       int
	// ExitCode is set on events that observed the process ending.
	ExitCode *int
	Signal   string
	Restarts int
	Reason   string
	Message  string
	Err      error
}

// Type implements events.Event.
func (TaskEvent) Type() uint32 {
	return events.TypeTaskPhase
}

// ShutdownEvent is published once when the group shutdown request is set.
type ShutdownEvent struct {
	Timestamp time.Time
	Group     string
	Cause     Cause
	Origin    string
}

// Type implements events.Event.
func (ShutdownEvent) Type() uint32 {
	return events.TypeGroupShutdown
}

// ReadyEvent reports a readiness transition of a running task.
type ReadyEvent struct {
	Timestamp time.Time
	Group     string
	Task      string
	Status    probe.Status
	Reason    string
}

// Type implements events.Event.
func (ReadyEvent) Type() uint32 {
	return events.TypeTaskReady
}
