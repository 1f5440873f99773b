package metrics

import (
	"sync"
	"time"

	"github.com/Paintersrp/launchpad/internal/engine"
	"github.com/Paintersrp/launchpad/internal/events"
	"github.com/Paintersrp/launchpad/internal/logmux"
	"github.com/Paintersrp/launchpad/internal/probe"
)

// Attach keeps the registry in sync with lifecycle events published on bus.
// The returned function detaches.
func Attach(bus *events.Bus) func() {
	var mu sync.Mutex
	stopping := make(map[string]time.Time)

	unsubTasks := events.Subscribe(bus, func(evt engine.TaskEvent) {
		SetTaskRunning(evt.Task, evt.Phase == engine.PhaseRunning)
		if evt.Phase != engine.PhaseRunning && evt.Phase != engine.PhaseStopping {
			taskReady.DeleteLabelValues(evt.Task)
		}

		if evt.Phase == engine.PhaseDelaying && evt.Reason == engine.ReasonRestart {
			IncrementTaskRestart(evt.Task)
		}
		if outcome := exitOutcome(evt); outcome != "" {
			RecordTaskExit(evt.Task, outcome)
		}

		mu.Lock()
		defer mu.Unlock()
		switch {
		case evt.Phase == engine.PhaseStopping:
			stopping[evt.Task] = evt.Timestamp
		case evt.Previous == engine.PhaseStopping:
			if began, ok := stopping[evt.Task]; ok {
				ObserveStopDuration(evt.Task, evt.Timestamp.Sub(began))
				delete(stopping, evt.Task)
			}
		}
	})
	unsubReady := events.Subscribe(bus, func(evt engine.ReadyEvent) {
		SetTaskReady(evt.Task, evt.Status == probe.StatusReady)
	})
	unsubShutdown := events.Subscribe(bus, func(evt engine.ShutdownEvent) {
		SetGroupShutdown(string(evt.Cause))
	})
	unsubDrops := events.Subscribe(bus, func(evt logmux.DropEvent) {
		AddOutputDropped(evt.Task, evt.Count)
	})

	return func() {
		unsubTasks()
		unsubReady()
		unsubShutdown()
		unsubDrops()
	}
}

func exitOutcome(evt engine.TaskEvent) string {
	switch evt.Phase {
	case engine.PhaseExited, engine.PhaseRestarting, engine.PhaseTerminated:
	default:
		return ""
	}
	switch {
	case evt.Reason == engine.ReasonStartFailure:
		return OutcomeStartError
	case evt.Previous == engine.PhaseStopping:
		return OutcomeStopped
	case evt.Previous != engine.PhaseRunning || evt.ExitCode == nil:
		return ""
	case *evt.ExitCode == 0 && evt.Signal == "":
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}
