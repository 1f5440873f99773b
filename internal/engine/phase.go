package engine

// Phase is the lifecycle position of a supervised task.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseDelaying   Phase = "delaying"
	PhaseStarting   Phase = "starting"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseRestarting Phase = "restarting"
	PhaseExited     Phase = "exited"
	PhaseTerminated Phase = "terminated"
)

var transitions = map[Phase][]Phase{
	PhasePending:    {PhaseDelaying},
	PhaseDelaying:   {PhaseStarting, PhaseTerminated},
	PhaseStarting:   {PhaseRunning, PhaseExited},
	PhaseRunning:    {PhaseStopping, PhaseRestarting, PhaseExited, PhaseTerminated},
	PhaseStopping:   {PhaseTerminated},
	PhaseRestarting: {PhaseDelaying, PhaseTerminated},
}

// Terminal reports whether no further transitions leave the phase.
func (p Phase) Terminal() bool {
	return p == PhaseExited || p == PhaseTerminated
}

func (p Phase) String() string {
	return string(p)
}

// CanTransition reports whether from → to is a legal phase change.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
