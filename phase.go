package bluegreen

import "time"

// Phase is the stage a migration episode is in. The Coordinator is the
// single writer; everything else only reads it.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhasePreparing         Phase = "preparing"
	PhaseReplicating       Phase = "replicating"
	PhaseSyncing           Phase = "syncing"
	PhaseCutoverInProgress Phase = "cutover-in-progress"
	PhaseCutover           Phase = "cutover"
	PhaseRollingBack       Phase = "rolling-back"
	PhaseFailed            Phase = "failed"
)

// transitions enumerates every legal phase change. Anything not listed
// here is refused with a TransitionError.
var transitions = map[Phase][]Phase{
	PhaseIdle:              {PhasePreparing},
	PhasePreparing:         {PhaseReplicating, PhaseRollingBack, PhaseFailed},
	PhaseReplicating:       {PhaseSyncing, PhaseRollingBack, PhaseFailed},
	PhaseSyncing:           {PhaseCutoverInProgress, PhaseRollingBack, PhaseFailed},
	PhaseCutoverInProgress: {PhaseCutover, PhaseRollingBack, PhaseFailed},
	PhaseRollingBack:       {PhaseIdle, PhaseFailed},
	PhaseCutover:           {},
	PhaseFailed:            {},
}

// CanTransition reports whether the state machine allows moving to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the episode is over. PhaseCutover is the
// success terminal (Cleanup still operates in it), PhaseFailed requires
// operator intervention.
func (p Phase) Terminal() bool {
	return p == PhaseCutover || p == PhaseFailed
}

// Transition is one entry of the episode's phase history.
type Transition struct {
	From   Phase
	To     Phase
	Reason string
	At     time.Time
}
