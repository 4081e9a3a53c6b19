package bluegreen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseTransitions(t *testing.T) {
	allowed := []struct {
		from Phase
		to   Phase
	}{
		{PhaseIdle, PhasePreparing},
		{PhasePreparing, PhaseReplicating},
		{PhaseReplicating, PhaseSyncing},
		{PhaseSyncing, PhaseCutoverInProgress},
		{PhaseCutoverInProgress, PhaseCutover},
		{PhaseCutoverInProgress, PhaseRollingBack},
		{PhasePreparing, PhaseRollingBack},
		{PhaseReplicating, PhaseRollingBack},
		{PhaseSyncing, PhaseRollingBack},
		{PhaseRollingBack, PhaseIdle},
		{PhasePreparing, PhaseFailed},
		{PhaseReplicating, PhaseFailed},
		{PhaseSyncing, PhaseFailed},
		{PhaseCutoverInProgress, PhaseFailed},
		{PhaseRollingBack, PhaseFailed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from Phase
		to   Phase
	}{
		{PhaseIdle, PhaseSyncing},
		{PhaseIdle, PhaseCutover},
		{PhaseIdle, PhaseRollingBack},
		{PhasePreparing, PhaseCutoverInProgress},
		{PhaseReplicating, PhaseCutoverInProgress},
		{PhaseSyncing, PhaseCutover},
		{PhaseCutover, PhaseIdle},
		{PhaseCutover, PhaseRollingBack},
		{PhaseFailed, PhaseIdle},
		{PhaseFailed, PhasePreparing},
		{PhaseRollingBack, PhaseSyncing},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be refused", tc.from, tc.to)
	}
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseCutover.Terminal())
	assert.True(t, PhaseFailed.Terminal())

	for _, p := range []Phase{
		PhaseIdle, PhasePreparing, PhaseReplicating,
		PhaseSyncing, PhaseCutoverInProgress, PhaseRollingBack,
	} {
		assert.False(t, p.Terminal(), "%s should not be terminal", p)
	}
}

func TestTerminalPhasesHaveNoExits(t *testing.T) {
	assert.Empty(t, transitions[PhaseCutover])
	assert.Empty(t, transitions[PhaseFailed])
}
