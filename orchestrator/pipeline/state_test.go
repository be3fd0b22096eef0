package pipeline

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allStates() []State {
	return []State{
		StateIdle, StatePlanning, StateImplementing, StateQA, StateDeploying,
		StateComplete, StateFailed, StatePaused, StateAwaitingManual,
	}
}

func TestForwardTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePlanning, true},
		{StatePlanning, StateImplementing, true},
		{StateImplementing, StateQA, true},
		{StateQA, StateDeploying, true},
		{StateQA, StateImplementing, true},
		{StateDeploying, StateComplete, true},
		{StateDeploying, StateFailed, true},

		{StateIdle, StateImplementing, false},
		{StatePlanning, StateDeploying, false},
		{StatePlanning, StateComplete, false},
		{StateImplementing, StateDeploying, false},
		{StateComplete, StatePlanning, false},
		{StateFailed, StatePlanning, false},
		{StateQA, StateQA, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestExceptionalEdges(t *testing.T) {
	// Pause is legal from every active non-paused state.
	for _, s := range []State{StatePlanning, StateImplementing, StateQA, StateDeploying, StateAwaitingManual} {
		assert.True(t, CanTransition(s, StatePaused), "%s -> paused", s)
	}
	assert.False(t, CanTransition(StatePaused, StatePaused))
	assert.False(t, CanTransition(StateComplete, StatePaused))
	assert.False(t, CanTransition(StateIdle, StatePaused))

	// Resume restores any active non-paused state.
	for _, s := range []State{StatePlanning, StateImplementing, StateQA, StateDeploying} {
		assert.True(t, CanTransition(StatePaused, s), "paused -> %s", s)
	}
	assert.False(t, CanTransition(StatePaused, StateComplete))

	// Escalation and abort from any active state.
	for _, s := range []State{StatePlanning, StateImplementing, StateQA, StateDeploying, StatePaused} {
		assert.True(t, CanTransition(s, StateAwaitingManual), "%s -> awaiting_manual", s)
		assert.True(t, CanTransition(s, StateFailed), "%s -> failed", s)
	}
	assert.False(t, CanTransition(StateAwaitingManual, StateAwaitingManual))

	// Override resumes an active state.
	for _, s := range []State{StatePlanning, StateImplementing, StateQA, StateDeploying} {
		assert.True(t, CanTransition(StateAwaitingManual, s), "awaiting_manual -> %s", s)
	}
	assert.False(t, CanTransition(StateAwaitingManual, StateComplete))
}

func TestPredicates(t *testing.T) {
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePaused.Terminal())

	assert.True(t, StatePlanning.Active())
	assert.True(t, StatePaused.Active())
	assert.True(t, StateAwaitingManual.Active())
	assert.False(t, StateIdle.Active())
	assert.False(t, StateComplete.Active())

	assert.True(t, StateImplementing.Pausable())
	assert.False(t, StatePaused.Pausable())
	assert.False(t, StateFailed.Pausable())

	assert.False(t, State("bogus").Valid())
	assert.False(t, CanTransition(State("bogus"), StatePlanning))
}

func TestPhaseMapping(t *testing.T) {
	for _, phase := range Phases() {
		entry, ok := EntryState(phase)
		require.True(t, ok)
		back, ok := entry.Phase()
		require.True(t, ok)
		assert.Equal(t, phase, back)
	}
	_, ok := EntryState(Phase("review"))
	assert.False(t, ok)
	_, ok = StatePaused.Phase()
	assert.False(t, ok)
}

func TestNextState(t *testing.T) {
	next, ok := NextState(PhasePlanning, false)
	require.True(t, ok)
	assert.Equal(t, StateImplementing, next)

	next, ok = NextState(PhaseQA, false)
	require.True(t, ok)
	assert.Equal(t, StateDeploying, next)

	next, ok = NextState(PhaseQA, true)
	require.True(t, ok)
	assert.Equal(t, StateImplementing, next)

	next, ok = NextState(PhaseDeploying, false)
	require.True(t, ok)
	assert.Equal(t, StateComplete, next)

	_, ok = NextState(Phase("review"), false)
	assert.False(t, ok)
}

func TestSeverityRaise(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Raise())
	assert.Equal(t, SeverityHigh, SeverityMedium.Raise())
	assert.Equal(t, SeverityCritical, SeverityHigh.Raise())
	assert.Equal(t, SeverityCritical, SeverityCritical.Raise())
}

// TestTransitionGraphProperties checks structural invariants of the
// transition relation over randomly drawn state pairs.
func TestTransitionGraphProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	states := allStates()
	genState := gen.IntRange(0, len(states)-1).Map(func(i int) State { return states[i] })

	properties.Property("terminal states have no outgoing edges", prop.ForAll(
		func(from, to State) bool {
			if !from.Terminal() {
				return true
			}
			return !CanTransition(from, to)
		},
		genState, genState,
	))

	properties.Property("no transition targets idle", prop.ForAll(
		func(from State) bool {
			return !CanTransition(from, StateIdle)
		},
		genState,
	))

	properties.Property("legal targets are always valid states", prop.ForAll(
		func(from, to State) bool {
			if !CanTransition(from, to) {
				return true
			}
			return from.Valid() && to.Valid() && to != from
		},
		genState, genState,
	))

	properties.Property("every active state can abort", prop.ForAll(
		func(from State) bool {
			if !from.Active() {
				return true
			}
			return CanTransition(from, StateFailed)
		},
		genState,
	))

	properties.TestingRun(t)
}

func TestContextClone(t *testing.T) {
	ctx := Context{
		ProjectID: "p1",
		Metadata:  map[string]string{"k": "v"},
	}
	clone := ctx.Clone()
	clone.Metadata["k"] = "mutated"
	assert.Equal(t, "v", ctx.Metadata["k"])
}
