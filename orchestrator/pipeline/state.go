// Package pipeline defines the core data model for pipeline orchestration:
// the state alphabet, the legal transition graph, the phase sequence, and the
// persistent entities (context, history rows, checkpoints, failure records)
// shared by the state machine, the recovery engine, and the storage backends.
//
// Everything in this package is pure data: no I/O, no clocks beyond the
// timestamps callers stamp onto entities. The transition table is a fixed
// structure with O(1) queries.
package pipeline

type (
	// State is the finite-state-machine label of a pipeline's current position.
	State string

	// Phase is a named stage of the pipeline with a corresponding active state.
	// Phases drive agent dispatch: each non-terminal entry state has exactly
	// one phase whose agent executes it.
	Phase string
)

const (
	// StateIdle is the implicit origin of every run. No context row exists in
	// this state; it appears only as the previousState of the first history row.
	StateIdle State = "idle"
	// StatePlanning indicates the planner agent is producing a plan.
	StatePlanning State = "planning"
	// StateImplementing indicates the implementer agent is executing the plan.
	StateImplementing State = "implementing"
	// StateQA indicates the QA agent is verifying the implementation.
	StateQA State = "qa"
	// StateDeploying indicates the deploy agent is rolling out the result.
	StateDeploying State = "deploying"
	// StateComplete is the successful terminal state.
	StateComplete State = "complete"
	// StateFailed is the unsuccessful terminal state.
	StateFailed State = "failed"
	// StatePaused indicates a user suspended the pipeline; previousState
	// records the active state to restore on resume.
	StatePaused State = "paused"
	// StateAwaitingManual indicates the recovery engine escalated the pipeline
	// and a human override is required to proceed.
	StateAwaitingManual State = "awaiting_manual"
)

const (
	// PhasePlanning is executed by the planner agent and enters StatePlanning.
	PhasePlanning Phase = "planning"
	// PhaseImplementing is executed by the implementer agent.
	PhaseImplementing Phase = "implementing"
	// PhaseQA is executed by the QA agent.
	PhaseQA Phase = "qa"
	// PhaseDeploying is executed by the deploy agent.
	PhaseDeploying Phase = "deploying"
)

// forward is the legal forward-transition relation. Pause, resume, escalation
// and abort are handled as explicit exceptional edges by the predicates below,
// not by this map.
var forward = map[State]map[State]bool{
	StateIdle:         {StatePlanning: true},
	StatePlanning:     {StateImplementing: true},
	StateImplementing: {StateQA: true},
	StateQA:           {StateDeploying: true, StateImplementing: true},
	StateDeploying:    {StateComplete: true, StateFailed: true},
}

// phaseEntry maps each phase to the state the pipeline occupies while that
// phase's agent runs.
var phaseEntry = map[Phase]State{
	PhasePlanning:     StatePlanning,
	PhaseImplementing: StateImplementing,
	PhaseQA:           StateQA,
	PhaseDeploying:    StateDeploying,
}

// statePhase is the inverse of phaseEntry.
var statePhase = map[State]Phase{
	StatePlanning:     PhasePlanning,
	StateImplementing: PhaseImplementing,
	StateQA:           PhaseQA,
	StateDeploying:    PhaseDeploying,
}

// Valid reports whether s is a member of the state alphabet.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StatePlanning, StateImplementing, StateQA, StateDeploying,
		StateComplete, StateFailed, StatePaused, StateAwaitingManual:
		return true
	}
	return false
}

// Terminal reports whether s ends the run. Terminal pipelines have no hot
// context row.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Active reports whether s describes a live run, including the blocked control
// states paused and awaiting_manual.
func (s State) Active() bool {
	return s.Valid() && !s.Terminal() && s != StateIdle
}

// Pausable reports whether a pipeline in s may be paused. Paused and terminal
// states are not pausable; neither is idle (no context exists yet).
func (s State) Pausable() bool {
	return s.Active() && s != StatePaused
}

// Phase returns the phase whose agent executes state s, or "" when s has no
// executing agent (control and terminal states).
func (s State) Phase() (Phase, bool) {
	p, ok := statePhase[s]
	return p, ok
}

// CanTransition reports whether from → to is a member of the legal forward
// relation or one of the explicit exceptional edges:
//
//   - any active state → paused (pause)
//   - paused → any active non-paused state (resume restores previousState)
//   - any active state → awaiting_manual (escalation)
//   - awaiting_manual → any active non-paused state (manual override)
//   - any active state → failed (abort)
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if forward[from][to] {
		return true
	}
	switch to {
	case StatePaused:
		return from.Pausable()
	case StateAwaitingManual:
		return from.Active() && from != StateAwaitingManual
	case StateFailed:
		return from.Active()
	}
	switch from {
	case StatePaused, StateAwaitingManual:
		return to.Active() && to != StatePaused
	}
	return false
}

// EntryState returns the state entered when phase begins executing.
func EntryState(phase Phase) (State, bool) {
	s, ok := phaseEntry[phase]
	return s, ok
}

// NextState returns the state a successful completion of phase transitions
// into. A QA completion with rework set loops back to implementing instead of
// advancing to deploying.
func NextState(phase Phase, rework bool) (State, bool) {
	switch phase {
	case PhasePlanning:
		return StateImplementing, true
	case PhaseImplementing:
		return StateQA, true
	case PhaseQA:
		if rework {
			return StateImplementing, true
		}
		return StateDeploying, true
	case PhaseDeploying:
		return StateComplete, true
	}
	return "", false
}

// Phases returns the forward phase sequence in execution order.
func Phases() []Phase {
	return []Phase{PhasePlanning, PhaseImplementing, PhaseQA, PhaseDeploying}
}
