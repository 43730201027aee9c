package zap

import (
	"fmt"
	"strings"
)

// State is a channel's signaling state.
type State int

const (
	StateDown State = iota
	StateHold
	StateSuspended
	StateDialtone
	StateCollect
	StateRing
	StateBusy
	StateAttn
	StateGenring
	StateDialing
	StateGetCallerID
	StateCallwaiting
	StateRestart
	StateProgress
	StateProgressMedia
	StateUp
	StateIdle
	StateTerminating
	StateCancel
	StateHangup
	StateHangupComplete
	StateInLoop
	numStates
)

// StateAny matches every state in a StateMap node.
const StateAny State = -1

var stateNames = [...]string{
	StateDown:           "DOWN",
	StateHold:           "HOLD",
	StateSuspended:      "SUSPENDED",
	StateDialtone:       "DIALTONE",
	StateCollect:        "COLLECT",
	StateRing:           "RING",
	StateBusy:           "BUSY",
	StateAttn:           "ATTN",
	StateGenring:        "GENRING",
	StateDialing:        "DIALING",
	StateGetCallerID:    "GET_CALLERID",
	StateCallwaiting:    "CALLWAITING",
	StateRestart:        "RESTART",
	StateProgress:       "PROGRESS",
	StateProgressMedia:  "PROGRESS_MEDIA",
	StateUp:             "UP",
	StateIdle:           "IDLE",
	StateTerminating:    "TERMINATING",
	StateCancel:         "CANCEL",
	StateHangup:         "HANGUP",
	StateHangupComplete: "HANGUP_COMPLETE",
	StateInLoop:         "IN_LOOP",
}

func (s State) String() string {
	if s == StateAny {
		return "ANY"
	}
	if s >= 0 && s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Valid reports whether s is a concrete channel state.
func (s State) Valid() bool {
	return s >= 0 && s < numStates
}

// ParseState maps a state name, in any case, to its State.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	if name == "ANY" {
		return StateAny, nil
	}
	return 0, fmt.Errorf("unknown channel state %q", name)
}

// States returns every concrete state in declaration order.
func States() []State {
	out := make([]State, numStates)
	for i := range out {
		out[i] = State(i)
	}
	return out
}

// Outcome classifies how a state change request ended.
type Outcome int

const (
	// OutcomeCommitted means the channel landed in the requested state.
	OutcomeCommitted Outcome = iota
	// OutcomeSubstituted means signaling fast-forwarded to a compatible
	// teardown state. Not an error.
	OutcomeSubstituted
	// OutcomeSameState means the channel was already in the requested state.
	OutcomeSameState
	// OutcomeVetoed means policy or signaling kept the channel out of the
	// requested state.
	OutcomeVetoed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeSubstituted:
		return "substituted"
	case OutcomeSameState:
		return "same-state"
	case OutcomeVetoed:
		return "vetoed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TransitionResult reports a state change request. Callers should look at
// Actual rather than assume the request was honoured.
type TransitionResult struct {
	Outcome   Outcome
	Previous  State
	Requested State
	Actual    State
}

// Accepted reports whether the request ended somewhere the caller can treat
// as success.
func (r TransitionResult) Accepted() bool {
	return r.Outcome != OutcomeVetoed
}

type statePair struct {
	requested State
	actual    State
}

// compatibleSubstitutions lists the (requested, actual) pairs where landing in
// a different state is an expected shortcut through call teardown.
var compatibleSubstitutions = map[statePair]struct{}{
	{requested: StateTerminating, actual: StateHangup}:    {},
	{requested: StateHangup, actual: StateHangupComplete}: {},
	{requested: StateHangup, actual: StateTerminating}:    {},
}

// IsCompatibleSubstitution reports whether landing in actual after asking for
// requested is an allowed substitution rather than a veto.
func IsCompatibleSubstitution(requested, actual State) bool {
	_, ok := compatibleSubstitutions[statePair{requested, actual}]
	return ok
}

// classify turns the requested and landed states into an outcome.
func classify(prev, requested, actual State) TransitionResult {
	r := TransitionResult{Previous: prev, Requested: requested, Actual: actual}
	switch {
	case actual == requested:
		r.Outcome = OutcomeCommitted
	case IsCompatibleSubstitution(requested, actual):
		r.Outcome = OutcomeSubstituted
	default:
		r.Outcome = OutcomeVetoed
	}
	return r
}
