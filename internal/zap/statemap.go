package zap

// Direction is the call direction a StateMap node applies to.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
	DirectionAny
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "any"
	}
}

// NodeKind says whether a matching StateMap node allows or forbids the
// transition.
type NodeKind int

const (
	Acceptable NodeKind = iota
	Unacceptable
)

// StateMapNode matches transitions out of any of Check into any of States
// for calls in Direction. StateAny in either list matches every state.
type StateMapNode struct {
	Direction Direction
	Kind      NodeKind
	Check     []State
	States    []State
}

// StateMap is a signaling module's transition table. Nodes are tried in
// order and the first match decides; with no match the transition is
// unacceptable.
type StateMap struct {
	Nodes []StateMapNode
}

func containsState(list []State, s State) bool {
	for _, v := range list {
		if v == s || v == StateAny {
			return true
		}
	}
	return false
}

// Acceptable reports whether a call in direction dir may move from cur to
// next.
func (m *StateMap) Acceptable(dir Direction, cur, next State) bool {
	for _, n := range m.Nodes {
		if n.Direction != DirectionAny && n.Direction != dir {
			continue
		}
		if !containsState(n.Check, cur) || !containsState(n.States, next) {
			continue
		}
		return n.Kind == Acceptable
	}
	return false
}

// defaultAcceptable is the policy for spans without a StateMap. It protects
// call teardown: once a channel is hanging up it can only go down (or busy),
// and an answered call cannot go back to ringing or progress.
func defaultAcceptable(cur, next State) bool {
	switch cur {
	case StateHangup:
		return next == StateDown || next == StateBusy || next == StateHangupComplete || next == StateTerminating
	case StateTerminating:
		return next == StateDown || next == StateBusy || next == StateHangup
	case StateHangupComplete:
		return next == StateDown
	case StateUp:
		return next != StateProgress && next != StateProgressMedia && next != StateRing
	case StateBusy:
		return next != StateUp
	}
	return true
}
