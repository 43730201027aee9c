package zap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// StateHook is a signaling module's synchronous advance function. It runs
// under the channel lock right after a transition lands and may return a
// different state to move on to, which is checked against the same policy.
// It must not call locking Channel methods.
type StateHook func(ch *Channel, prev, next State) State

// State change completion polling.
var (
	stateWaitRetries  = 100
	stateWaitInterval = 10 * time.Millisecond
)

func stateEvent(s State) string {
	return "to_" + s.String()
}

// newChannelFSM builds the transition engine: one event per target state,
// reachable from every state, with the policy check as a cancelling
// before_event callback.
func newChannelFSM(c *Channel) *fsm.FSM {
	all := make([]string, 0, numStates)
	for _, s := range States() {
		all = append(all, s.String())
	}
	events := make(fsm.Events, 0, numStates)
	for _, s := range States() {
		events = append(events, fsm.EventDesc{Name: stateEvent(s), Src: all, Dst: s.String()})
	}

	return fsm.NewFSM(
		c.state.String(),
		events,
		fsm.Callbacks{
			"before_event": func(_ context.Context, e *fsm.Event) {
				cur, err1 := ParseState(e.Src)
				next, err2 := ParseState(e.Dst)
				if err1 != nil || err2 != nil || !c.acceptable(cur, next) {
					e.Cancel(errTransitionRefused)
				}
			},
		},
	)
}

var errTransitionRefused = errors.New("transition refused by state policy")

// acceptable applies the span StateMap, or the default policy when the span
// has none. Caller must hold c.mu.
func (c *Channel) acceptable(cur, next State) bool {
	if m := c.span.stateMapRef(); m != nil {
		dir := DirectionInbound
		if Test(c.flags, ChannelOutbound) {
			dir = DirectionOutbound
		}
		return m.Acceptable(dir, cur, next)
	}
	return defaultAcceptable(cur, next)
}

// step moves the FSM to next and reports whether it landed. Caller must hold
// c.mu.
func (c *Channel) step(next State) bool {
	if next == c.state {
		return false
	}
	if err := c.machine.Event(context.Background(), stateEvent(next)); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return false
		}
	}
	c.lastState = c.state
	c.state = next
	Set(&c.flags, ChannelStateChange)
	return true
}

// forceState sets the state without policy, used when a channel is reset.
// Caller must hold c.mu.
func (c *Channel) forceState(s State) {
	c.lastState = c.state
	c.state = s
	c.machine.SetState(s.String())
}

// State returns the current state.
func (c *Channel) State() State {
	c.lock()
	defer c.unlock()
	return c.state
}

// LastState returns the state before the most recent transition.
func (c *Channel) LastState() State {
	c.lock()
	defer c.unlock()
	return c.lastState
}

// InitState returns the state the channel takes when opened.
func (c *Channel) InitState() State {
	c.lock()
	defer c.unlock()
	return c.initState
}

// SetInitState sets the state the channel takes when opened.
func (c *Channel) SetInitState(s State) {
	c.lock()
	c.initState = s
	c.unlock()
}

// SetState requests a transition to next. The channel must be READY. The
// result tells the caller where the channel actually landed; a veto is not
// an error.
//
// The caller must not hold the channel lock.
func (c *Channel) SetState(next State) (TransitionResult, error) {
	if !next.Valid() {
		return TransitionResult{}, fmt.Errorf("invalid state %d: %w", int(next), ErrFail)
	}

	c.lock()
	defer c.unlock()

	if !Test(c.flags, ChannelReady) {
		return TransitionResult{}, fmt.Errorf("channel %d:%d not ready: %w", c.SpanID, c.ChanID, ErrFail)
	}

	prev := c.state
	if prev == next {
		r := TransitionResult{Outcome: OutcomeSameState, Previous: prev, Requested: next, Actual: prev}
		if next != StateHangup {
			c.logger.Warn("suspicious state change to the current state", "state", next.String())
		}
		return r, nil
	}

	if c.step(next) {
		if hook := c.span.stateHookRef(); hook != nil {
			if adv := hook(c, prev, next); adv != next && adv.Valid() {
				if !c.step(adv) {
					c.logger.Debug("signaling advance refused",
						"state", next.String(),
						"advance", adv.String(),
					)
				}
			}
		}
	}

	r := classify(prev, next, c.state)
	switch r.Outcome {
	case OutcomeCommitted, OutcomeSubstituted:
		c.logger.Debug("state changed",
			"previous", prev.String(),
			"requested", next.String(),
			"state", r.Actual.String(),
			"outcome", r.Outcome.String(),
		)
	case OutcomeVetoed:
		c.logger.Warn("state change vetoed",
			"previous", prev.String(),
			"requested", next.String(),
			"state", r.Actual.String(),
		)
	}
	return r, nil
}

// SetStateWait requests a transition and then waits for the signaling layer
// to acknowledge it by clearing STATE_CHANGE. A state change that is never
// acknowledged is logged, not returned as an error.
func (c *Channel) SetStateWait(ctx context.Context, next State) (TransitionResult, error) {
	r, err := c.SetState(next)
	if err != nil {
		return r, err
	}

	for i := 0; i < stateWaitRetries; i++ {
		if !c.HasFlag(ChannelStateChange) {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, fmt.Errorf("waiting for state %s: %w", next, ErrBreak)
		case <-time.After(stateWaitInterval):
		}
	}

	if c.HasFlag(ChannelStateChange) {
		c.logger.Error("state change not acknowledged by signaling",
			"state", r.Actual.String(),
			"waited", time.Duration(stateWaitRetries)*stateWaitInterval,
			"fatal", true,
		)
	}
	return r, nil
}

// CompleteStateChange acknowledges the last transition. Signaling modules
// call it once they have acted on the new state.
func (c *Channel) CompleteStateChange() {
	c.ClearFlag(ChannelStateChange)
}
