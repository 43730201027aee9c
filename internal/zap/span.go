package zap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/openzap/internal/teletone"
	"github.com/flowpbx/openzap/internal/tone"
)

// Channel and span capacity limits.
const (
	MaxChannelsSpan      = 513
	MaxSpansInterface    = 128
	DefaultPollTimeout   = 500 * time.Millisecond
	pumpErrorBackoff     = 100 * time.Millisecond
	channelDefaultMask   = ChannelSupressDTMF | ChannelDTMFDetect | ChannelProgressDetect | ChannelCallerIDDetect
	defaultSpanInitState = StateDown
)

// Span is a trunk: a fixed array of channels sharing one driver, signaling
// type and tone configuration.
//
// mu guards the span flags and the channel count. Channels have their own
// locks; bulk operations hold mu for the iteration and take each channel
// lock in turn. cfgMu guards signaling settings, callbacks and tones, and is
// the innermost lock: channel code reads them while holding a channel lock.
type Span struct {
	ID         int
	Name       string
	TrunkType  TrunkType
	SignalType SignalType

	io     IOInterface
	logger *slog.Logger

	mu        sync.Mutex
	flags     SpanFlag
	channels  []Channel // index 0 unused
	chanCount int
	capacity  int
	initState State

	cfgMu           sync.RWMutex
	channelDefaults ChannelFlag
	toneMap         *tone.Map
	toneFinder      []teletone.ToneSpec
	stateMap        *StateMap
	stateHook       StateHook
	eventCB         EventCallback
	signalCB        SignalCallback

	stop context.CancelFunc
	done chan struct{}
}

func newSpan(id int, name string, io IOInterface, trunk TrunkType, capacity int, logger *slog.Logger) *Span {
	s := &Span{
		ID:         id,
		Name:       name,
		TrunkType:  trunk,
		SignalType: SignalNone,
		io:         io,
		capacity:   capacity,
		initState:  defaultSpanInitState,
		logger: logger.With(
			"span_id", id,
			"span", name,
			"io", io.Name(),
		),
	}
	s.channels = make([]Channel, capacity+1)
	return s
}

// IO returns the driver backing the span.
func (s *Span) IO() IOInterface { return s.io }

// Logger returns the span logger.
func (s *Span) Logger() *slog.Logger { return s.logger }

// Capacity returns the fixed number of channel slots.
func (s *Span) Capacity() int { return s.capacity }

// ChanCount returns how many channels have been added.
func (s *Span) ChanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chanCount
}

// HasFlag reports whether any bit of f is set on the span.
func (s *Span) HasFlag(f SpanFlag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Test(s.flags, f)
}

// SetFlag sets f on the span.
func (s *Span) SetFlag(f SpanFlag) {
	s.mu.Lock()
	Set(&s.flags, f)
	s.mu.Unlock()
}

// ClearFlag clears f on the span.
func (s *Span) ClearFlag(f SpanFlag) {
	s.mu.Lock()
	Clear(&s.flags, f)
	s.mu.Unlock()
}

// Flags returns a snapshot of the span flags.
func (s *Span) Flags() SpanFlag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// SetChannelDefaults sets the policy flags (DTMF detection, DTMF
// suppression, progress and caller-ID detection) copied onto channels as they
// are added and reset. Detectors named by the flags start when the channel
// is opened.
func (s *Span) SetChannelDefaults(f ChannelFlag) {
	s.cfgMu.Lock()
	s.channelDefaults = f & channelDefaultMask
	s.cfgMu.Unlock()
}

// SetInitState sets the state channels added afterwards enter when opened.
func (s *Span) SetInitState(st State) {
	s.mu.Lock()
	s.initState = st
	s.mu.Unlock()
}

// AddChannel claims the next slot for a channel of type typ. The new
// channel's id is the slot index, starting at 1. A full span is left
// untouched and returns ErrSpanFull.
func (s *Span) AddChannel(handle any, typ ChanType) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chanCount >= s.capacity {
		return nil, fmt.Errorf("span %s: %d channels: %w", s.Name, s.chanCount, ErrSpanFull)
	}
	id := s.chanCount + 1
	ch := &s.channels[id]
	ch.init(s, id, handle, typ)
	s.chanCount = id
	return ch, nil
}

// Channel returns channel id, 1-based.
func (s *Span) Channel(id int) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > s.chanCount {
		return nil, fmt.Errorf("span %s has no channel %d: %w", s.Name, id, ErrFail)
	}
	return &s.channels[id], nil
}

// Channels returns every configured channel in id order.
func (s *Span) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, 0, s.chanCount)
	for i := 1; i <= s.chanCount; i++ {
		out = append(out, &s.channels[i])
	}
	return out
}

// Configure asks the driver to add the channels described by spec.
func (s *Span) Configure(spec string, typ ChanType) (int, error) {
	n, err := s.io.ConfigureSpan(s, spec, typ)
	if err != nil {
		return n, fmt.Errorf("configuring span %s with %q: %w", s.Name, spec, err)
	}
	s.logger.Info("span channels configured", "spec", spec, "chan_type", typ.String(), "added", n)
	return n, nil
}

// ConfigureSignaling binds the signaling module. It may run once; the
// signaling type is fixed afterwards.
func (s *Span) ConfigureSignaling(sig SignalType, cb SignalCallback, m *StateMap, hook StateHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Test(s.flags, SpanConfigured) {
		return fmt.Errorf("span %s already configured for %s: %w", s.Name, s.SignalType, ErrFail)
	}
	s.SignalType = sig
	s.cfgMu.Lock()
	s.signalCB = cb
	s.stateMap = m
	s.stateHook = hook
	s.cfgMu.Unlock()
	Set(&s.flags, SpanConfigured|SpanReady)
	s.logger.Info("span signaling configured", "signaling", sig.String())
	return nil
}

// SetStateMap replaces the transition table; nil restores the default
// policy.
func (s *Span) SetStateMap(m *StateMap) {
	s.cfgMu.Lock()
	s.stateMap = m
	s.cfgMu.Unlock()
}

// SetStateHook installs the signaling advance function.
func (s *Span) SetStateHook(h StateHook) {
	s.cfgMu.Lock()
	s.stateHook = h
	s.cfgMu.Unlock()
}

// SetEventCallback sets the callback for events without a channel override.
func (s *Span) SetEventCallback(cb EventCallback) {
	s.cfgMu.Lock()
	s.eventCB = cb
	s.cfgMu.Unlock()
}

// SetSignalCallback sets the receiver of SendSignal messages.
func (s *Span) SetSignalCallback(cb SignalCallback) {
	s.cfgMu.Lock()
	s.signalCB = cb
	s.cfgMu.Unlock()
}

func (s *Span) stateMapRef() *StateMap {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.stateMap
}

func (s *Span) stateHookRef() StateHook {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.stateHook
}

func (s *Span) eventCallback() EventCallback {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.eventCB
}

func (s *Span) defaultChannelFlags() ChannelFlag {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.channelDefaults
}

// SendSignal delivers msg to the signal callback.
func (s *Span) SendSignal(msg *SigMsg) error {
	s.cfgMu.RLock()
	cb := s.signalCB
	s.cfgMu.RUnlock()
	if cb == nil {
		return fmt.Errorf("span %s has no signal callback: %w", s.Name, ErrFail)
	}
	msg.SpanID = s.ID
	if msg.Channel != nil {
		msg.ChanID = msg.Channel.ChanID
	}
	return cb(msg)
}

// OpenChannel claims channel id for a call: it must be ready, unused, not
// suspended and free of red or blue alarms.
func (s *Span) OpenChannel(id int) (*Channel, error) {
	ch, err := s.Channel(id)
	if err != nil {
		return nil, err
	}
	if err := ch.openable(); err != nil {
		return nil, err
	}
	if err := s.open(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// OpenAny hunts the span for the first openable voice channel.
func (s *Span) OpenAny(dir HuntDirection) (*Channel, error) {
	chans := s.Channels()
	for i := range chans {
		ch := chans[i]
		if dir == HuntBottomUp {
			ch = chans[len(chans)-1-i]
		}
		if !ch.Type.Voice() || ch.openable() != nil {
			continue
		}
		if err := s.open(ch); err != nil {
			s.logger.Debug("hunt skipped channel", "chan_id", ch.ChanID, "error", err)
			continue
		}
		return ch, nil
	}
	return nil, fmt.Errorf("span %s: no channel available: %w", s.Name, ErrFail)
}

func (c *Channel) openable() error {
	if _, err := c.RefreshAlarms(); err != nil {
		c.logger.Warn("alarm refresh failed", "error", err)
	}
	c.lock()
	defer c.unlock()
	switch {
	case !Test(c.flags, ChannelReady):
		return fmt.Errorf("channel %d:%d not ready: %w", c.SpanID, c.ChanID, ErrFail)
	case Test(c.flags, ChannelInUse):
		return fmt.Errorf("channel %d:%d in use: %w", c.SpanID, c.ChanID, ErrFail)
	case Test(c.flags, ChannelSuspended):
		return fmt.Errorf("channel %d:%d suspended: %w", c.SpanID, c.ChanID, ErrFail)
	case Test(c.alarms, AlarmRed|AlarmBlue):
		return fmt.Errorf("channel %d:%d in alarm %s: %w", c.SpanID, c.ChanID, c.alarms, ErrFail)
	}
	return nil
}

func (s *Span) open(ch *Channel) error {
	// Claim first so two hunters cannot open the same channel.
	ch.lock()
	if Test(ch.flags, ChannelInUse) {
		ch.unlock()
		return fmt.Errorf("channel %d:%d in use: %w", ch.SpanID, ch.ChanID, ErrFail)
	}
	Set(&ch.flags, ChannelInUse)
	ch.unlock()

	if err := s.io.Open(ch); err != nil {
		ch.ClearFlag(ChannelInUse)
		return fmt.Errorf("opening channel %d:%d: %w", ch.SpanID, ch.ChanID, err)
	}

	ch.lock()
	Set(&ch.flags, ChannelOpen)
	st := ch.initState
	ch.forceState(st)
	ch.unlock()
	ch.armDetectors()
	ch.logger.Debug("channel opened", "state", st.String())
	return nil
}

// detectorCommands maps each detection flag to the command that starts it.
var detectorCommands = []struct {
	flag ChannelFlag
	cmd  Command
}{
	{ChannelDTMFDetect, CommandEnableDTMFDetect},
	{ChannelProgressDetect, CommandEnableProgressDetect},
	{ChannelCallerIDDetect, CommandEnableCallerIDDetect},
}

// armDetectors starts the detectors whose flags the span defaults put on
// the channel. A detector that cannot start has its flag cleared.
func (c *Channel) armDetectors() {
	flags := c.Flags()
	for _, d := range detectorCommands {
		if !Test(flags, d.flag) {
			continue
		}
		if err := c.command(d.cmd, nil); err != nil {
			c.ClearFlag(d.flag)
			c.logger.Warn("default detector not started", "command", d.cmd.String(), "error", err)
		}
	}
}

// SetStateAll requests state on every channel. A veto on one channel does
// not stop the others.
func (s *Span) SetStateAll(state State) []TransitionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]TransitionResult, 0, s.chanCount)
	for i := 1; i <= s.chanCount; i++ {
		ch := &s.channels[i]
		r, err := ch.SetState(state)
		if err != nil {
			ch.logger.Debug("bulk state change skipped", "state", state.String(), "error", err)
			r = TransitionResult{Outcome: OutcomeVetoed, Requested: state, Previous: ch.State(), Actual: ch.State()}
		}
		results = append(results, r)
	}
	return results
}

// CheckStateAll reports whether every channel is in state with no state
// change pending.
func (s *Span) CheckStateAll(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 1; i <= s.chanCount; i++ {
		ch := &s.channels[i]
		ch.lock()
		ok := ch.state == state && !Test(ch.flags, ChannelStateChange)
		ch.unlock()
		if !ok {
			return false
		}
	}
	return true
}

// PollEvent blocks up to timeout for an event on any channel of the span.
func (s *Span) PollEvent(ctx context.Context, timeout time.Duration) error {
	err := s.io.PollEvent(ctx, s, timeout)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrBreak) {
		return fmt.Errorf("polling span %s: %w", s.Name, ErrBreak)
	}
	return err
}

// NextEvent dequeues one pending event.
func (s *Span) NextEvent() (*Event, error) {
	return s.io.NextEvent(s)
}

// LoadTones loads the named tone map from src. Detection templates feed the
// progress detector of every channel that enables it.
func (s *Span) LoadTones(ctx context.Context, src tone.Source, mapname string) error {
	entries, err := src.ToneMap(ctx, mapname)
	if err != nil {
		return fmt.Errorf("loading tonemap %q: %w", mapname, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("loading tonemap %q: %w", mapname, tone.ErrUnknownMap)
	}
	m, skipped, err := tone.Parse(mapname, entries)
	if err != nil {
		return err
	}
	for _, k := range skipped {
		s.logger.Warn("unknown tonemap entry skipped", "tonemap", mapname, "entry", k)
	}

	var finder []teletone.ToneSpec
	for k := 0; k < tone.NumKinds; k++ {
		if freqs := m.DetectFreqs(tone.Kind(k)); len(freqs) > 0 {
			finder = append(finder, teletone.ToneSpec{ID: k, Freqs: freqs})
		}
	}

	s.cfgMu.Lock()
	s.toneMap = m
	s.toneFinder = finder
	s.cfgMu.Unlock()

	s.logger.Info("tonemap loaded", "tonemap", mapname, "detect", len(finder))
	return nil
}

// ToneMap returns the loaded tone map, nil if none.
func (s *Span) ToneMap() *tone.Map {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.toneMap
}

func (s *Span) toneSpecs() []teletone.ToneSpec {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.toneFinder
}

// Start runs the span's event goroutine, which polls the driver and hands
// events to the callbacks until Stop or ctx ends.
func (s *Span) Start(ctx context.Context, pollTimeout time.Duration) error {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	s.mu.Lock()
	if Test(s.flags, SpanInThread) {
		s.mu.Unlock()
		return fmt.Errorf("span %s already started: %w", s.Name, ErrFail)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	Set(&s.flags, SpanInThread)
	Clear(&s.flags, SpanStopThread)
	s.mu.Unlock()

	go s.run(ctx, pollTimeout)
	s.logger.Info("span event loop started", "poll_timeout", pollTimeout)
	return nil
}

// Stop ends the event goroutine and waits for it.
func (s *Span) Stop() error {
	s.mu.Lock()
	if !Test(s.flags, SpanInThread) {
		s.mu.Unlock()
		return nil
	}
	Set(&s.flags, SpanStopThread)
	stop, done := s.stop, s.done
	s.mu.Unlock()

	stop()
	<-done
	s.logger.Info("span event loop stopped")
	return nil
}

func (s *Span) run(ctx context.Context, pollTimeout time.Duration) {
	defer func() {
		s.mu.Lock()
		Clear(&s.flags, SpanInThread|SpanStopThread)
		close(s.done)
		s.mu.Unlock()
	}()

	for !s.HasFlag(SpanStopThread) {
		err := s.PollEvent(ctx, pollTimeout)
		switch {
		case err == nil:
			s.drainEvents()
		case errors.Is(err, ErrTimeout):
		case errors.Is(err, ErrBreak):
			return
		default:
			s.logger.Error("span poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpErrorBackoff):
			}
		}
	}
}

func (s *Span) drainEvents() {
	for {
		ev, err := s.NextEvent()
		if err != nil {
			if !errors.Is(err, ErrNoEvent) {
				s.logger.Warn("reading span event failed", "error", err)
			}
			return
		}
		s.dispatch(ev)
	}
}

func (s *Span) dispatch(ev *Event) {
	if ev.Channel != nil {
		switch ev.Type {
		case EventOOB:
			ev.Channel.applyOOB(ev.EnumID)
		case EventDTMF:
			if digits, ok := ev.Data.(string); ok {
				if err := ev.Channel.QueueDTMF(digits); err != nil {
					ev.Channel.logger.Warn("dropping driver dtmf", "digits", digits, "error", err)
				}
			}
		}
		ev.Channel.dispatch(ev)
		return
	}
	if cb := s.eventCallback(); cb != nil {
		if err := cb(ev); err != nil {
			s.logger.Warn("event callback failed", "event", ev.Type.String(), "error", err)
		}
	}
}

// destroy closes open channels and releases every slot and the driver's span
// state.
func (s *Span) destroy() error {
	var errs []error
	for _, ch := range s.Channels() {
		if ch.HasFlag(ChannelOpen) {
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := ch.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.io.SpanDestroy(s); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	s.flags = 0
	s.mu.Unlock()
	return errors.Join(errs...)
}
