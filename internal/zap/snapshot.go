package zap

import "github.com/flowpbx/openzap/internal/tone"

// ChannelInfo is a point-in-time view of a channel for the admin API and
// metrics.
type ChannelInfo struct {
	SpanID         int            `json:"span_id"`
	ChanID         int            `json:"chan_id"`
	PhysicalSpanID int            `json:"physical_span_id"`
	PhysicalChanID int            `json:"physical_chan_id"`
	Type           string         `json:"type"`
	State          string         `json:"state"`
	LastState      string         `json:"last_state"`
	Flags          []string       `json:"flags"`
	Features       []string       `json:"features,omitempty"`
	Alarms         []string       `json:"alarms,omitempty"`
	NativeCodec    string         `json:"native_codec"`
	EffectiveCodec string         `json:"effective_codec"`
	Interval       int            `json:"interval_ms"`
	Tokens         []string       `json:"tokens,omitempty"`
	DTMFPending    int            `json:"dtmf_pending"`
	Caller         CallerData     `json:"caller"`
	DetectedTones  map[string]int `json:"detected_tones,omitempty"`

	state  State
	flags  ChannelFlag
	alarms Alarm
}

// StateValue returns the channel state as a State.
func (ci ChannelInfo) StateValue() State { return ci.state }

// HasFlag reports whether the channel had any bit of f set.
func (ci ChannelInfo) HasFlag(f ChannelFlag) bool { return Test(ci.flags, f) }

// InAlarm reports whether any alarm bit was set.
func (ci ChannelInfo) InAlarm() bool { return ci.alarms != AlarmNone }

// Info snapshots the channel.
func (c *Channel) Info() ChannelInfo {
	c.lock()
	ci := ChannelInfo{
		SpanID:         c.SpanID,
		ChanID:         c.ChanID,
		PhysicalSpanID: c.PhysicalSpanID,
		PhysicalChanID: c.PhysicalChanID,
		Type:           c.Type.String(),
		State:          c.state.String(),
		LastState:      c.lastState.String(),
		Flags:          c.flags.Names(),
		Features:       c.features.Names(),
		Alarms:         c.alarms.Names(),
		NativeCodec:    c.nativeCodec.String(),
		EffectiveCodec: c.effectiveCodec.String(),
		Interval:       c.effectiveInterval,
		Tokens:         append([]string(nil), c.tokens...),
		Caller:         c.caller,
		state:          c.state,
		flags:          c.flags,
		alarms:         c.alarms,
	}
	for k, n := range c.detected {
		if n > 0 {
			if ci.DetectedTones == nil {
				ci.DetectedTones = make(map[string]int)
			}
			ci.DetectedTones[tone.Kind(k).String()] = n
		}
	}
	c.unlock()
	ci.DTMFPending = c.HasDTMF()
	return ci
}

// SpanInfo is a point-in-time view of a span.
type SpanInfo struct {
	ID         int           `json:"id"`
	Name       string        `json:"name"`
	IO         string        `json:"io"`
	TrunkType  string        `json:"trunk_type"`
	SignalType string        `json:"signal_type"`
	Flags      []string      `json:"flags"`
	ChanCount  int           `json:"chan_count"`
	ToneMap    string        `json:"tonemap,omitempty"`
	Channels   []ChannelInfo `json:"channels,omitempty"`
}

// Info snapshots the span. With channels, every channel is included.
func (s *Span) Info(channels bool) SpanInfo {
	s.mu.Lock()
	si := SpanInfo{
		ID:         s.ID,
		Name:       s.Name,
		IO:         s.io.Name(),
		TrunkType:  s.TrunkType.String(),
		SignalType: s.SignalType.String(),
		Flags:      s.flags.Names(),
		ChanCount:  s.chanCount,
	}
	s.mu.Unlock()
	if m := s.ToneMap(); m != nil {
		si.ToneMap = m.Name
	}
	if channels {
		for _, ch := range s.Channels() {
			si.Channels = append(si.Channels, ch.Info())
		}
	}
	return si
}
