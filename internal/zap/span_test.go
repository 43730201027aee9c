package zap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/openzap/internal/tone"
)

func TestAddChannel_Capacity(t *testing.T) {
	h := Init(Options{Logger: discardLogger()})
	require.NoError(t, h.Register(newFakeIO(), nil))
	s, err := h.CreateSpan("fake", "", TrunkE1)
	require.NoError(t, err)
	assert.Equal(t, "span1", s.Name)
	assert.Equal(t, MaxChannelsSpan, s.Capacity())

	for i := 1; i <= MaxChannelsSpan; i++ {
		ch, err := s.AddChannel(nil, ChanTypeB)
		require.NoError(t, err)
		require.Equal(t, i, ch.ChanID)
	}

	_, err = s.AddChannel(nil, ChanTypeB)
	require.ErrorIs(t, err, ErrSpanFull)
	assert.Equal(t, StatusFail, StatusOf(err))
	assert.Equal(t, MaxChannelsSpan, s.ChanCount())

	_, err = s.Channel(0)
	assert.Error(t, err, "slot 0 is never a channel")
	last, err := s.Channel(MaxChannelsSpan)
	require.NoError(t, err)
	assert.Equal(t, MaxChannelsSpan, last.ChanID)
}

func TestCreateSpan(t *testing.T) {
	h := Init(Options{Logger: discardLogger(), MaxChannelsSpan: 24})
	_, err := h.CreateSpan("missing", "x", TrunkT1)
	require.ErrorIs(t, err, ErrFail)

	require.NoError(t, h.Register(newFakeIO(), nil))
	require.Error(t, h.Register(newFakeIO(), nil), "duplicate driver")

	a, err := h.CreateSpan("fake", "a", TrunkT1)
	require.NoError(t, err)
	b, err := h.CreateSpan("fake", "b", TrunkT1)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)
	assert.Equal(t, 24, a.Capacity())

	_, err = h.CreateSpan("fake", "a", TrunkT1)
	assert.Error(t, err, "duplicate span name")

	got, ok := h.SpanByName("b")
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, []string{"fake"}, h.Interfaces())

	require.NoError(t, h.Shutdown(context.Background()))
	require.Error(t, h.Shutdown(context.Background()))
	_, err = h.CreateSpan("fake", "c", TrunkT1)
	assert.Error(t, err)
}

func TestDestroySpan_AfterFailedConfigure(t *testing.T) {
	h := Init(Options{Logger: discardLogger()})
	require.NoError(t, h.Register(newFakeIO(), nil))
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	s, err := h.CreateSpan("fake", "t1a", TrunkT1)
	require.NoError(t, err)
	_, err = s.Configure("not-a-count", ChanTypeB)
	require.Error(t, err)

	require.NoError(t, h.DestroySpan(s.ID))
	_, ok := h.SpanByName("t1a")
	assert.False(t, ok)
	assert.Empty(t, h.Spans())
	require.NoError(t, h.StartAll(context.Background(), DefaultPollTimeout))
	require.ErrorIs(t, h.DestroySpan(s.ID), ErrFail, "already removed")

	again, err := h.CreateSpan("fake", "t1a", TrunkT1)
	require.NoError(t, err)
	assert.Equal(t, s.ID+1, again.ID)
}

func TestConfigureSignaling_Once(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	require.NoError(t, s.ConfigureSignaling(SignalAnalog, nil, nil, nil))
	assert.True(t, s.HasFlag(SpanConfigured|SpanReady))
	assert.Equal(t, SignalAnalog, s.SignalType)

	err := s.ConfigureSignaling(SignalISDN, nil, nil, nil)
	require.ErrorIs(t, err, ErrFail)
	assert.Equal(t, SignalAnalog, s.SignalType)
}

func TestOpenChannel(t *testing.T) {
	s, drv, _ := newTestSpan(t, 2)
	s.SetInitState(StateDialtone)

	ch, err := s.OpenChannel(1)
	require.NoError(t, err)
	assert.True(t, ch.HasFlag(ChannelOpen|ChannelInUse))
	assert.Equal(t, StateDialtone, ch.State())

	_, err = s.OpenChannel(1)
	assert.ErrorIs(t, err, ErrFail, "already in use")

	other := mustChannel(t, s, 2)
	drv.setAlarms(other, AlarmRed)
	_, err = s.OpenChannel(2)
	assert.ErrorIs(t, err, ErrFail, "red alarm")
	assert.Equal(t, AlarmRed, other.Alarms())

	drv.setAlarms(other, AlarmNone)
	other.SetFlag(ChannelSuspended)
	_, err = s.OpenChannel(2)
	assert.ErrorIs(t, err, ErrFail, "suspended")
}

func TestOpenChannel_DriverFailureReleasesClaim(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	drv.openErr = errors.New("no hardware")

	_, err := s.OpenChannel(1)
	require.Error(t, err)
	assert.False(t, mustChannel(t, s, 1).HasFlag(ChannelInUse))
}

// bareIO only knows how to build spans.
type bareIO struct{ UnimplementedIO }

func (bareIO) Name() string { return "bare" }

func (bareIO) ConfigureSpan(span *Span, _ string, typ ChanType) (int, error) {
	if _, err := span.AddChannel(nil, typ); err != nil {
		return 0, err
	}
	return 1, nil
}

func TestOpenChannel_MissingDriverOpenIsNotImpl(t *testing.T) {
	h := Init(Options{Logger: discardLogger()})
	require.NoError(t, h.Register(bareIO{}, nil))
	s, err := h.CreateSpan("bare", "bare", TrunkT1)
	require.NoError(t, err)
	_, err = s.Configure("1", ChanTypeB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	_, err = s.OpenChannel(1)
	require.ErrorIs(t, err, ErrNotImpl)
	assert.Equal(t, StatusNotImpl, StatusOf(err))
	ch := mustChannel(t, s, 1)
	assert.False(t, ch.HasFlag(ChannelInUse))
	assert.False(t, ch.HasFlag(ChannelOpen))
}

func TestOpenAny(t *testing.T) {
	s, _, _ := newTestSpan(t, 3)
	_, err := s.AddChannel(nil, ChanTypeDQ921)
	require.NoError(t, err)

	ch, err := s.OpenAny(HuntTopDown)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.ChanID)

	ch, err = s.OpenAny(HuntBottomUp)
	require.NoError(t, err)
	assert.Equal(t, 3, ch.ChanID, "D-channel is never hunted")

	ch, err = s.OpenAny(HuntTopDown)
	require.NoError(t, err)
	assert.Equal(t, 2, ch.ChanID)

	_, err = s.OpenAny(HuntTopDown)
	assert.ErrorIs(t, err, ErrFail)
}

func TestOpenAny_ConcurrentHuntersGetDistinctChannels(t *testing.T) {
	s, _, _ := newTestSpan(t, 16)

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := s.OpenAny(HuntTopDown)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[ch.ChanID], "channel %d opened twice", ch.ChanID)
			seen[ch.ChanID] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 16)
}

func TestClose_ResetsChannel(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)

	ch.Outbound()
	_, err = ch.AddToken("leg-a", true)
	require.NoError(t, err)
	ch.SetCallerData(CallerData{CIDNum: "5551234567"})
	require.NoError(t, ch.QueueDTMF("123"))
	_, err = ch.SetState(StateUp)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	assert.Equal(t, ChannelConfigured|ChannelReady, ch.Flags())
	assert.Equal(t, StateDown, ch.State())
	assert.Zero(t, ch.TokenCount())
	assert.Equal(t, CallerData{}, ch.CallerData())
	assert.Zero(t, ch.HasDTMF())

	assert.Error(t, ch.Close(), "closing twice")
}

func TestSpanDefaultsCopiedToChannels(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	s.SetChannelDefaults(ChannelSupressDTMF | ChannelHold)

	ch, err := s.AddChannel(nil, ChanTypeB)
	require.NoError(t, err)
	assert.True(t, ch.HasFlag(ChannelSupressDTMF))
	assert.False(t, ch.HasFlag(ChannelHold), "only policy flags are copied")
}

type mapSource map[string][]tone.Entry

func (m mapSource) ToneMap(_ context.Context, name string) ([]tone.Entry, error) {
	e, ok := m[name]
	if !ok {
		return nil, tone.ErrUnknownMap
	}
	return e, nil
}

func TestLoadTones(t *testing.T) {
	s, _, rec := newTestSpan(t, 1)
	src := mapSource{"us": {
		{Key: "detect-dial", Value: "350,440"},
		{Key: "detect-busy", Value: "480,620"},
		{Key: "generate-ring", Value: "%(2000,4000,440,480)"},
		{Key: "detect-nonsense", Value: "100"},
	}}

	err := s.LoadTones(context.Background(), src, "uk")
	require.ErrorIs(t, err, tone.ErrUnknownMap)
	assert.Nil(t, s.ToneMap())

	require.NoError(t, s.LoadTones(context.Background(), src, "us"))
	m := s.ToneMap()
	require.NotNil(t, m)
	assert.Equal(t, []float64{350, 440}, m.DetectFreqs(tone.Dial))
	assert.Len(t, s.toneSpecs(), 2)
	assert.Contains(t, rec.atLeast(0), "unknown tonemap entry skipped")
}

func TestSendSignal(t *testing.T) {
	s, _, _ := newTestSpan(t, 2)
	require.ErrorIs(t, s.SendSignal(&SigMsg{EventID: SigStart}), ErrFail)

	var got *SigMsg
	require.NoError(t, s.ConfigureSignaling(SignalAnalog, func(m *SigMsg) error {
		got = m
		return nil
	}, nil, nil))

	ch := mustChannel(t, s, 2)
	require.NoError(t, s.SendSignal(&SigMsg{EventID: SigUp, Channel: ch, Raw: []byte{1}}))
	require.NotNil(t, got)
	assert.Equal(t, SigUp, got.EventID)
	assert.Equal(t, s.ID, got.SpanID)
	assert.Equal(t, 2, got.ChanID)
}

func TestEventLoop(t *testing.T) {
	s, drv, _ := newTestSpan(t, 2)
	ch := mustChannel(t, s, 1)

	events := make(chan *Event, 4)
	s.SetEventCallback(func(ev *Event) error {
		events <- ev
		return nil
	})

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.True(t, s.HasFlag(SpanInThread))
	require.Error(t, s.Start(context.Background(), 0), "already running")

	drv.events <- &Event{Type: EventOOB, EnumID: OOBOffhook, Channel: ch}
	drv.events <- &Event{Type: EventDTMF, Channel: ch, Data: "7"}

	for _, want := range []EventType{EventOOB, EventDTMF} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event dispatched", want)
		}
	}
	assert.True(t, ch.HasFlag(ChannelOffhook))
	assert.Equal(t, 1, ch.HasDTMF(), "driver digits are queued on the channel")

	require.NoError(t, s.Stop())
	assert.False(t, s.HasFlag(SpanInThread))
}

func TestPollEvent_Cancelled(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.PollEvent(ctx, time.Second)
	assert.ErrorIs(t, err, ErrBreak)

	_, err = s.NextEvent()
	assert.ErrorIs(t, err, ErrNoEvent)
}

func TestInfo(t *testing.T) {
	s, _, _ := newTestSpan(t, 2)
	ch := mustChannel(t, s, 2)
	_, err := ch.SetState(StateRing)
	require.NoError(t, err)

	info := s.Info(true)
	assert.Equal(t, "test", info.Name)
	assert.Equal(t, "fake", info.IO)
	assert.Equal(t, 2, info.ChanCount)
	require.Len(t, info.Channels, 2)
	assert.Equal(t, "RING", info.Channels[1].State)
	assert.Equal(t, StateRing, info.Channels[1].StateValue())
	assert.Contains(t, info.Channels[1].Flags, "STATE_CHANGE")
}
