package zap

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/flowpbx/openzap/internal/buffer"
	"github.com/flowpbx/openzap/internal/codec"
	"github.com/flowpbx/openzap/internal/fsk"
	"github.com/flowpbx/openzap/internal/teletone"
	"github.com/flowpbx/openzap/internal/tone"
)

// MaxTokens bounds the call-leg tokens a channel can hold.
const MaxTokens = 10

// Buffer sizing for the per-channel queues.
const (
	dtmfBufferMax   = 1024
	digitBufferMax  = 2 * 8000 * 10 // ten seconds of SLIN digit audio
	fskBufferMax    = 2 * 8000 * 4  // one caller-ID burst
	fskRxMax        = 512
	defaultInterval = 20
)

// Channel is one circuit of a span. Channels live inline in their span's
// fixed slot array and are never allocated on their own.
//
// mu guards flags, state, features, alarms, codec settings, tokens and
// caller data. The pre-buffer has its own lock. The DTMF queue is internally
// synchronized and may be fed without mu.
type Channel struct {
	SpanID         int
	ChanID         int
	PhysicalSpanID int
	PhysicalChanID int
	Type           ChanType

	// Handle is driver private data.
	Handle any

	span   *Span
	io     IOInterface
	logger *slog.Logger

	mu        *sync.Mutex
	state     State
	lastState State
	initState State
	flags     ChannelFlag
	features  Feature
	alarms    Alarm
	machine   *fsm.FSM

	nativeCodec       codec.Codec
	effectiveCodec    codec.Codec
	nativeInterval    int
	effectiveInterval int
	packetLen         int

	dtmfBuffer    *buffer.Buffer
	digitBuffer   *buffer.Buffer
	genDTMFBuffer *buffer.Buffer
	fskBuffer     *buffer.Buffer

	preMu         sync.Mutex
	preBuffer     *buffer.Buffer
	preBufferSize int

	dtmfGen      teletone.Generator
	dtmfDetector *teletone.Detector
	progress     *teletone.MultiDetector
	detected     [tone.NumKinds]int
	fskDemod     *fsk.Demodulator
	fskRx        []byte

	tokens   []string
	caller   CallerData
	casBits  uint8
	traceIn  io.Writer
	traceOut io.Writer
	eventCB  EventCallback
}

// init prepares slot c as channel id of span s.
func (c *Channel) init(s *Span, id int, handle any, typ ChanType) {
	*c = Channel{
		SpanID:         s.ID,
		ChanID:         id,
		PhysicalSpanID: s.ID,
		PhysicalChanID: id,
		Type:           typ,
		Handle:         handle,
		span:           s,
		io:             s.io,
		logger:         s.logger.With("chan_id", id, "chan_type", typ.String()),

		mu:        &sync.Mutex{},
		state:     StateDown,
		lastState: StateDown,
		initState: s.initState,
		flags:     ChannelConfigured | ChannelReady,

		nativeCodec:       codec.ULAW,
		effectiveCodec:    codec.ULAW,
		nativeInterval:    defaultInterval,
		effectiveInterval: defaultInterval,
		packetLen:         codec.ULAW.PacketLen(defaultInterval),

		dtmfBuffer:    buffer.New(128, 128, dtmfBufferMax),
		digitBuffer:   buffer.New(1024, 0, digitBufferMax),
		genDTMFBuffer: buffer.New(128, 0, dtmfBufferMax),
		fskBuffer:     buffer.New(4096, 0, fskBufferMax),

		dtmfGen: *teletone.NewGenerator(),
	}
	Copy(&c.flags, s.defaultChannelFlags(), channelDefaultMask)
	c.machine = newChannelFSM(c)
}

// destroy releases the channel's resources. Locked operations on a
// destroyed channel panic.
func (c *Channel) destroy() error {
	var err error
	if c.io != nil {
		err = c.io.ChannelDestroy(c)
	}
	c.lock()
	c.flags = 0
	c.dtmfBuffer.Zero()
	c.digitBuffer.Zero()
	c.genDTMFBuffer.Zero()
	c.fskBuffer.Zero()
	mu := c.mu
	c.mu = nil
	mu.Unlock()
	return err
}

// lock acquires the channel mutex. A nil mutex means the channel was
// destroyed or never initialised; continuing would corrupt state.
func (c *Channel) lock() {
	if c.mu == nil {
		panic(fmt.Sprintf("zap: locked operation on destroyed channel %d:%d", c.SpanID, c.ChanID))
	}
	c.mu.Lock()
}

func (c *Channel) unlock() {
	c.mu.Unlock()
}

// Span returns the span the channel belongs to.
func (c *Channel) Span() *Span { return c.span }

// Logger returns the channel's logger.
func (c *Channel) Logger() *slog.Logger { return c.logger }

// HasFlag reports whether any bit of f is set.
func (c *Channel) HasFlag(f ChannelFlag) bool {
	c.lock()
	defer c.unlock()
	return Test(c.flags, f)
}

// SetFlag sets f under the channel lock.
func (c *Channel) SetFlag(f ChannelFlag) {
	c.lock()
	Set(&c.flags, f)
	c.unlock()
}

// ClearFlag clears f under the channel lock.
func (c *Channel) ClearFlag(f ChannelFlag) {
	c.lock()
	Clear(&c.flags, f)
	c.unlock()
}

// Flags returns a snapshot of the flag register.
func (c *Channel) Flags() ChannelFlag {
	c.lock()
	defer c.unlock()
	return c.flags
}

// Features returns the hardware capabilities the driver declared.
func (c *Channel) Features() Feature {
	c.lock()
	defer c.unlock()
	return c.features
}

// SetFeatures declares hardware capabilities. Drivers call it while
// configuring a span.
func (c *Channel) SetFeatures(f Feature) {
	c.lock()
	Set(&c.features, f)
	c.unlock()
}

// Alarms returns the last alarm bits read from the driver.
func (c *Channel) Alarms() Alarm {
	c.lock()
	defer c.unlock()
	return c.alarms
}

// RefreshAlarms asks the driver for the current alarm bits. Drivers without
// alarm reporting leave the register untouched.
func (c *Channel) RefreshAlarms() (Alarm, error) {
	a, err := c.io.GetAlarms(c)
	if err != nil {
		if StatusOf(err) == StatusNotImpl {
			return c.Alarms(), nil
		}
		return AlarmNone, fmt.Errorf("reading alarms: %w", err)
	}
	c.lock()
	prev := c.alarms
	c.alarms = a
	c.unlock()
	if a != prev {
		c.logger.Info("channel alarms changed", "alarms", a.String(), "previous", prev.String())
	}
	return a, nil
}

// SetNativeCodec sets the codec the hardware speaks. The effective codec
// follows it and transcoding is switched off.
func (c *Channel) SetNativeCodec(cd codec.Codec) {
	c.lock()
	defer c.unlock()
	c.nativeCodec = cd
	c.effectiveCodec = cd
	Clear(&c.flags, ChannelTranscode)
	c.packetLen = cd.PacketLen(c.effectiveInterval)
}

// SetNativeInterval sets the hardware frame interval in milliseconds.
func (c *Channel) SetNativeInterval(ms int) {
	c.lock()
	defer c.unlock()
	c.nativeInterval = ms
	c.effectiveInterval = ms
	c.packetLen = c.effectiveCodec.PacketLen(ms)
}

// Codecs returns the native and effective codecs.
func (c *Channel) Codecs() (native, effective codec.Codec) {
	c.lock()
	defer c.unlock()
	return c.nativeCodec, c.effectiveCodec
}

// PacketLen returns the frame size in bytes of the effective codec.
func (c *Channel) PacketLen() int {
	c.lock()
	defer c.unlock()
	return c.packetLen
}

// SetEventCallback overrides the span event callback for this channel.
func (c *Channel) SetEventCallback(cb EventCallback) {
	c.lock()
	c.eventCB = cb
	c.unlock()
}

// Open claims the channel through its span. See Span.OpenChannel.
func (c *Channel) Open() error {
	_, err := c.span.OpenChannel(c.ChanID)
	return err
}

// Outbound marks the channel as carrying an originated call.
func (c *Channel) Outbound() {
	c.SetFlag(ChannelOutbound | ChannelInUse)
}

// Close releases the channel in the driver and resets it for the next call.
func (c *Channel) Close() error {
	c.lock()
	open := Test(c.flags, ChannelOpen)
	c.unlock()
	if !open {
		return fmt.Errorf("channel %d:%d not open: %w", c.SpanID, c.ChanID, ErrFail)
	}

	err := c.io.Close(c)
	if err != nil {
		c.logger.Warn("driver close failed", "error", err)
	}
	c.Done()
	c.logger.Debug("channel closed")
	if err != nil {
		return fmt.Errorf("closing channel %d:%d: %w", c.SpanID, c.ChanID, err)
	}
	return nil
}

// Done returns the channel to its idle condition: only the configuration
// flags survive, tokens, caller data and buffers are cleared and the codec
// falls back to native.
func (c *Channel) Done() {
	c.lock()
	c.flags &= ChannelConfigured | ChannelReady
	Copy(&c.flags, c.span.defaultChannelFlags(), channelDefaultMask)
	c.tokens = nil
	c.caller = CallerData{}
	c.effectiveCodec = c.nativeCodec
	c.effectiveInterval = c.nativeInterval
	c.packetLen = c.nativeCodec.PacketLen(c.nativeInterval)
	c.dtmfDetector = nil
	c.progress = nil
	c.detected = [tone.NumKinds]int{}
	c.fskDemod = nil
	c.fskRx = nil
	c.traceIn = nil
	c.traceOut = nil
	c.forceState(StateDown)
	c.unlock()

	c.dtmfBuffer.Zero()
	c.digitBuffer.Zero()
	c.genDTMFBuffer.Zero()
	c.fskBuffer.Zero()

	c.preMu.Lock()
	c.preBuffer = nil
	c.preBufferSize = 0
	c.preMu.Unlock()
}

// QueueDTMF appends inbound digits for the application. It does not take
// the channel lock.
func (c *Channel) QueueDTMF(digits string) error {
	if err := c.dtmfBuffer.WriteString(digits); err != nil {
		return fmt.Errorf("queueing dtmf on %d:%d: %w", c.SpanID, c.ChanID, err)
	}
	c.logger.Debug("queued dtmf", "digits", digits)
	return nil
}

// DequeueDTMF drains up to len(p) queued digits into p. An empty queue
// returns 0.
func (c *Channel) DequeueDTMF(p []byte) int {
	return c.dtmfBuffer.Read(p)
}

// HasDTMF returns how many digits are queued.
func (c *Channel) HasDTMF() int {
	return c.dtmfBuffer.Inuse()
}

// FlushDTMF discards queued digits and any digit audio still to be played.
func (c *Channel) FlushDTMF() {
	c.dtmfBuffer.Zero()
	c.digitBuffer.Zero()
}

// AddToken binds a call-leg token to the channel. An empty token gets a
// generated one. With end the token is appended, otherwise it becomes the
// first token.
func (c *Channel) AddToken(token string, end bool) (string, error) {
	if token == "" {
		token = uuid.NewString()
	}
	c.lock()
	defer c.unlock()
	if len(c.tokens) >= MaxTokens {
		return "", fmt.Errorf("channel %d:%d holds %d tokens: %w", c.SpanID, c.ChanID, MaxTokens, ErrFail)
	}
	if end {
		c.tokens = append(c.tokens, token)
	} else {
		c.tokens = slices.Insert(c.tokens, 0, token)
	}
	return token, nil
}

// ClearToken removes token, or every token when token is empty.
func (c *Channel) ClearToken(token string) error {
	c.lock()
	defer c.unlock()
	if token == "" {
		c.tokens = nil
		return nil
	}
	i := slices.Index(c.tokens, token)
	if i < 0 {
		return fmt.Errorf("token %q not found: %w", token, ErrFail)
	}
	c.tokens = slices.Delete(c.tokens, i, i+1)
	return nil
}

// ReplaceToken swaps old for token in place.
func (c *Channel) ReplaceToken(old, token string) error {
	c.lock()
	defer c.unlock()
	i := slices.Index(c.tokens, old)
	if i < 0 {
		return fmt.Errorf("token %q not found: %w", old, ErrFail)
	}
	c.tokens[i] = token
	return nil
}

// RotateTokens moves the last token to the front.
func (c *Channel) RotateTokens() {
	c.lock()
	defer c.unlock()
	if n := len(c.tokens); n > 1 {
		last := c.tokens[n-1]
		copy(c.tokens[1:], c.tokens[:n-1])
		c.tokens[0] = last
	}
}

// Token returns token i, or "" when out of range.
func (c *Channel) Token(i int) string {
	c.lock()
	defer c.unlock()
	if i < 0 || i >= len(c.tokens) {
		return ""
	}
	return c.tokens[i]
}

// TokenCount returns how many tokens are bound.
func (c *Channel) TokenCount() int {
	c.lock()
	defer c.unlock()
	return len(c.tokens)
}

// Tokens returns a copy of the bound tokens in order.
func (c *Channel) Tokens() []string {
	c.lock()
	defer c.unlock()
	return slices.Clone(c.tokens)
}

// SetCallerData replaces the caller data.
func (c *Channel) SetCallerData(d CallerData) {
	c.lock()
	c.caller = d
	c.unlock()
}

// CallerData returns the caller data.
func (c *Channel) CallerData() CallerData {
	c.lock()
	defer c.unlock()
	return c.caller
}

// DetectedTones returns how many times each call progress tone was heard
// since the channel was opened.
func (c *Channel) DetectedTones() map[tone.Kind]int {
	c.lock()
	defer c.unlock()
	out := make(map[tone.Kind]int)
	for k, n := range c.detected {
		if n > 0 {
			out[tone.Kind(k)] = n
		}
	}
	return out
}

// SendFSKData modulates a sealed caller-ID frame and queues the audio to
// replace outgoing frames until it has been played.
func (c *Channel) SendFSKData(frame []byte) error {
	if c.fskBuffer.Inuse() > 0 {
		return fmt.Errorf("caller-id already in progress on %d:%d: %w", c.SpanID, c.ChanID, ErrFail)
	}
	samples := fsk.NewModulator().SendAll(nil, frame)
	audio, err := codec.Encode(make([]byte, 0, len(samples)*2), samples, codec.SLIN)
	if err != nil {
		return err
	}
	if err := c.fskBuffer.Write(audio); err != nil {
		return fmt.Errorf("queueing caller-id audio: %w", err)
	}
	c.logger.Debug("caller-id queued",
		"bytes", len(frame),
		"duration", time.Duration(len(samples))*time.Second/codec.SampleRate,
	)
	return nil
}

// dispatch hands ev to the channel callback, falling back to the span's.
func (c *Channel) dispatch(ev *Event) {
	c.lock()
	cb := c.eventCB
	c.unlock()
	if cb == nil {
		cb = c.span.eventCallback()
	}
	if cb == nil {
		return
	}
	if err := cb(ev); err != nil {
		c.logger.Warn("event callback failed", "event", ev.Type.String(), "error", err)
	}
}
