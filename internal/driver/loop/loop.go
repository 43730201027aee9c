// Package loop is an in-memory I/O interface. Voice channels are wired in
// pairs (1<->2, 3<->4, ...) so audio written on one is read on the other,
// and line commands on one raise the matching event on its peer. It backs
// tests and lab spans that have no hardware.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flowpbx/openzap/internal/buffer"
	"github.com/flowpbx/openzap/internal/driver"
	"github.com/flowpbx/openzap/internal/zap"
)

// Name is the interface name spans refer to.
const Name = "loop"

// DefaultReadTimeout bounds a Read waiting for peer audio.
const DefaultReadTimeout = 100 * time.Millisecond

// rxMax is two seconds of SLIN audio.
const rxMax = 2 * 8000 * 2

// line is the driver state behind one channel, stored in Channel.Handle.
type line struct {
	rx  *buffer.Buffer
	sig driver.Notifier

	mu       sync.Mutex
	peer     *zap.Channel
	alarms   zap.Alarm
	loopback bool
	casBits  uint8
	interval int
}

// Driver is the loop I/O interface. Register one instance with the HAL.
type Driver struct {
	zap.UnimplementedIO

	logger *slog.Logger

	queues driver.Queues

	mu          sync.Mutex
	readTimeout time.Duration
}

// New creates a loop driver.
func New(logger *slog.Logger) *Driver {
	return &Driver{
		logger:      logger.With("subsystem", "loop"),
		readTimeout: DefaultReadTimeout,
	}
}

// Name implements zap.IOInterface.
func (d *Driver) Name() string { return Name }

// Configure accepts "read-timeout" as a Go duration or milliseconds.
func (d *Driver) Configure(cfg map[string]string) error {
	v, ok := cfg["read-timeout"]
	if !ok {
		return nil
	}
	t, err := time.ParseDuration(v)
	if err != nil {
		ms, aerr := strconv.Atoi(v)
		if aerr != nil {
			return fmt.Errorf("loop: invalid read-timeout %q", v)
		}
		t = time.Duration(ms) * time.Millisecond
	}
	if t <= 0 {
		return fmt.Errorf("loop: read-timeout must be positive")
	}
	d.mu.Lock()
	d.readTimeout = t
	d.mu.Unlock()
	return nil
}

// ConfigureSpan adds the channels of a range spec such as "1-23,24:dq921"
// and pairs consecutive voice channels.
func (d *Driver) ConfigureSpan(span *zap.Span, spec string, typ zap.ChanType) (int, error) {
	ranges, err := zap.ParseChanSpec(spec, typ)
	if err != nil {
		return 0, err
	}

	d.queues.Get(span)

	var (
		added    int
		unpaired *zap.Channel
	)
	for _, r := range ranges {
		for id := r.First; id <= r.Last; id++ {
			l := &line{rx: buffer.New(1024, 0, rxMax), interval: 20}
			ch, err := span.AddChannel(l, r.Type)
			if err != nil {
				return added, err
			}
			ch.PhysicalChanID = id
			ch.SetFeatures(zap.FeatureInterval)
			added++

			if !r.Type.Voice() {
				continue
			}
			if unpaired == nil {
				unpaired = ch
				continue
			}
			pair(unpaired, ch)
			unpaired = nil
		}
	}

	d.logger.Info("span configured", "span", span.Name, "spec", spec, "channels", added)
	return added, nil
}

func pair(a, b *zap.Channel) {
	la, lb := lineOf(a), lineOf(b)
	la.mu.Lock()
	la.peer = b
	la.mu.Unlock()
	lb.mu.Lock()
	lb.peer = a
	lb.mu.Unlock()
}

func lineOf(ch *zap.Channel) *line {
	l, ok := ch.Handle.(*line)
	if !ok {
		panic(fmt.Sprintf("loop: channel %d:%d has foreign handle %T", ch.SpanID, ch.ChanID, ch.Handle))
	}
	return l
}

// Peer returns the channel paired with ch, or nil.
func Peer(ch *zap.Channel) *zap.Channel {
	l := lineOf(ch)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (d *Driver) push(ev *zap.Event) {
	d.queues.Get(ev.Channel.Span()).Push(ev)
	lineOf(ev.Channel).sig.Broadcast()
}

// Raise queues an out-of-band event on channel chanID of span.
func (d *Driver) Raise(span *zap.Span, chanID int, ev zap.OOBEvent) error {
	ch, err := span.Channel(chanID)
	if err != nil {
		return err
	}
	d.push(&zap.Event{Type: zap.EventOOB, EnumID: ev, Channel: ch})
	return nil
}

// RaiseDTMF queues a DTMF event carrying digits on channel chanID of span.
func (d *Driver) RaiseDTMF(span *zap.Span, chanID int, digits string) error {
	ch, err := span.Channel(chanID)
	if err != nil {
		return err
	}
	d.push(&zap.Event{Type: zap.EventDTMF, Channel: ch, Data: digits})
	return nil
}

// SetAlarms sets the alarm register of channel chanID and raises ALARM_TRAP
// or ALARM_CLEAR on it.
func (d *Driver) SetAlarms(span *zap.Span, chanID int, a zap.Alarm) error {
	ch, err := span.Channel(chanID)
	if err != nil {
		return err
	}
	l := lineOf(ch)
	l.mu.Lock()
	l.alarms = a
	l.mu.Unlock()

	ev := zap.OOBAlarmClear
	if a != zap.AlarmNone {
		ev = zap.OOBAlarmTrap
	}
	d.push(&zap.Event{Type: zap.EventOOB, EnumID: ev, Channel: ch})
	return nil
}

// Open drops audio the peer wrote while the channel was idle.
func (d *Driver) Open(ch *zap.Channel) error {
	lineOf(ch).rx.Zero()
	return nil
}

// Close drops audio still queued for the channel.
func (d *Driver) Close(ch *zap.Channel) error {
	lineOf(ch).rx.Zero()
	return nil
}

// Read returns audio written by the peer, waiting up to the read timeout.
func (d *Driver) Read(ch *zap.Channel, buf []byte) (int, error) {
	l := lineOf(ch)
	d.mu.Lock()
	timeout := d.readTimeout
	d.mu.Unlock()

	n, err := driver.ReadBuffer(l.rx, &l.sig, buf, timeout)
	if err != nil {
		return 0, fmt.Errorf("loop read %d:%d: %w", ch.SpanID, ch.ChanID, err)
	}
	return n, nil
}

// Write delivers buf to the peer, or back to the channel itself while
// loopback is enabled. Unpaired channels discard audio. When the receiver
// falls behind the oldest audio is dropped.
func (d *Driver) Write(ch *zap.Channel, buf []byte) (int, error) {
	l := lineOf(ch)
	l.mu.Lock()
	target, loopback := l.peer, l.loopback
	l.mu.Unlock()

	var dst *line
	switch {
	case loopback:
		dst = l
	case target != nil:
		dst = lineOf(target)
	default:
		return len(buf), nil
	}

	if err := driver.WriteBuffer(dst.rx, &dst.sig, buf); err != nil {
		return 0, fmt.Errorf("loop write %d:%d: %w", ch.SpanID, ch.ChanID, err)
	}
	return len(buf), nil
}

// Wait reports readiness: writes are always ready, reads when audio is
// queued, events when one is pending for this channel.
func (d *Driver) Wait(ctx context.Context, ch *zap.Channel, flags zap.WaitFlag, timeout time.Duration) (zap.WaitFlag, error) {
	l := lineOf(ch)
	return driver.WaitChannel(ctx, &l.sig, flags, timeout, l.rx, d.queues.Get(ch.Span()), ch)
}

// PollEvent waits for any event on the span.
func (d *Driver) PollEvent(ctx context.Context, span *zap.Span, timeout time.Duration) error {
	return d.queues.Get(span).Poll(ctx, timeout)
}

// NextEvent pops the oldest event of the span.
func (d *Driver) NextEvent(span *zap.Span) (*zap.Event, error) {
	return d.queues.Get(span).Next()
}

// Command handles line signaling by raising the matching event on the
// peer, CAS bits, loopback and the packet interval.
func (d *Driver) Command(ch *zap.Channel, cmd zap.Command, obj any) error {
	l := lineOf(ch)

	switch cmd {
	case zap.CommandSetInterval:
		ms, ok := obj.(int)
		if !ok || ms <= 0 || ms%10 != 0 {
			return fmt.Errorf("loop: bad interval %v: %w", obj, zap.ErrFail)
		}
		l.mu.Lock()
		l.interval = ms
		l.mu.Unlock()
		return nil

	case zap.CommandGetInterval:
		p, ok := obj.(*int)
		if !ok || p == nil {
			return zap.ErrFail
		}
		l.mu.Lock()
		*p = l.interval
		l.mu.Unlock()
		return nil

	case zap.CommandEnableLoop, zap.CommandDisableLoop:
		l.mu.Lock()
		l.loopback = cmd == zap.CommandEnableLoop
		l.mu.Unlock()
		return nil

	case zap.CommandSetCASBits:
		bits, ok := obj.(uint8)
		if !ok {
			return zap.ErrFail
		}
		l.mu.Lock()
		l.casBits = bits
		l.mu.Unlock()
		return d.toPeer(l, zap.OOBCASBitsChange, bits)

	case zap.CommandGetCASBits:
		p, ok := obj.(*uint8)
		if !ok || p == nil {
			return zap.ErrFail
		}
		*p = 0
		if peer := peerOf(l); peer != nil {
			pl := lineOf(peer)
			pl.mu.Lock()
			*p = pl.casBits
			pl.mu.Unlock()
		}
		return nil

	case zap.CommandOffhook:
		return d.toPeer(l, zap.OOBOffhook, nil)
	case zap.CommandOnhook:
		return d.toPeer(l, zap.OOBOnhook, nil)
	case zap.CommandGenerateRingOn:
		return d.toPeer(l, zap.OOBRingStart, nil)
	case zap.CommandGenerateRingOff:
		return d.toPeer(l, zap.OOBRingStop, nil)
	case zap.CommandFlash:
		return d.toPeer(l, zap.OOBFlash, nil)
	case zap.CommandWink:
		return d.toPeer(l, zap.OOBWink, nil)
	}

	return fmt.Errorf("loop: %s: %w", cmd, zap.ErrNotImpl)
}

func peerOf(l *line) *zap.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (d *Driver) toPeer(l *line, ev zap.OOBEvent, data any) error {
	peer := peerOf(l)
	if peer == nil {
		return nil
	}
	d.push(&zap.Event{Type: zap.EventOOB, EnumID: ev, Channel: peer, Data: data})
	return nil
}

// GetAlarms returns the alarms set with SetAlarms.
func (d *Driver) GetAlarms(ch *zap.Channel) (zap.Alarm, error) {
	l := lineOf(ch)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alarms, nil
}

// ChannelDestroy unpairs the channel and drops its audio.
func (d *Driver) ChannelDestroy(ch *zap.Channel) error {
	l, ok := ch.Handle.(*line)
	if !ok {
		return nil
	}
	l.mu.Lock()
	peer := l.peer
	l.peer = nil
	l.mu.Unlock()
	if peer != nil {
		if pl, ok := peer.Handle.(*line); ok {
			pl.mu.Lock()
			if pl.peer == ch {
				pl.peer = nil
			}
			pl.mu.Unlock()
		}
	}
	l.rx.Zero()
	return nil
}

// SpanDestroy forgets the span's pending events.
func (d *Driver) SpanDestroy(span *zap.Span) error {
	d.queues.Drop(span)
	return nil
}
