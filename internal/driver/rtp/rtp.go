// Package rtp is an I/O interface that carries each channel over RTP. Every
// channel owns a local UDP port from the configured range; audio written to
// the channel is packetized toward the remote set with SetRemote, and
// received packets are queued for Read. RFC 4733 telephone-events provide
// hardware-style DTMF detection and generation.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/flowpbx/openzap/internal/buffer"
	"github.com/flowpbx/openzap/internal/codec"
	"github.com/flowpbx/openzap/internal/driver"
	"github.com/flowpbx/openzap/internal/teletone"
	"github.com/flowpbx/openzap/internal/zap"
)

// Name is the interface name spans refer to.
const Name = "rtp"

const (
	// DefaultEventPayloadType is the usual dynamic payload type negotiated
	// for telephone-event.
	DefaultEventPayloadType = 101

	DefaultReadTimeout = 100 * time.Millisecond

	maxPacket     = 1500
	rxMax         = 8000 * 2
	endRepeats    = 3
	eventVolume   = 10
	payloadPCMU   = 0
	payloadPCMA   = 8
	defaultIntvMs = 20
)

// Options configure the driver. Zero ports bind ephemeral ports.
type Options struct {
	Addr             string
	PortMin          int
	PortMax          int
	EventPayloadType uint8
	ReadTimeout      time.Duration
	Codec            codec.Codec
}

// endpoint is the driver state behind one channel, stored in Channel.Handle.
type endpoint struct {
	conn *net.UDPConn
	rx   *buffer.Buffer
	sig  driver.Notifier
	done chan struct{}

	mu       sync.Mutex
	ch       *zap.Channel
	remote   *net.UDPAddr
	seq      uint16
	ts       uint32
	ssrc     uint32
	interval int
	detect   bool
	events   eventTracker
}

// Driver is the rtp I/O interface.
type Driver struct {
	zap.UnimplementedIO

	logger *slog.Logger
	queues driver.Queues

	mu       sync.Mutex
	opts     Options
	nextPort int
}

// New creates an rtp driver. Options may be overridden by Configure.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1"
	}
	if opts.EventPayloadType == 0 {
		opts.EventPayloadType = DefaultEventPayloadType
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Codec != codec.ALAW {
		opts.Codec = codec.ULAW
	}
	return &Driver{
		logger:   logger.With("subsystem", "rtp"),
		opts:     opts,
		nextPort: opts.PortMin,
	}
}

// Name implements zap.IOInterface.
func (d *Driver) Name() string { return Name }

// Configure accepts addr, port-min, port-max, event-payload-type,
// read-timeout (ms) and codec (pcmu or pcma).
func (d *Driver) Configure(cfg map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o := d.opts
	for k, v := range cfg {
		var err error
		switch k {
		case "addr":
			if net.ParseIP(v) == nil {
				err = fmt.Errorf("not an IP address")
			}
			o.Addr = v
		case "port-min":
			o.PortMin, err = strconv.Atoi(v)
		case "port-max":
			o.PortMax, err = strconv.Atoi(v)
		case "event-payload-type":
			var pt int
			pt, err = strconv.Atoi(v)
			if err == nil && (pt < 96 || pt > 127) {
				err = fmt.Errorf("must be a dynamic payload type (96-127)")
			}
			o.EventPayloadType = uint8(pt)
		case "read-timeout":
			var ms int
			ms, err = strconv.Atoi(v)
			if err == nil && ms <= 0 {
				err = fmt.Errorf("must be positive")
			}
			o.ReadTimeout = time.Duration(ms) * time.Millisecond
		case "codec":
			o.Codec, err = codec.Parse(v)
			if err == nil && o.Codec != codec.ULAW && o.Codec != codec.ALAW {
				err = fmt.Errorf("rtp carries pcmu or pcma")
			}
		default:
			d.logger.Warn("unknown rtp setting ignored", "key", k)
		}
		if err != nil {
			return fmt.Errorf("rtp %s=%q: %w", k, v, err)
		}
	}

	if o.PortMin != 0 || o.PortMax != 0 {
		if o.PortMin <= 0 || o.PortMin%2 != 0 || o.PortMax < o.PortMin+2 {
			return fmt.Errorf("rtp port range %d-%d: min must be even and below max", o.PortMin, o.PortMax)
		}
	}
	d.opts = o
	d.nextPort = o.PortMin
	return nil
}

// listen binds the next free even port of the range.
func (d *Driver) listen() (*net.UDPConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ip := net.ParseIP(d.opts.Addr)
	if d.opts.PortMin == 0 {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	}
	for p := d.nextPort; p+1 <= d.opts.PortMax; p += 2 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: p})
		if err != nil {
			continue
		}
		d.nextPort = p + 2
		return conn, nil
	}
	return nil, fmt.Errorf("rtp port range %d-%d exhausted: %w", d.opts.PortMin, d.opts.PortMax, zap.ErrMemory)
}

// ConfigureSpan binds one UDP port per channel in spec. Only voice channel
// types can be carried.
func (d *Driver) ConfigureSpan(span *zap.Span, spec string, typ zap.ChanType) (int, error) {
	ranges, err := zap.ParseChanSpec(spec, typ)
	if err != nil {
		return 0, err
	}
	d.queues.Get(span)

	d.mu.Lock()
	native := d.opts.Codec
	d.mu.Unlock()

	added := 0
	for _, r := range ranges {
		if !r.Type.Voice() {
			return added, fmt.Errorf("rtp cannot carry %s channels: %w", r.Type, zap.ErrNotImpl)
		}
		for id := r.First; id <= r.Last; id++ {
			conn, err := d.listen()
			if err != nil {
				return added, err
			}
			ep := &endpoint{
				conn:     conn,
				rx:       buffer.New(1024, 0, rxMax),
				done:     make(chan struct{}),
				seq:      uint16(rand.Uint32()),
				ts:       rand.Uint32(),
				ssrc:     rand.Uint32(),
				interval: defaultIntvMs,
			}
			ch, err := span.AddChannel(ep, r.Type)
			if err != nil {
				conn.Close()
				return added, err
			}
			ep.ch = ch
			ch.PhysicalChanID = id
			ch.SetNativeCodec(native)
			ch.SetFeatures(zap.FeatureDTMFDetect | zap.FeatureDTMFGenerate | zap.FeatureInterval)
			added++

			go d.receive(ep)
			d.logger.Debug("channel bound", "span", span.Name, "chan_id", ch.ChanID, "local", conn.LocalAddr().String())
		}
	}
	return added, nil
}

func endpointOf(ch *zap.Channel) *endpoint {
	ep, ok := ch.Handle.(*endpoint)
	if !ok {
		panic(fmt.Sprintf("rtp: channel %d:%d has foreign handle %T", ch.SpanID, ch.ChanID, ch.Handle))
	}
	return ep
}

// LocalAddr returns the UDP address the channel receives on.
func LocalAddr(ch *zap.Channel) *net.UDPAddr {
	return endpointOf(ch).conn.LocalAddr().(*net.UDPAddr)
}

// SetRemote directs the channel's outgoing RTP to addr. A nil addr mutes it.
func SetRemote(ch *zap.Channel, addr *net.UDPAddr) {
	ep := endpointOf(ch)
	ep.mu.Lock()
	ep.remote = addr
	ep.mu.Unlock()
}

func (d *Driver) receive(ep *endpoint) {
	defer close(ep.done)

	d.mu.Lock()
	eventPT := d.opts.EventPayloadType
	d.mu.Unlock()

	buf := make([]byte, maxPacket)
	for {
		n, _, err := ep.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Debug("rtp read error", "error", err)
			continue
		}

		var pkt pionrtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			d.logger.Debug("dropping malformed rtp packet", "bytes", n, "error", err)
			continue
		}

		if pkt.PayloadType == eventPT {
			d.telephoneEvent(ep, &pkt)
			continue
		}
		if err := driver.WriteBuffer(ep.rx, &ep.sig, pkt.Payload); err != nil {
			d.logger.Debug("dropping rtp audio", "error", err)
		}
	}
}

func (d *Driver) telephoneEvent(ep *endpoint, pkt *pionrtp.Packet) {
	ev, err := parseTelephoneEvent(pkt.Payload)
	if err != nil {
		d.logger.Debug("dropping telephone-event", "error", err)
		return
	}
	ep.mu.Lock()
	digit, ok := ep.events.feed(pkt.Timestamp, ev)
	detect := ep.detect
	ch := ep.ch
	ep.mu.Unlock()
	if !ok || !detect {
		return
	}

	d.logger.Debug("telephone-event digit", "chan_id", ch.ChanID, "digit", string(digit), "duration", ev.Duration)
	d.queues.Get(ch.Span()).Push(&zap.Event{Type: zap.EventDTMF, Channel: ch, Data: string(digit)})
	ep.sig.Broadcast()
}

// Read returns received audio, waiting up to the read timeout.
func (d *Driver) Read(ch *zap.Channel, buf []byte) (int, error) {
	ep := endpointOf(ch)
	d.mu.Lock()
	timeout := d.opts.ReadTimeout
	d.mu.Unlock()

	n, err := driver.ReadBuffer(ep.rx, &ep.sig, buf, timeout)
	if err != nil {
		return 0, fmt.Errorf("rtp read %d:%d: %w", ch.SpanID, ch.ChanID, err)
	}
	return n, nil
}

// Write sends buf as one RTP packet. Without a remote the audio is dropped.
func (d *Driver) Write(ch *zap.Channel, buf []byte) (int, error) {
	native, _ := ch.Codecs()
	pt := uint8(payloadPCMU)
	if native == codec.ALAW {
		pt = payloadPCMA
	}

	ep := endpointOf(ch)
	ep.mu.Lock()
	remote := ep.remote
	if remote == nil {
		ep.mu.Unlock()
		return len(buf), nil
	}
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: ep.seq,
			Timestamp:      ep.ts,
			SSRC:           ep.ssrc,
		},
		Payload: buf,
	}
	ep.seq++
	ep.ts += uint32(len(buf) / native.BytesPerSample())
	ep.mu.Unlock()

	if err := d.send(ep, remote, &pkt); err != nil {
		return 0, fmt.Errorf("rtp write %d:%d: %w", ch.SpanID, ch.ChanID, err)
	}
	return len(buf), nil
}

func (d *Driver) send(ep *endpoint, remote *net.UDPAddr, pkt *pionrtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = ep.conn.WriteToUDP(raw, remote)
	return err
}

// sendDigits emits each digit as a telephone-event: a marked start packet,
// one update per packet interval for the tone duration, then the end
// packet sent three times. Digits are spaced by the inter-digit gap in
// timestamp units.
func (d *Driver) sendDigits(ep *endpoint, digits string) error {
	d.mu.Lock()
	eventPT := d.opts.EventPayloadType
	d.mu.Unlock()

	ep.mu.Lock()
	remote := ep.remote
	step := uint16(ep.interval * codec.SampleRate / 1000)
	ep.mu.Unlock()
	if remote == nil {
		return fmt.Errorf("no remote address: %w", zap.ErrFail)
	}

	on := uint16(teletone.DefaultOnPeriod.Seconds() * codec.SampleRate)
	gap := uint32(teletone.DefaultOffPeriod.Seconds() * codec.SampleRate)

	for _, r := range digits {
		code, ok := digitEvent(r)
		if !ok {
			continue
		}

		var pkts []pionrtp.Packet
		ep.mu.Lock()
		ts := ep.ts
		for dur := step; ; dur += step {
			end := dur >= on
			if end {
				dur = on
			}
			repeats := 1
			if end {
				repeats = endRepeats
			}
			for i := 0; i < repeats; i++ {
				pkts = append(pkts, pionrtp.Packet{
					Header: pionrtp.Header{
						Version:        2,
						Marker:         len(pkts) == 0,
						PayloadType:    eventPT,
						SequenceNumber: ep.seq,
						Timestamp:      ts,
						SSRC:           ep.ssrc,
					},
					Payload: telephoneEvent{Code: code, End: end, Volume: eventVolume, Duration: dur}.marshal(),
				})
				ep.seq++
			}
			if end {
				break
			}
		}
		ep.ts += uint32(on) + gap
		ep.mu.Unlock()

		for i := range pkts {
			if err := d.send(ep, remote, &pkts[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Command handles the DTMF features and the packet interval.
func (d *Driver) Command(ch *zap.Channel, cmd zap.Command, obj any) error {
	ep := endpointOf(ch)

	switch cmd {
	case zap.CommandSetInterval:
		ms, ok := obj.(int)
		if !ok || ms <= 0 || ms > 60 || ms%10 != 0 {
			return fmt.Errorf("rtp: bad interval %v: %w", obj, zap.ErrFail)
		}
		ep.mu.Lock()
		ep.interval = ms
		ep.mu.Unlock()
		return nil

	case zap.CommandGetInterval:
		p, ok := obj.(*int)
		if !ok || p == nil {
			return zap.ErrFail
		}
		ep.mu.Lock()
		*p = ep.interval
		ep.mu.Unlock()
		return nil

	case zap.CommandEnableDTMFDetect, zap.CommandDisableDTMFDetect:
		ep.mu.Lock()
		ep.detect = cmd == zap.CommandEnableDTMFDetect
		ep.mu.Unlock()
		return nil

	case zap.CommandSendDTMF:
		digits, ok := obj.(string)
		if !ok {
			return zap.ErrFail
		}
		return d.sendDigits(ep, digits)
	}
	return fmt.Errorf("rtp: %s: %w", cmd, zap.ErrNotImpl)
}

// Open drops audio received while the channel was idle.
func (d *Driver) Open(ch *zap.Channel) error {
	endpointOf(ch).rx.Zero()
	return nil
}

// Close forgets the remote and drops queued audio.
func (d *Driver) Close(ch *zap.Channel) error {
	ep := endpointOf(ch)
	ep.mu.Lock()
	ep.remote = nil
	ep.detect = false
	ep.events = eventTracker{}
	ep.mu.Unlock()
	ep.rx.Zero()
	return nil
}

// Wait reports readiness: writes are always ready, reads when audio is
// queued, events when a digit is pending for this channel.
func (d *Driver) Wait(ctx context.Context, ch *zap.Channel, flags zap.WaitFlag, timeout time.Duration) (zap.WaitFlag, error) {
	ep := endpointOf(ch)
	return driver.WaitChannel(ctx, &ep.sig, flags, timeout, ep.rx, d.queues.Get(ch.Span()), ch)
}

// PollEvent waits for a telephone-event digit on any channel of span.
func (d *Driver) PollEvent(ctx context.Context, span *zap.Span, timeout time.Duration) error {
	return d.queues.Get(span).Poll(ctx, timeout)
}

// NextEvent pops the oldest event of span.
func (d *Driver) NextEvent(span *zap.Span) (*zap.Event, error) {
	return d.queues.Get(span).Next()
}

// GetAlarms reports no alarms; an RTP channel has no line to lose.
func (d *Driver) GetAlarms(*zap.Channel) (zap.Alarm, error) {
	return zap.AlarmNone, nil
}

// ChannelDestroy closes the channel's socket and waits for its reader.
func (d *Driver) ChannelDestroy(ch *zap.Channel) error {
	ep, ok := ch.Handle.(*endpoint)
	if !ok {
		return nil
	}
	err := ep.conn.Close()
	<-ep.done
	return err
}

// SpanDestroy forgets the span's pending events.
func (d *Driver) SpanDestroy(span *zap.Span) error {
	d.queues.Drop(span)
	return nil
}
