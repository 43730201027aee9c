// Package serial is an I/O interface carrying signaling data channels over
// serial lines. Each device in a span spec becomes one D-channel; bytes read
// from the line are queued for Channel.Read and writes go straight out.
package serial

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goserial "go.bug.st/serial"

	"github.com/flowpbx/openzap/internal/buffer"
	"github.com/flowpbx/openzap/internal/codec"
	"github.com/flowpbx/openzap/internal/driver"
	"github.com/flowpbx/openzap/internal/zap"
)

// Name is the interface name spans refer to.
const Name = "serial"

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 100 * time.Millisecond

	rxMax     = 64 * 1024
	chunkSize = 512
)

// Port is the part of goserial.Port the driver uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a device. The default is goserial.Open.
type Opener func(name string, mode *goserial.Mode) (Port, error)

func openPort(name string, mode *goserial.Mode) (Port, error) {
	return goserial.Open(name, mode)
}

type line struct {
	device string
	port   Port
	rx     *buffer.Buffer
	sig    driver.Notifier
	done   chan struct{}
	closed atomic.Bool

	mu     sync.Mutex
	alarms zap.Alarm
}

// Driver is the serial I/O interface.
type Driver struct {
	zap.UnimplementedIO

	logger *slog.Logger
	open   Opener
	queues driver.Queues

	mu          sync.Mutex
	baud        int
	readTimeout time.Duration
}

// New creates a serial driver. A nil opener uses the operating system's
// serial ports.
func New(open Opener, logger *slog.Logger) *Driver {
	if open == nil {
		open = openPort
	}
	return &Driver{
		logger:      logger.With("subsystem", "serial"),
		open:        open,
		baud:        DefaultBaudRate,
		readTimeout: DefaultReadTimeout,
	}
}

// Name implements zap.IOInterface.
func (d *Driver) Name() string { return Name }

// Configure accepts "baud" and "read-timeout" (milliseconds).
func (d *Driver) Configure(cfg map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := cfg["baud"]; ok {
		baud, err := strconv.Atoi(v)
		if err != nil || baud <= 0 {
			return fmt.Errorf("serial: invalid baud %q", v)
		}
		d.baud = baud
	}
	if v, ok := cfg["read-timeout"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("serial: invalid read-timeout %q", v)
		}
		d.readTimeout = time.Duration(ms) * time.Millisecond
	}
	return nil
}

type device struct {
	name string
	baud int
}

// parseDevices reads "dev[@baud][,dev[@baud]...]".
func parseDevices(spec string, baud int) ([]device, error) {
	var out []device
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dev := device{name: part, baud: baud}
		if name, rate, ok := strings.Cut(part, "@"); ok {
			b, err := strconv.Atoi(rate)
			if err != nil || b <= 0 {
				return nil, fmt.Errorf("device %q: bad baud rate", part)
			}
			dev = device{name: name, baud: b}
		}
		if dev.name == "" {
			return nil, fmt.Errorf("device spec %q: empty device name", spec)
		}
		out = append(out, dev)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty device spec")
	}
	return out, nil
}

// ConfigureSpan opens every device in spec and adds one data channel for
// each. typ may be DQ921 or DQ931; anything else becomes DQ921.
func (d *Driver) ConfigureSpan(span *zap.Span, spec string, typ zap.ChanType) (int, error) {
	d.mu.Lock()
	baud, timeout := d.baud, d.readTimeout
	d.mu.Unlock()

	devs, err := parseDevices(spec, baud)
	if err != nil {
		return 0, err
	}
	if typ != zap.ChanTypeDQ931 {
		typ = zap.ChanTypeDQ921
	}
	d.queues.Get(span)

	added := 0
	for _, dev := range devs {
		port, err := d.open(dev.name, &goserial.Mode{
			BaudRate: dev.baud,
			DataBits: 8,
			Parity:   goserial.NoParity,
			StopBits: goserial.OneStopBit,
		})
		if err != nil {
			return added, fmt.Errorf("opening %s: %w", dev.name, err)
		}
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return added, fmt.Errorf("setting read timeout on %s: %w", dev.name, err)
		}

		l := &line{
			device: dev.name,
			port:   port,
			rx:     buffer.New(chunkSize, 0, rxMax),
			done:   make(chan struct{}),
		}
		ch, err := span.AddChannel(l, typ)
		if err != nil {
			port.Close()
			return added, err
		}
		ch.SetNativeCodec(codec.NONE)
		added++

		go d.receive(ch, l)
		d.logger.Info("serial line attached", "span", span.Name, "chan_id", ch.ChanID, "device", dev.name, "baud", dev.baud)
	}
	return added, nil
}

func lineOf(ch *zap.Channel) *line {
	l, ok := ch.Handle.(*line)
	if !ok {
		panic(fmt.Sprintf("serial: channel %d:%d has foreign handle %T", ch.SpanID, ch.ChanID, ch.Handle))
	}
	return l
}

// Device returns the device path behind ch.
func Device(ch *zap.Channel) string { return lineOf(ch).device }

// receive copies line input into the channel queue. A read error puts the
// channel in red alarm and ends the reader.
func (d *Driver) receive(ch *zap.Channel, l *line) {
	defer close(l.done)

	buf := make([]byte, chunkSize)
	for {
		n, err := l.port.Read(buf)
		if l.closed.Load() {
			return
		}
		if err != nil {
			d.logger.Error("serial line failed", "device", l.device, "chan_id", ch.ChanID, "error", err)
			l.mu.Lock()
			l.alarms = zap.AlarmRed
			l.mu.Unlock()
			d.push(ch, &zap.Event{Type: zap.EventOOB, EnumID: zap.OOBAlarmTrap, Channel: ch})
			return
		}
		if n == 0 {
			continue
		}
		if err := driver.WriteBuffer(l.rx, &l.sig, buf[:n]); err != nil {
			d.logger.Warn("dropping serial input", "device", l.device, "bytes", n, "error", err)
		}
	}
}

func (d *Driver) push(ch *zap.Channel, ev *zap.Event) {
	d.queues.Get(ch.Span()).Push(ev)
	lineOf(ch).sig.Broadcast()
}

// Open discards line input that arrived while the channel was idle.
func (d *Driver) Open(ch *zap.Channel) error {
	l := lineOf(ch)
	l.rx.Zero()
	if err := l.port.ResetInputBuffer(); err != nil {
		d.logger.Debug("resetting serial input failed", "device", l.device, "error", err)
	}
	return nil
}

// Close drops unread line input.
func (d *Driver) Close(ch *zap.Channel) error {
	lineOf(ch).rx.Zero()
	return nil
}

// Read returns queued line input, waiting up to the read timeout.
func (d *Driver) Read(ch *zap.Channel, buf []byte) (int, error) {
	l := lineOf(ch)
	d.mu.Lock()
	timeout := d.readTimeout
	d.mu.Unlock()

	n, err := driver.ReadBuffer(l.rx, &l.sig, buf, timeout)
	if err != nil {
		return 0, fmt.Errorf("serial read %s: %w", l.device, err)
	}
	return n, nil
}

// Write sends buf on the line.
func (d *Driver) Write(ch *zap.Channel, buf []byte) (int, error) {
	l := lineOf(ch)
	if l.closed.Load() {
		return 0, fmt.Errorf("serial write %s: line closed: %w", l.device, zap.ErrFail)
	}
	n, err := l.port.Write(buf)
	if err != nil {
		return n, fmt.Errorf("serial write %s: %w", l.device, err)
	}
	return n, nil
}

// Wait reports readiness: writes are always ready, reads when input is
// queued, events when an alarm event is pending for the channel.
func (d *Driver) Wait(ctx context.Context, ch *zap.Channel, flags zap.WaitFlag, timeout time.Duration) (zap.WaitFlag, error) {
	l := lineOf(ch)
	return driver.WaitChannel(ctx, &l.sig, flags, timeout, l.rx, d.queues.Get(ch.Span()), ch)
}

// PollEvent waits for a line event on span.
func (d *Driver) PollEvent(ctx context.Context, span *zap.Span, timeout time.Duration) error {
	return d.queues.Get(span).Poll(ctx, timeout)
}

// NextEvent pops the oldest event of span.
func (d *Driver) NextEvent(span *zap.Span) (*zap.Event, error) {
	return d.queues.Get(span).Next()
}

// GetAlarms reports red alarm once the line has failed.
func (d *Driver) GetAlarms(ch *zap.Channel) (zap.Alarm, error) {
	l := lineOf(ch)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alarms, nil
}

// ChannelDestroy closes the device and waits for its reader.
func (d *Driver) ChannelDestroy(ch *zap.Channel) error {
	l, ok := ch.Handle.(*line)
	if !ok {
		return nil
	}
	l.closed.Store(true)
	err := l.port.Close()
	<-l.done
	return err
}

// SpanDestroy forgets the span's pending events.
func (d *Driver) SpanDestroy(span *zap.Span) error {
	d.queues.Drop(span)
	return nil
}
