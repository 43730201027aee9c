package zap

import (
	"context"
	"time"
)

// WaitFlag selects the readiness conditions Channel.Wait blocks on.
type WaitFlag uint32

const (
	WaitNone  WaitFlag = 0
	WaitRead  WaitFlag = 1 << 0
	WaitWrite WaitFlag = 1 << 1
	WaitEvent WaitFlag = 1 << 2
)

func (f WaitFlag) String() string {
	return flagString(f, []string{"READ", "WRITE", "EVENT"})
}

// IOInterface is a hardware driver. The core reaches hardware only through
// these methods. Drivers embed UnimplementedIO so that any method they do not
// provide reports ErrNotImpl.
type IOInterface interface {
	// Name is the unique name spans refer to the driver by.
	Name() string

	// Configure applies driver-wide settings once at registration.
	Configure(cfg map[string]string) error

	// ConfigureSpan adds the channels described by spec to span with
	// Span.AddChannel and returns how many were added.
	ConfigureSpan(span *Span, spec string, typ ChanType) (int, error)

	Open(ch *Channel) error
	Close(ch *Channel) error

	// Read fills buf with native codec audio or raw frames and returns the
	// byte count.
	Read(ch *Channel, buf []byte) (int, error)

	// Write sends buf and returns the byte count taken.
	Write(ch *Channel, buf []byte) (int, error)

	// Wait blocks until one of the requested conditions holds, the timeout
	// elapses (ErrTimeout) or ctx is cancelled (ErrBreak). It returns the
	// conditions that are ready. A zero timeout polls.
	Wait(ctx context.Context, ch *Channel, flags WaitFlag, timeout time.Duration) (WaitFlag, error)

	// Command runs a driver specific control operation.
	Command(ch *Channel, cmd Command, obj any) error

	// PollEvent blocks until an event is pending on any channel of span.
	PollEvent(ctx context.Context, span *Span, timeout time.Duration) error

	// NextEvent dequeues one pending event without blocking, returning
	// ErrNoEvent when there is none.
	NextEvent(span *Span) (*Event, error)

	GetAlarms(ch *Channel) (Alarm, error)
	ChannelDestroy(ch *Channel) error
	SpanDestroy(span *Span) error

	// Unload releases driver-wide resources at HAL shutdown.
	Unload() error
}

// UnimplementedIO answers every IOInterface method with ErrNotImpl, or a
// no-op for the configure, destroy and unload hooks. Embed it in drivers.
type UnimplementedIO struct{}

func (UnimplementedIO) Configure(map[string]string) error { return nil }

func (UnimplementedIO) ConfigureSpan(*Span, string, ChanType) (int, error) {
	return 0, ErrNotImpl
}

func (UnimplementedIO) Open(*Channel) error  { return ErrNotImpl }
func (UnimplementedIO) Close(*Channel) error { return ErrNotImpl }

func (UnimplementedIO) Read(*Channel, []byte) (int, error)  { return 0, ErrNotImpl }
func (UnimplementedIO) Write(*Channel, []byte) (int, error) { return 0, ErrNotImpl }

func (UnimplementedIO) Wait(context.Context, *Channel, WaitFlag, time.Duration) (WaitFlag, error) {
	return WaitNone, ErrNotImpl
}

func (UnimplementedIO) Command(*Channel, Command, any) error { return ErrNotImpl }

func (UnimplementedIO) PollEvent(context.Context, *Span, time.Duration) error {
	return ErrNotImpl
}

func (UnimplementedIO) NextEvent(*Span) (*Event, error) { return nil, ErrNotImpl }

func (UnimplementedIO) GetAlarms(*Channel) (Alarm, error) { return AlarmNone, ErrNotImpl }

func (UnimplementedIO) ChannelDestroy(*Channel) error { return nil }
func (UnimplementedIO) SpanDestroy(*Span) error       { return nil }
func (UnimplementedIO) Unload() error                 { return nil }
