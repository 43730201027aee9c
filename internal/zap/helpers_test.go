package zap

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeIO is an in-memory driver: reads come from per-channel frame queues,
// writes are recorded and events are queued per span.
type fakeIO struct {
	UnimplementedIO

	mu      sync.Mutex
	rx      map[*Channel][][]byte
	tx      map[*Channel][][]byte
	alarms  map[*Channel]Alarm
	events  chan *Event
	cmds    []Command
	openErr error
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		rx:     make(map[*Channel][][]byte),
		tx:     make(map[*Channel][][]byte),
		alarms: make(map[*Channel]Alarm),
		events: make(chan *Event, 64),
	}
}

func (f *fakeIO) Name() string { return "fake" }

func (f *fakeIO) ConfigureSpan(span *Span, spec string, typ ChanType) (int, error) {
	n, err := strconv.Atoi(spec)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		if _, err := span.AddChannel(nil, typ); err != nil {
			return i, err
		}
	}
	return n, nil
}

func (f *fakeIO) Open(*Channel) error  { return f.openErr }
func (f *fakeIO) Close(*Channel) error { return nil }

func (f *fakeIO) push(ch *Channel, frames ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx[ch] = append(f.rx[ch], frames...)
}

func (f *fakeIO) written(ch *Channel) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tx[ch]
}

func (f *fakeIO) Read(ch *Channel, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rx[ch]
	if len(q) == 0 {
		return 0, ErrTimeout
	}
	n := copy(buf, q[0])
	f.rx[ch] = q[1:]
	return n, nil
}

func (f *fakeIO) Write(ch *Channel, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx[ch] = append(f.tx[ch], append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeIO) Wait(ctx context.Context, ch *Channel, flags WaitFlag, timeout time.Duration) (WaitFlag, error) {
	ready := func() WaitFlag {
		f.mu.Lock()
		defer f.mu.Unlock()
		r := WaitWrite
		if len(f.rx[ch]) > 0 {
			r |= WaitRead
		}
		return r & flags
	}
	if r := ready(); r != WaitNone {
		return r, nil
	}
	select {
	case <-ctx.Done():
		return WaitNone, ErrBreak
	case <-time.After(timeout):
		return WaitNone, ErrTimeout
	}
}

func (f *fakeIO) Command(ch *Channel, cmd Command, obj any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	switch cmd {
	case CommandOffhook, CommandOnhook, CommandGenerateRingOn, CommandGenerateRingOff:
		return nil
	}
	return ErrNotImpl
}

func (f *fakeIO) GetAlarms(ch *Channel) (Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarms[ch], nil
}

func (f *fakeIO) setAlarms(ch *Channel, a Alarm) {
	f.mu.Lock()
	f.alarms[ch] = a
	f.mu.Unlock()
}

func (f *fakeIO) PollEvent(ctx context.Context, span *Span, timeout time.Duration) error {
	if len(f.events) > 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ErrBreak
	case <-time.After(timeout):
		return ErrTimeout
	}
}

func (f *fakeIO) NextEvent(span *Span) (*Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	default:
		return nil, ErrNoEvent
	}
}

// recordHandler keeps every log record for assertions.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.records = append(h.records, r.Clone())
	h.mu.Unlock()
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

// atLeast returns the messages logged at level or above.
func (h *recordHandler) atLeast(level slog.Level) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.records {
		if r.Level >= level {
			out = append(out, r.Message)
		}
	}
	return out
}

func (h *recordHandler) reset() {
	h.mu.Lock()
	h.records = nil
	h.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSpan builds a HAL with the fake driver and a span of n B channels.
func newTestSpan(t *testing.T, n int) (*Span, *fakeIO, *recordHandler) {
	t.Helper()
	rec := &recordHandler{}
	h := Init(Options{Logger: slog.New(rec)})
	drv := newFakeIO()
	require.NoError(t, h.Register(drv, nil))

	s, err := h.CreateSpan("fake", "test", TrunkT1)
	require.NoError(t, err)
	added, err := s.Configure(strconv.Itoa(n), ChanTypeB)
	require.NoError(t, err)
	require.Equal(t, n, added)

	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
	})
	rec.reset()
	return s, drv, rec
}

func mustChannel(t *testing.T, s *Span, id int) *Channel {
	t.Helper()
	ch, err := s.Channel(id)
	require.NoError(t, err)
	return ch
}
