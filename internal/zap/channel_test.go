package zap

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/openzap/internal/codec"
	"github.com/flowpbx/openzap/internal/fsk"
	"github.com/flowpbx/openzap/internal/teletone"
)

func TestDTMFQueue_Order(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch := mustChannel(t, s, 1)

	for _, d := range []string{"12", "3", "#*9"} {
		require.NoError(t, ch.QueueDTMF(d))
	}

	buf := make([]byte, 4)
	n := ch.DequeueDTMF(buf)
	assert.Equal(t, "123#", string(buf[:n]))
	n = ch.DequeueDTMF(buf)
	assert.Equal(t, "*9", string(buf[:n]))
	assert.Zero(t, ch.DequeueDTMF(buf), "empty queue is not an error")
}

func TestDTMFQueue_Flush(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch := mustChannel(t, s, 1)

	require.NoError(t, ch.QueueDTMF("5551212"))
	ch.FlushDTMF()
	assert.Zero(t, ch.DequeueDTMF(make([]byte, 16)))
}

func TestDTMFQueue_Overflow(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch := mustChannel(t, s, 1)

	require.NoError(t, ch.QueueDTMF(strings.Repeat("1", dtmfBufferMax)))
	err := ch.QueueDTMF("2")
	require.ErrorIs(t, err, ErrMemory)
	assert.Equal(t, dtmfBufferMax, ch.HasDTMF())
}

func TestDTMFQueue_ConcurrentWritersSingleReader(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch := mustChannel(t, s, 1)

	const perWriter = 2000
	alphabets := []string{"0123456789", "ABCD*#"}

	var writers sync.WaitGroup
	for _, alpha := range alphabets {
		writers.Add(1)
		go func(alpha string) {
			defer writers.Done()
			for i := 0; i < perWriter; i++ {
				d := string(alpha[i%len(alpha)])
				for ch.QueueDTMF(d) != nil {
					time.Sleep(time.Microsecond)
				}
			}
		}(alpha)
	}

	done := make(chan struct{})
	go func() {
		writers.Wait()
		close(done)
	}()

	var got []byte
	buf := make([]byte, 7)
	for drained := false; !drained; {
		n := ch.DequeueDTMF(buf)
		got = append(got, buf[:n]...)
		if n > 0 {
			continue
		}
		select {
		case <-done:
			drained = ch.HasDTMF() == 0
		default:
			time.Sleep(time.Microsecond)
		}
	}

	require.Len(t, got, perWriter*len(alphabets))
	for _, alpha := range alphabets {
		var seq []byte
		for _, b := range got {
			if strings.IndexByte(alpha, b) >= 0 {
				seq = append(seq, b)
			}
		}
		require.Len(t, seq, perWriter)
		for i, b := range seq {
			require.Equal(t, alpha[i%len(alpha)], b, "writer %q digit %d out of order", alpha, i)
		}
	}
}

func TestTokens(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch := mustChannel(t, s, 1)

	_, err := ch.AddToken("b", true)
	require.NoError(t, err)
	_, err = ch.AddToken("a", false)
	require.NoError(t, err)
	_, err = ch.AddToken("c", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ch.Tokens())

	ch.RotateTokens()
	assert.Equal(t, []string{"c", "a", "b"}, ch.Tokens())

	require.NoError(t, ch.ReplaceToken("a", "x"))
	assert.Equal(t, "x", ch.Token(1))
	assert.Equal(t, "", ch.Token(7))

	require.NoError(t, ch.ClearToken("c"))
	assert.Equal(t, []string{"x", "b"}, ch.Tokens())
	assert.Error(t, ch.ClearToken("c"))

	gen, err := ch.AddToken("", true)
	require.NoError(t, err)
	assert.Len(t, gen, 36)

	for ch.TokenCount() < MaxTokens {
		_, err := ch.AddToken("", true)
		require.NoError(t, err)
	}
	_, err = ch.AddToken("overflow", true)
	require.ErrorIs(t, err, ErrFail)
	assert.Equal(t, MaxTokens, ch.TokenCount())

	require.NoError(t, ch.ClearToken(""))
	assert.Zero(t, ch.TokenCount())
}

func TestWait_ReadyReturnsImmediately(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)
	drv.push(ch, make([]byte, 160))

	start := time.Now()
	ready, err := ch.Wait(context.Background(), WaitRead|WaitEvent, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitRead, ready)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	ready, err = ch.Wait(context.Background(), WaitWrite, 0)
	require.NoError(t, err)
	assert.Equal(t, WaitWrite, ready)
}

func TestWait_TimeoutAndCancel(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)

	_, err = ch.Wait(context.Background(), WaitRead, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ch.Wait(ctx, WaitRead, time.Second)
	require.ErrorIs(t, err, ErrBreak)
}

func TestReadWrite_RequireOpen(t *testing.T) {
	s, _, _ := newTestSpan(t, 1)
	ch := mustChannel(t, s, 1)

	_, err := ch.Read(make([]byte, 160))
	assert.ErrorIs(t, err, ErrFail)
	_, err = ch.Write(make([]byte, 160))
	assert.ErrorIs(t, err, ErrFail)
}

// ulawFrames encodes linear audio into 20ms u-law frames.
func ulawFrames(t *testing.T, pcm []int16) [][]byte {
	t.Helper()
	enc, err := codec.Encode(nil, pcm, codec.ULAW)
	require.NoError(t, err)
	var frames [][]byte
	for len(enc) > 0 {
		n := min(160, len(enc))
		frames = append(frames, enc[:n])
		enc = enc[n:]
	}
	return frames
}

func TestRead_DetectsDTMF(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)

	var events []string
	ch.SetEventCallback(func(ev *Event) error {
		events = append(events, ev.Data.(string))
		return nil
	})
	require.NoError(t, ch.Command(CommandEnableDTMFDetect, nil))

	gen := &teletone.Generator{OnPeriod: 100 * time.Millisecond, OffPeriod: 100 * time.Millisecond, Level: teletone.DefaultLevel}
	frames := ulawFrames(t, gen.Render(nil, "42#"))
	drv.push(ch, frames...)

	buf := make([]byte, 160)
	for range frames {
		_, err := ch.Read(buf)
		require.NoError(t, err)
	}

	out := make([]byte, 8)
	n := ch.DequeueDTMF(out)
	assert.Equal(t, "42#", string(out[:n]))
	assert.Equal(t, []string{"4", "2", "#"}, events)
}

func TestRead_SpanDefaultsStartDetectors(t *testing.T) {
	s, drv, rec := newTestSpan(t, 1)
	s.SetChannelDefaults(ChannelDTMFDetect | ChannelProgressDetect)
	added, err := s.AddChannel(nil, ChanTypeB)
	require.NoError(t, err)

	gen := &teletone.Generator{OnPeriod: 100 * time.Millisecond, OffPeriod: 100 * time.Millisecond, Level: teletone.DefaultLevel}
	for round := 0; round < 2; round++ {
		ch, err := s.OpenChannel(added.ChanID)
		require.NoError(t, err)
		assert.True(t, ch.HasFlag(ChannelDTMFDetect))
		assert.False(t, ch.HasFlag(ChannelProgressDetect), "no tonemap loaded")

		frames := ulawFrames(t, gen.Render(nil, "42#"))
		drv.push(ch, frames...)
		buf := make([]byte, 160)
		for range frames {
			_, err := ch.Read(buf)
			require.NoError(t, err)
		}

		out := make([]byte, 8)
		n := ch.DequeueDTMF(out)
		assert.Equal(t, "42#", string(out[:n]), "round %d", round)
		require.NoError(t, ch.Close())
	}
	assert.Contains(t, rec.atLeast(slog.LevelWarn), "default detector not started")
}

func TestWrite_SendDTMFReplacesAudio(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)
	require.NoError(t, ch.Command(CommandSetDTMFOnPeriod, 100))
	require.NoError(t, ch.Command(CommandSetDTMFOffPeriod, 100))

	var on int
	require.NoError(t, ch.Command(CommandGetDTMFOnPeriod, &on))
	assert.Equal(t, 100, on)

	require.NoError(t, ch.Command(CommandSendDTMF, "9x1"))

	silence := make([]byte, 160)
	codec.Fill(silence, codec.ULAW)
	for i := 0; i < 30; i++ {
		n, err := ch.Write(silence)
		require.NoError(t, err)
		require.Equal(t, 160, n)
	}

	var pcm []int16
	for _, f := range drv.written(ch) {
		pcm, err = codec.Decode(pcm, f, codec.ULAW)
		require.NoError(t, err)
	}
	d := teletone.NewDetector()
	assert.Equal(t, "91", string(d.Process(pcm)))
}

func TestTranscode(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)

	require.NoError(t, ch.Command(CommandSetCodec, codec.SLIN))
	assert.True(t, ch.HasFlag(ChannelTranscode))
	var eff codec.Codec
	require.NoError(t, ch.Command(CommandGetCodec, &eff))
	assert.Equal(t, codec.SLIN, eff)
	assert.Equal(t, 320, ch.PacketLen())

	ulaw := make([]byte, 160)
	codec.Fill(ulaw, codec.ULAW)
	drv.push(ch, ulaw)

	buf := make([]byte, 320)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 320, n)
	assert.Equal(t, make([]byte, 320), buf[:n], "u-law silence decodes to zero")

	n, err = ch.Write(make([]byte, 320))
	require.NoError(t, err)
	assert.Equal(t, 320, n)
	written := drv.written(ch)
	require.Len(t, written, 1)
	assert.Len(t, written[0], 160)

	require.NoError(t, ch.Command(CommandSetCodec, codec.ULAW))
	assert.False(t, ch.HasFlag(ChannelTranscode))
}

func TestCallerID_SendAndDetect(t *testing.T) {
	s, drv, _ := newTestSpan(t, 2)
	tx, err := s.OpenChannel(1)
	require.NoError(t, err)
	rx, err := s.OpenChannel(2)
	require.NoError(t, err)

	f := fsk.NewFrame(fsk.MDMF)
	require.NoError(t, f.AddMDMF(fsk.ParamDateTime, "10191230"))
	require.NoError(t, f.AddMDMF(fsk.ParamPhoneNum, "5551234567"))
	require.NoError(t, f.AddMDMF(fsk.ParamPhoneName, "OPEN ZAP"))
	require.NoError(t, tx.SendFSKData(f.AddChecksum()))
	require.ErrorIs(t, tx.SendFSKData(f.AddChecksum()), ErrFail, "one burst at a time")

	silence := make([]byte, 160)
	codec.Fill(silence, codec.ULAW)
	for i := 0; i < 60; i++ {
		_, err := tx.Write(silence)
		require.NoError(t, err)
	}

	require.NoError(t, rx.Command(CommandEnableCallerIDDetect, nil))
	drv.push(rx, drv.written(tx)...)
	buf := make([]byte, 160)
	for range drv.written(tx) {
		_, err := rx.Read(buf)
		require.NoError(t, err)
	}

	cd := rx.CallerData()
	assert.Equal(t, "5551234567", cd.CIDNum)
	assert.Equal(t, "OPEN ZAP", cd.CIDName)
	assert.Equal(t, "10191230", cd.CIDDate)
	assert.False(t, rx.HasFlag(ChannelCallerIDDetect), "detection stops after one frame")
}

func TestPreBuffer(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)
	require.NoError(t, ch.Command(CommandSetPreBufferSize, 40))

	first := bytes.Repeat([]byte{0x11}, 160)
	second := bytes.Repeat([]byte{0x22}, 160)
	third := bytes.Repeat([]byte{0x33}, 160)
	drv.push(ch, first, second, third)

	buf := make([]byte, 160)
	_, err = ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 160), buf, "silence while filling")

	_, err = ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, first, buf)

	_, err = ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, second, buf)
}

func TestPreBuffer_OversizedFrameIsLogged(t *testing.T) {
	s, drv, rec := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)
	require.NoError(t, ch.Command(CommandSetPreBufferSize, 10))

	drv.push(ch, bytes.Repeat([]byte{0x44}, 400))
	buf := make([]byte, 400)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 400, n)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 400), buf)
	assert.Contains(t, rec.atLeast(slog.LevelWarn), "frame too large for pre-buffer, dropped")
}

func TestProgressDetect(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)

	require.ErrorIs(t, ch.Command(CommandEnableProgressDetect, nil), ErrFail, "no tonemap yet")

	require.NoError(t, s.LoadTones(context.Background(), mapSource{"us": {
		{Key: "detect-busy", Value: "480,620"},
	}}, "us"))
	require.NoError(t, ch.Command(CommandEnableProgressDetect, nil))

	frames := ulawFrames(t, teletone.Tone(nil, []float64{480, 620}, 0.2, 300*time.Millisecond))
	drv.push(ch, frames...)
	buf := make([]byte, 160)
	for range frames {
		_, err := ch.Read(buf)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, ch.Info().DetectedTones["busy"])
}

func TestCommand_Dispatch(t *testing.T) {
	s, drv, _ := newTestSpan(t, 1)
	ch, err := s.OpenChannel(1)
	require.NoError(t, err)

	require.NoError(t, ch.Command(CommandOffhook, nil))
	assert.True(t, ch.HasFlag(ChannelOffhook))
	require.NoError(t, ch.Command(CommandOnhook, nil))
	assert.False(t, ch.HasFlag(ChannelOffhook))

	err = ch.Command(CommandEnableEchoCancel, nil)
	assert.ErrorIs(t, err, ErrNotImpl)
	assert.Contains(t, drv.cmds, CommandEnableEchoCancel)

	err = ch.Command(CommandSetInterval, 30)
	assert.ErrorIs(t, err, ErrNotImpl, "no interval feature")
	var ms int
	require.NoError(t, ch.Command(CommandGetInterval, &ms))
	assert.Equal(t, 20, ms)

	err = ch.Command(CommandSetCodec, "ulaw")
	assert.ErrorIs(t, err, ErrFail, "wrong argument type")
	err = ch.Command(CommandGetCodec, (*codec.Codec)(nil))
	assert.ErrorIs(t, err, ErrFail, "nil result pointer")

	var bits uint8 = 0xff
	require.NoError(t, ch.Command(CommandGetCASBits, &bits))
	assert.Zero(t, bits)

	var trace bytes.Buffer
	require.NoError(t, ch.Command(CommandTraceOutput, &trace))
	_, err = ch.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, trace.Bytes())
	require.NoError(t, ch.Command(CommandTraceOutput, nil))
}

func TestDestroyedChannelPanics(t *testing.T) {
	h := Init(Options{Logger: discardLogger()})
	require.NoError(t, h.Register(newFakeIO(), nil))
	s, err := h.CreateSpan("fake", "doomed", TrunkT1)
	require.NoError(t, err)
	ch, err := s.AddChannel(nil, ChanTypeB)
	require.NoError(t, err)

	require.NoError(t, ch.destroy())
	assert.Panics(t, func() { ch.SetFlag(ChannelHold) })
	assert.Panics(t, func() { _, _ = ch.SetState(StateUp) })
}
