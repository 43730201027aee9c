package zap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/openzap/internal/codec"
	"github.com/flowpbx/openzap/internal/fsk"
	"github.com/flowpbx/openzap/internal/tone"
)

// readState is the part of the channel the read path needs, copied out
// under the lock so DSP runs without it.
type readState struct {
	flags     ChannelFlag
	native    codec.Codec
	effective codec.Codec
}

func (c *Channel) snapshot() readState {
	c.lock()
	defer c.unlock()
	return readState{flags: c.flags, native: c.nativeCodec, effective: c.effectiveCodec}
}

// Read fills buf with one frame of audio in the effective codec, or a raw
// frame on a data channel. Detection of DTMF, progress tones and caller-ID
// runs on the way through, and the pre-buffer, when sized, delays the audio.
func (c *Channel) Read(buf []byte) (int, error) {
	rs := c.snapshot()
	if !Test(rs.flags, ChannelOpen) {
		return 0, fmt.Errorf("read on closed channel %d:%d: %w", c.SpanID, c.ChanID, ErrFail)
	}

	transcode := Test(rs.flags, ChannelTranscode) && rs.native != rs.effective
	raw := buf
	if transcode {
		raw = make([]byte, codec.TranscodedLen(len(buf), rs.effective, rs.native))
	}

	n, err := c.io.Read(c, raw)
	if err != nil {
		return 0, err
	}
	c.trace(true, raw[:n])

	if transcode {
		out, err := codec.Transcode(buf[:0], raw[:n], rs.native, rs.effective)
		if err != nil {
			return 0, fmt.Errorf("transcoding read: %w", err)
		}
		n = len(out)
	}

	if c.Type.Voice() && rs.effective != codec.NONE &&
		Test(rs.flags, ChannelDTMFDetect|ChannelProgressDetect|ChannelCallerIDDetect) {
		samples, err := codec.Decode(make([]int16, 0, n), buf[:n], rs.effective)
		if err == nil {
			if c.detect(rs.flags, samples) && Test(rs.flags, ChannelSupressDTMF) {
				codec.Fill(buf[:n], rs.effective)
			}
		}
	}

	return c.preBuffered(buf, n, rs.effective), nil
}

// detect runs the enabled detectors over linear samples. It reports
// whether a DTMF digit was heard in this frame.
func (c *Channel) detect(flags ChannelFlag, samples []int16) bool {
	c.lock()
	dtmf, progress, demod := c.dtmfDetector, c.progress, c.fskDemod
	c.unlock()

	heard := false
	if Test(flags, ChannelDTMFDetect) && dtmf != nil {
		if digits := dtmf.Process(samples); len(digits) > 0 {
			heard = true
			s := string(digits)
			if err := c.QueueDTMF(s); err != nil {
				c.logger.Warn("dropping detected dtmf", "digits", s, "error", err)
			}
			c.dispatch(&Event{Type: EventDTMF, Channel: c, Data: s})
		}
	}

	if Test(flags, ChannelProgressDetect) && progress != nil {
		for _, id := range progress.Process(samples) {
			c.lock()
			c.detected[id]++
			c.unlock()
			c.logger.Debug("call progress tone detected", "tone", tone.Kind(id).String())
		}
	}

	if Test(flags, ChannelCallerIDDetect) && demod != nil {
		c.feedCallerID(demod.Feed(samples))
	}
	return heard
}

func (c *Channel) feedCallerID(b []byte) {
	if len(b) == 0 {
		return
	}
	c.lock()
	c.fskRx = append(c.fskRx, b...)
	rx := c.fskRx
	c.unlock()

	msg, err := fsk.Parse(rx)
	switch {
	case err == nil:
		c.lock()
		c.caller.CIDDate = msg.Date()
		c.caller.CIDNum = msg.Number()
		if name := msg.Name(); name != "" {
			c.caller.CIDName = name
		}
		c.stopCallerID()
		c.unlock()
		c.logger.Info("caller-id received", "number", msg.Number(), "name", msg.Name(), "format", msg.Type.String())
	case errors.Is(err, ErrChecksum):
		c.lock()
		c.stopCallerID()
		c.unlock()
		c.logger.Warn("caller-id discarded", "error", err)
	default:
		if len(rx) > fskRxMax {
			c.lock()
			c.fskRx = nil
			c.unlock()
		}
	}
}

// stopCallerID ends caller-ID detection. Caller must hold c.mu.
func (c *Channel) stopCallerID() {
	Clear(&c.flags, ChannelCallerIDDetect)
	c.fskDemod = nil
	c.fskRx = nil
}

// preBuffered pushes n bytes of buf through the pre-buffer and returns the
// byte count to hand the caller. Until the pre-buffer fills, the caller gets
// silence.
func (c *Channel) preBuffered(buf []byte, n int, cd codec.Codec) int {
	c.preMu.Lock()
	defer c.preMu.Unlock()

	if c.preBuffer == nil || c.preBufferSize == 0 {
		return n
	}
	if err := c.preBuffer.Write(buf[:n]); err != nil {
		c.preBuffer.Toss(n)
		if err := c.preBuffer.Write(buf[:n]); err != nil {
			c.logger.Warn("frame too large for pre-buffer, dropped", "bytes", n, "size", c.preBufferSize, "error", err)
		}
	}
	if c.preBuffer.Inuse() < c.preBufferSize {
		codec.Fill(buf[:n], cd)
		return n
	}
	return c.preBuffer.Read(buf[:n])
}

// Write sends one frame in the effective codec. While caller-ID or generated
// DTMF audio is pending it replaces the frame's content.
func (c *Channel) Write(buf []byte) (int, error) {
	rs := c.snapshot()
	if !Test(rs.flags, ChannelOpen) {
		return 0, fmt.Errorf("write on closed channel %d:%d: %w", c.SpanID, c.ChanID, ErrFail)
	}

	frame := buf
	if c.Type.Voice() && rs.effective != codec.NONE {
		if f, ok := c.pendingAudio(len(buf), rs.effective); ok {
			frame = f
		}
	}

	out := frame
	if Test(rs.flags, ChannelTranscode) && rs.native != rs.effective {
		var err error
		out, err = codec.Transcode(make([]byte, 0, codec.TranscodedLen(len(frame), rs.effective, rs.native)), frame, rs.effective, rs.native)
		if err != nil {
			return 0, fmt.Errorf("transcoding write: %w", err)
		}
	}

	c.trace(false, out)
	n, err := c.io.Write(c, out)
	if err != nil {
		return 0, err
	}
	if n == len(out) {
		return len(buf), nil
	}
	return codec.TranscodedLen(n, rs.native, rs.effective), nil
}

// pendingAudio builds a frame of size bytes from queued caller-ID or DTMF
// audio. Digits queued by SEND_DTMF are rendered one at a time.
func (c *Channel) pendingAudio(size int, cd codec.Codec) ([]byte, bool) {
	samples := size / cd.BytesPerSample()
	if samples == 0 {
		return nil, false
	}

	src := c.fskBuffer
	if src.Inuse() == 0 {
		if c.digitBuffer.Inuse() == 0 {
			c.renderNextDigit()
		}
		src = c.digitBuffer
	}
	if src.Inuse() == 0 {
		return nil, false
	}

	slin := make([]byte, samples*2)
	got := src.Read(slin)
	pcm, _ := codec.Decode(make([]int16, 0, samples), slin[:got], codec.SLIN)
	for len(pcm) < samples {
		pcm = append(pcm, 0)
	}
	frame, err := codec.Encode(make([]byte, 0, size), pcm, cd)
	if err != nil {
		return nil, false
	}
	return frame, true
}

func (c *Channel) renderNextDigit() {
	var d [1]byte
	if c.genDTMFBuffer.Read(d[:]) == 0 {
		return
	}
	c.lock()
	gen := c.dtmfGen
	c.unlock()

	pcm := gen.Render(nil, string(d[:]))
	audio, _ := codec.Encode(make([]byte, 0, len(pcm)*2), pcm, codec.SLIN)
	if err := c.digitBuffer.Write(audio); err != nil {
		c.logger.Warn("dropping generated dtmf", "digit", string(d[:]), "error", err)
		return
	}
	c.logger.Debug("generating dtmf", "digit", string(d[:]))
}

func (c *Channel) trace(in bool, p []byte) {
	c.lock()
	w := c.traceOut
	if in {
		w = c.traceIn
	}
	c.unlock()
	if w == nil || len(p) == 0 {
		return
	}
	if _, err := w.Write(p); err != nil {
		c.logger.Warn("trace write failed, stopping trace", "input", in, "error", err)
		c.lock()
		if in {
			c.traceIn = nil
		} else {
			c.traceOut = nil
		}
		c.unlock()
	}
}

// Wait blocks until the channel is readable, writable or has an event, as
// selected by flags, or until timeout. A zero timeout polls. Cancelling ctx
// returns ErrBreak.
func (c *Channel) Wait(ctx context.Context, flags WaitFlag, timeout time.Duration) (WaitFlag, error) {
	if !c.HasFlag(ChannelOpen) {
		return WaitNone, fmt.Errorf("wait on closed channel %d:%d: %w", c.SpanID, c.ChanID, ErrFail)
	}
	ready, err := c.io.Wait(ctx, c, flags, timeout)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrBreak) {
		return ready, fmt.Errorf("wait on %d:%d: %w", c.SpanID, c.ChanID, ErrBreak)
	}
	return ready, err
}

// applyOOB mirrors a line event into the flag register.
func (c *Channel) applyOOB(ev OOBEvent) {
	c.lock()
	defer c.unlock()
	switch ev {
	case OOBOffhook:
		Set(&c.flags, ChannelOffhook)
	case OOBOnhook:
		Clear(&c.flags, ChannelOffhook)
	case OOBRingStart:
		Set(&c.flags, ChannelRinging)
	case OOBRingStop:
		Clear(&c.flags, ChannelRinging)
	case OOBWink:
		Set(&c.flags, ChannelWink)
	case OOBFlash:
		Set(&c.flags, ChannelFlash)
	case OOBAlarmTrap:
		Set(&c.flags, ChannelSuspended)
	case OOBAlarmClear:
		Clear(&c.flags, ChannelSuspended)
	}
}
