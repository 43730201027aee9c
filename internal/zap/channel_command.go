package zap

import (
	"fmt"
	"io"
	"time"

	"github.com/flowpbx/openzap/internal/buffer"
	"github.com/flowpbx/openzap/internal/codec"
	"github.com/flowpbx/openzap/internal/fsk"
	"github.com/flowpbx/openzap/internal/teletone"
)

// Command runs cmd on the channel. Operations the hardware lacks a feature
// for (codecs, DTMF, progress and caller-ID detection) are done in software;
// the rest go to the driver.
func (c *Channel) Command(cmd Command, obj any) error {
	err := c.command(cmd, obj)
	if err != nil {
		c.logger.Debug("command failed", "command", cmd.String(), "error", err)
		return err
	}
	c.logger.Debug("command done", "command", cmd.String())
	return nil
}

func (c *Channel) command(cmd Command, obj any) error {
	features := c.Features()

	switch cmd {
	case CommandNoop:
		return nil

	case CommandSetInterval:
		ms, err := objAs[int](cmd, obj)
		if err != nil {
			return err
		}
		if !Test(features, FeatureInterval) {
			return fmt.Errorf("%s: %w", cmd, ErrNotImpl)
		}
		if err := c.io.Command(c, cmd, ms); err != nil {
			return err
		}
		c.lock()
		c.effectiveInterval = ms
		c.packetLen = c.effectiveCodec.PacketLen(ms)
		c.unlock()
		return nil

	case CommandGetInterval:
		p, err := objPtr[int](cmd, obj)
		if err != nil {
			return err
		}
		if Test(features, FeatureInterval) {
			return c.io.Command(c, cmd, p)
		}
		c.lock()
		*p = c.effectiveInterval
		c.unlock()
		return nil

	case CommandSetCodec:
		cd, err := objAs[codec.Codec](cmd, obj)
		if err != nil {
			return err
		}
		return c.setCodec(cd, features)

	case CommandGetCodec:
		p, err := objPtr[codec.Codec](cmd, obj)
		if err != nil {
			return err
		}
		c.lock()
		*p = c.effectiveCodec
		c.unlock()
		return nil

	case CommandSetNativeCodec:
		cd, err := objAs[codec.Codec](cmd, obj)
		if err != nil {
			return err
		}
		c.SetNativeCodec(cd)
		return nil

	case CommandGetNativeCodec:
		p, err := objPtr[codec.Codec](cmd, obj)
		if err != nil {
			return err
		}
		c.lock()
		*p = c.nativeCodec
		c.unlock()
		return nil

	case CommandEnableDTMFDetect:
		if Test(features, FeatureDTMFDetect) {
			if err := c.io.Command(c, cmd, obj); err != nil {
				return err
			}
			c.SetFlag(ChannelDTMFDetect)
			return nil
		}
		c.lock()
		defer c.unlock()
		if c.effectiveCodec == codec.NONE {
			return fmt.Errorf("%s: no audio codec: %w", cmd, ErrFail)
		}
		if c.dtmfDetector == nil {
			c.dtmfDetector = teletone.NewDetector()
		}
		Set(&c.flags, ChannelDTMFDetect)
		return nil

	case CommandDisableDTMFDetect:
		if Test(features, FeatureDTMFDetect) {
			if err := c.io.Command(c, cmd, obj); err != nil {
				return err
			}
		}
		c.lock()
		Clear(&c.flags, ChannelDTMFDetect)
		c.dtmfDetector = nil
		c.unlock()
		return nil

	case CommandSendDTMF:
		digits, err := objAs[string](cmd, obj)
		if err != nil {
			return err
		}
		if Test(features, FeatureDTMFGenerate) {
			return c.io.Command(c, cmd, digits)
		}
		valid := teletone.ValidDigits(digits)
		if valid == "" {
			return fmt.Errorf("%s: no valid digits in %q: %w", cmd, digits, ErrFail)
		}
		if err := c.genDTMFBuffer.WriteString(valid); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		return nil

	case CommandSetDTMFOnPeriod, CommandSetDTMFOffPeriod:
		ms, err := objAs[int](cmd, obj)
		if err != nil {
			return err
		}
		if ms < 10 || ms > 1000 {
			return fmt.Errorf("%s: %dms out of range: %w", cmd, ms, ErrFail)
		}
		c.lock()
		if cmd == CommandSetDTMFOnPeriod {
			c.dtmfGen.OnPeriod = time.Duration(ms) * time.Millisecond
		} else {
			c.dtmfGen.OffPeriod = time.Duration(ms) * time.Millisecond
		}
		c.unlock()
		return nil

	case CommandGetDTMFOnPeriod, CommandGetDTMFOffPeriod:
		p, err := objPtr[int](cmd, obj)
		if err != nil {
			return err
		}
		c.lock()
		if cmd == CommandGetDTMFOnPeriod {
			*p = int(c.dtmfGen.OnPeriod / time.Millisecond)
		} else {
			*p = int(c.dtmfGen.OffPeriod / time.Millisecond)
		}
		c.unlock()
		return nil

	case CommandEnableProgressDetect:
		if Test(features, FeatureProgress) {
			if err := c.io.Command(c, cmd, obj); err != nil {
				return err
			}
			c.SetFlag(ChannelProgressDetect)
			return nil
		}
		specs := c.span.toneSpecs()
		if len(specs) == 0 {
			return fmt.Errorf("%s: span %s has no tonemap loaded: %w", cmd, c.span.Name, ErrFail)
		}
		c.lock()
		c.progress = teletone.NewMultiDetector(specs)
		Set(&c.flags, ChannelProgressDetect)
		c.unlock()
		return nil

	case CommandDisableProgressDetect:
		if Test(features, FeatureProgress) {
			if err := c.io.Command(c, cmd, obj); err != nil {
				return err
			}
		}
		c.lock()
		Clear(&c.flags, ChannelProgressDetect)
		c.progress = nil
		c.unlock()
		return nil

	case CommandEnableCallerIDDetect:
		if Test(features, FeatureCallerID) {
			if err := c.io.Command(c, cmd, obj); err != nil {
				return err
			}
			c.SetFlag(ChannelCallerIDDetect)
			return nil
		}
		c.lock()
		c.fskDemod = fsk.NewDemodulator()
		c.fskRx = nil
		Set(&c.flags, ChannelCallerIDDetect)
		c.unlock()
		return nil

	case CommandDisableCallerIDDetect:
		if Test(features, FeatureCallerID) {
			if err := c.io.Command(c, cmd, obj); err != nil {
				return err
			}
		}
		c.lock()
		c.stopCallerID()
		c.unlock()
		return nil

	case CommandSetPreBufferSize:
		ms, err := objAs[int](cmd, obj)
		if err != nil {
			return err
		}
		if ms < 0 {
			return fmt.Errorf("%s: negative size: %w", cmd, ErrFail)
		}
		c.lock()
		size := c.effectiveCodec.PacketLen(ms)
		frame := c.packetLen
		c.unlock()
		c.preMu.Lock()
		c.preBufferSize = size
		if size == 0 {
			c.preBuffer = nil
		} else {
			c.preBuffer = buffer.New(size, size, size+max(size, frame))
		}
		c.preMu.Unlock()
		return nil

	case CommandTraceInput, CommandTraceOutput:
		var w io.Writer
		if obj != nil {
			var err error
			if w, err = objAs[io.Writer](cmd, obj); err != nil {
				return err
			}
		}
		c.lock()
		if cmd == CommandTraceInput {
			c.traceIn = w
		} else {
			c.traceOut = w
		}
		c.unlock()
		return nil

	case CommandGetCASBits:
		p, err := objPtr[uint8](cmd, obj)
		if err != nil {
			return err
		}
		if err := c.io.Command(c, cmd, p); err != nil {
			if StatusOf(err) != StatusNotImpl {
				return err
			}
			c.lock()
			*p = c.casBits
			c.unlock()
		}
		return nil

	case CommandSetCASBits:
		bits, err := objAs[uint8](cmd, obj)
		if err != nil {
			return err
		}
		if err := c.io.Command(c, cmd, bits); err != nil {
			return err
		}
		c.lock()
		c.casBits = bits
		c.unlock()
		return nil
	}

	if err := c.io.Command(c, cmd, obj); err != nil {
		return err
	}
	switch cmd {
	case CommandOffhook:
		c.SetFlag(ChannelOffhook)
	case CommandOnhook:
		c.ClearFlag(ChannelOffhook)
	case CommandGenerateRingOn:
		c.SetFlag(ChannelRinging)
	case CommandGenerateRingOff:
		c.ClearFlag(ChannelRinging)
	}
	return nil
}

// setCodec changes the effective codec. With hardware codec support the
// driver switches; otherwise the core transcodes between native and
// effective.
func (c *Channel) setCodec(cd codec.Codec, features Feature) error {
	if Test(features, FeatureCodecs) {
		if err := c.io.Command(c, CommandSetCodec, cd); err != nil {
			return err
		}
		c.lock()
		c.nativeCodec = cd
		c.effectiveCodec = cd
		Clear(&c.flags, ChannelTranscode)
		c.packetLen = cd.PacketLen(c.effectiveInterval)
		c.unlock()
		return nil
	}

	c.lock()
	defer c.unlock()
	if cd != c.nativeCodec && (cd == codec.NONE || c.nativeCodec == codec.NONE) {
		return fmt.Errorf("cannot transcode %s to %s: %w", c.nativeCodec, cd, ErrNotImpl)
	}
	c.effectiveCodec = cd
	if cd == c.nativeCodec {
		Clear(&c.flags, ChannelTranscode)
	} else {
		Set(&c.flags, ChannelTranscode)
	}
	c.packetLen = cd.PacketLen(c.effectiveInterval)
	return nil
}
