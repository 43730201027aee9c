// Package codec holds the audio formats a channel can carry and the leaf
// transforms between them. Linear audio (SLIN) is 16-bit little-endian at
// 8 kHz.
package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Codec identifies a channel audio encoding.
type Codec int

const (
	ULAW Codec = 0
	ALAW Codec = 8
	SLIN Codec = 10
	NONE Codec = 255
)

func (c Codec) String() string {
	switch c {
	case ULAW:
		return "ulaw"
	case ALAW:
		return "alaw"
	case SLIN:
		return "slin"
	case NONE:
		return "none"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// Parse maps a codec name to its value.
func Parse(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ulaw", "pcmu", "mu-law":
		return ULAW, nil
	case "alaw", "pcma", "a-law":
		return ALAW, nil
	case "slin", "linear":
		return SLIN, nil
	case "none", "":
		return NONE, nil
	}
	return NONE, fmt.Errorf("unknown codec %q", name)
}

// SampleRate is the telephony clock used by every codec here.
const SampleRate = 8000

// BytesPerSample returns the encoded size of one sample.
func (c Codec) BytesPerSample() int {
	if c == SLIN {
		return 2
	}
	return 1
}

// PacketLen returns the frame size in bytes for an interval in milliseconds.
func (c Codec) PacketLen(intervalMs int) int {
	return intervalMs * (SampleRate / 1000) * c.BytesPerSample()
}

// SilenceByte is the byte value that encodes silence. SLIN silence is 0.
func (c Codec) SilenceByte() byte {
	switch c {
	case ULAW:
		return 0xFF
	case ALAW:
		return 0xD5
	default:
		return 0
	}
}

// Fill writes silence for codec c into p.
func Fill(p []byte, c Codec) {
	b := c.SilenceByte()
	for i := range p {
		p[i] = b
	}
}

// Decode converts encoded audio into linear samples appended to dst.
func Decode(dst []int16, src []byte, c Codec) ([]int16, error) {
	switch c {
	case ULAW:
		for _, b := range src {
			dst = append(dst, ulawToLinear[b])
		}
	case ALAW:
		for _, b := range src {
			dst = append(dst, alawToLinear[b])
		}
	case SLIN:
		for i := 0; i+1 < len(src); i += 2 {
			dst = append(dst, int16(binary.LittleEndian.Uint16(src[i:])))
		}
	default:
		return dst, fmt.Errorf("cannot decode %s", c)
	}
	return dst, nil
}

// Encode converts linear samples into codec c, appending to dst.
func Encode(dst []byte, samples []int16, c Codec) ([]byte, error) {
	switch c {
	case ULAW:
		for _, s := range samples {
			dst = append(dst, linearToUlaw[uint16(s)])
		}
	case ALAW:
		for _, s := range samples {
			dst = append(dst, linearToAlaw[uint16(s)])
		}
	case SLIN:
		for _, s := range samples {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
		}
	default:
		return dst, fmt.Errorf("cannot encode %s", c)
	}
	return dst, nil
}

// Transcode converts src from one codec to another, appending to dst.
func Transcode(dst, src []byte, from, to Codec) ([]byte, error) {
	if from == to {
		return append(dst, src...), nil
	}
	samples, err := Decode(make([]int16, 0, len(src)), src, from)
	if err != nil {
		return dst, err
	}
	return Encode(dst, samples, to)
}

// TranscodedLen returns how many bytes n bytes of from occupy in to.
func TranscodedLen(n int, from, to Codec) int {
	return n / from.BytesPerSample() * to.BytesPerSample()
}
