// Package fsk builds, modulates, demodulates and parses Bell 202 caller-ID
// frames in the single (SDMF) and multiple (MDMF) data message formats.
package fsk

import (
	"fmt"
	"strings"

	"github.com/flowpbx/openzap/internal/status"
)

// MessageType is the first byte of a caller-ID frame.
type MessageType byte

const (
	SDMF MessageType = 0x04
	MDMF MessageType = 0x80
)

func (t MessageType) String() string {
	switch t {
	case SDMF:
		return "SDMF"
	case MDMF:
		return "MDMF"
	default:
		return fmt.Sprintf("msg(0x%02x)", byte(t))
	}
}

// ParamType tags one field of an MDMF payload.
type ParamType byte

const (
	ParamDateTime  ParamType = 0x01
	ParamPhoneNum  ParamType = 0x02
	ParamDDN       ParamType = 0x03
	ParamNoNum     ParamType = 0x04
	ParamPhoneName ParamType = 0x07
	ParamNoName    ParamType = 0x08
	ParamAltRoute  ParamType = 0x09
)

func (p ParamType) String() string {
	switch p {
	case ParamDateTime:
		return "DATETIME"
	case ParamPhoneNum:
		return "PHONE_NUM"
	case ParamDDN:
		return "DDN"
	case ParamNoNum:
		return "NO_NUM"
	case ParamPhoneName:
		return "PHONE_NAME"
	case ParamNoName:
		return "NO_NAME"
	case ParamAltRoute:
		return "ALT_ROUTE"
	default:
		return fmt.Sprintf("param(0x%02x)", byte(p))
	}
}

const (
	// sdmfDateLen is the fixed MMDDHHMM field that opens an SDMF payload.
	sdmfDateLen = 8
	maxPayload  = 255
)

// Param is one decoded field.
type Param struct {
	Type  ParamType
	Value string
}

// Frame accumulates a caller-ID message. The zero value is not usable; start
// with NewFrame.
type Frame struct {
	typ     MessageType
	payload []byte
	sealed  []byte
}

// NewFrame starts an empty frame of the given message type.
func NewFrame(t MessageType) *Frame {
	return &Frame{typ: t}
}

// Type returns the frame's message type.
func (f *Frame) Type() MessageType { return f.typ }

// AddMDMF appends one typed parameter to an MDMF frame.
func (f *Frame) AddMDMF(p ParamType, value string) error {
	if f.typ != MDMF {
		return fmt.Errorf("add %s to %s frame: %w", p, f.typ, status.ErrFail)
	}
	if len(value) > maxPayload {
		return fmt.Errorf("%s too long (%d): %w", p, len(value), status.ErrMemory)
	}
	if len(f.payload)+2+len(value) > maxPayload {
		return fmt.Errorf("frame full: %w", status.ErrMemory)
	}
	f.payload = append(f.payload, byte(p), byte(len(value)))
	f.payload = append(f.payload, value...)
	f.sealed = nil
	return nil
}

// AddSDMF sets the date (MMDDHHMM, shorter values are space padded) and
// number of an SDMF frame. It replaces any previous SDMF payload.
func (f *Frame) AddSDMF(date, number string) error {
	if f.typ != SDMF {
		return fmt.Errorf("add SDMF fields to %s frame: %w", f.typ, status.ErrFail)
	}
	if len(date) > sdmfDateLen {
		return fmt.Errorf("sdmf date %q longer than %d", date, sdmfDateLen)
	}
	if sdmfDateLen+len(number) > maxPayload {
		return fmt.Errorf("sdmf number too long (%d): %w", len(number), status.ErrMemory)
	}
	f.payload = f.payload[:0]
	f.payload = append(f.payload, date...)
	for i := len(date); i < sdmfDateLen; i++ {
		f.payload = append(f.payload, ' ')
	}
	f.payload = append(f.payload, number...)
	f.sealed = nil
	return nil
}

// AddChecksum seals the frame and returns type, length, payload and the
// two's complement checksum byte. The returned slice is owned by the frame.
func (f *Frame) AddChecksum() []byte {
	if f.sealed != nil {
		return f.sealed
	}
	out := make([]byte, 0, len(f.payload)+3)
	out = append(out, byte(f.typ), byte(len(f.payload)))
	out = append(out, f.payload...)
	out = append(out, checksum(out))
	f.sealed = out
	return out
}

// checksum returns the byte that makes the sum of b and itself 0 mod 256.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return -sum
}

// Message is a parsed caller-ID frame.
type Message struct {
	Type   MessageType
	Params []Param
}

// Get returns the first value of parameter p.
func (m *Message) Get(p ParamType) (string, bool) {
	for _, prm := range m.Params {
		if prm.Type == p {
			return prm.Value, true
		}
	}
	return "", false
}

// Date returns the DATETIME field.
func (m *Message) Date() string {
	v, _ := m.Get(ParamDateTime)
	return v
}

// Number returns the calling number.
func (m *Message) Number() string {
	v, _ := m.Get(ParamPhoneNum)
	return v
}

// Name returns the calling name, empty for SDMF.
func (m *Message) Name() string {
	v, _ := m.Get(ParamPhoneName)
	return v
}

// Parse finds the first SDMF or MDMF frame in data, verifies its checksum and
// decodes its fields. Bytes before the message type (channel seizure
// residue) are skipped. A checksum mismatch returns status.ErrChecksum; the
// frame must then be discarded.
func Parse(data []byte) (*Message, error) {
	start := -1
	for i, b := range data {
		if MessageType(b) == SDMF || MessageType(b) == MDMF {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("no caller-id message found: %w", status.ErrFail)
	}
	data = data[start:]
	if len(data) < 2 {
		return nil, fmt.Errorf("truncated header: %w", status.ErrFail)
	}
	n := int(data[1])
	if len(data) < n+3 {
		return nil, fmt.Errorf("truncated frame (%d of %d bytes): %w", len(data), n+3, status.ErrFail)
	}
	frame := data[:n+3]
	var sum byte
	for _, b := range frame {
		sum += b
	}
	if sum != 0 {
		return nil, fmt.Errorf("caller-id frame: %w", status.ErrChecksum)
	}

	msg := &Message{Type: MessageType(frame[0])}
	payload := frame[2 : 2+n]
	switch msg.Type {
	case SDMF:
		if len(payload) < sdmfDateLen {
			return nil, fmt.Errorf("sdmf payload too short (%d): %w", len(payload), status.ErrFail)
		}
		msg.Params = []Param{
			{Type: ParamDateTime, Value: strings.TrimRight(string(payload[:sdmfDateLen]), " ")},
			{Type: ParamPhoneNum, Value: string(payload[sdmfDateLen:])},
		}
	case MDMF:
		for len(payload) > 0 {
			if len(payload) < 2 || len(payload) < 2+int(payload[1]) {
				return nil, fmt.Errorf("truncated mdmf parameter: %w", status.ErrFail)
			}
			l := int(payload[1])
			msg.Params = append(msg.Params, Param{Type: ParamType(payload[0]), Value: string(payload[2 : 2+l])})
			payload = payload[2+l:]
		}
	}
	return msg, nil
}
