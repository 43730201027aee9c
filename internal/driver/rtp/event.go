package rtp

import "fmt"

// telephoneEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type telephoneEvent struct {
	Code     uint8 // 0-9, 10 = *, 11 = #, 12-15 = A-D
	End      bool
	Volume   uint8 // -dBm0, 0-63
	Duration uint16
}

const telephoneEventSize = 4

func parseTelephoneEvent(p []byte) (telephoneEvent, error) {
	if len(p) < telephoneEventSize {
		return telephoneEvent{}, fmt.Errorf("telephone-event payload of %d bytes", len(p))
	}
	return telephoneEvent{
		Code:     p[0],
		End:      p[1]&0x80 != 0,
		Volume:   p[1] & 0x3f,
		Duration: uint16(p[2])<<8 | uint16(p[3]),
	}, nil
}

func (e telephoneEvent) marshal() []byte {
	b := e.Volume & 0x3f
	if e.End {
		b |= 0x80
	}
	return []byte{e.Code, b, byte(e.Duration >> 8), byte(e.Duration)}
}

// eventDigit maps an event code to its DTMF digit.
func eventDigit(code uint8) (rune, bool) {
	switch {
	case code <= 9:
		return rune('0' + code), true
	case code == 10:
		return '*', true
	case code == 11:
		return '#', true
	case code >= 12 && code <= 15:
		return rune('A' + code - 12), true
	}
	return 0, false
}

// digitEvent maps a DTMF digit to its event code.
func digitEvent(r rune) (uint8, bool) {
	switch {
	case r >= '0' && r <= '9':
		return uint8(r - '0'), true
	case r == '*':
		return 10, true
	case r == '#':
		return 11, true
	case r >= 'A' && r <= 'D':
		return uint8(r-'A') + 12, true
	case r >= 'a' && r <= 'd':
		return uint8(r-'a') + 12, true
	}
	return 0, false
}

// eventTracker turns a stream of telephone-event packets into digits. A
// digit is reported on its first end packet; the retransmitted end packets
// share the event timestamp and are dropped.
type eventTracker struct {
	seen    bool
	lastTS  uint32
	lastEvt uint8
}

func (t *eventTracker) feed(ts uint32, ev telephoneEvent) (rune, bool) {
	if !ev.End {
		return 0, false
	}
	if t.seen && ts == t.lastTS && ev.Code == t.lastEvt {
		return 0, false
	}
	t.seen, t.lastTS, t.lastEvt = true, ts, ev.Code
	return eventDigit(ev.Code)
}
