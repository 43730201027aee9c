package zap

import "fmt"

// EventType is the family of a span event.
type EventType int

const (
	EventDTMF EventType = iota
	EventOOB
)

func (t EventType) String() string {
	switch t {
	case EventDTMF:
		return "DTMF"
	case EventOOB:
		return "OOB"
	default:
		return fmt.Sprintf("EVENT(%d)", int(t))
	}
}

// OOBEvent identifies an out-of-band line event.
type OOBEvent int

const (
	OOBOnhook OOBEvent = iota
	OOBOffhook
	OOBWink
	OOBFlash
	OOBRingStart
	OOBRingStop
	OOBAlarmTrap
	OOBAlarmClear
	OOBNoop
	OOBCASBitsChange
)

var oobNames = [...]string{
	"ONHOOK", "OFFHOOK", "WINK", "FLASH", "RING_START", "RING_STOP",
	"ALARM_TRAP", "ALARM_CLEAR", "NOOP", "CAS_BITS_CHANGE",
}

func (e OOBEvent) String() string {
	if e >= 0 && int(e) < len(oobNames) {
		return oobNames[e]
	}
	return fmt.Sprintf("OOB(%d)", int(e))
}

// Event is produced by a span's driver and consumed once. For EventDTMF the
// Data field holds the digit string; for EventOOB, EnumID is an OOBEvent.
type Event struct {
	Type    EventType
	EnumID  OOBEvent
	Channel *Channel
	Data    any
}

// EventCallback receives span and channel events.
type EventCallback func(ev *Event) error

// SignalEvent identifies a message from a signaling module.
type SignalEvent int

const (
	SigStart SignalEvent = iota
	SigStop
	SigUp
	SigFlash
	SigProgress
	SigProgressMedia
	SigCollectedDigit
	SigAlarmTrap
	SigAlarmClear
	SigRestart
)

var sigNames = [...]string{
	"START", "STOP", "UP", "FLASH", "PROGRESS", "PROGRESS_MEDIA",
	"COLLECTED_DIGIT", "ALARM_TRAP", "ALARM_CLEAR", "RESTART",
}

func (e SignalEvent) String() string {
	if e >= 0 && int(e) < len(sigNames) {
		return sigNames[e]
	}
	return fmt.Sprintf("SIGEVENT(%d)", int(e))
}

// SigMsg carries a signaling message between a signaling module and the
// application.
type SigMsg struct {
	EventID SignalEvent
	SpanID  int
	ChanID  int
	Channel *Channel
	Raw     []byte
}

// SignalCallback receives SigMsgs sent through Span.SendSignal.
type SignalCallback func(msg *SigMsg) error
