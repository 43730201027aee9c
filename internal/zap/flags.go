package zap

import "strings"

// flagSet is the constraint shared by every bitmask register in the core.
type flagSet interface {
	~uint32
}

// Test reports whether any bit of f is set in v.
func Test[F flagSet](v, f F) bool {
	return v&f != 0
}

// Set sets the bits of f in *v.
func Set[F flagSet](v *F, f F) {
	*v |= f
}

// Clear clears the bits of f in *v.
func Clear[F flagSet](v *F, f F) {
	*v &^= f
}

// Copy replaces the masked bits of *dst with those of src, leaving the other
// bits of *dst alone.
func Copy[F flagSet](dst *F, src, mask F) {
	*dst = (*dst &^ mask) | (src & mask)
}

func flagNames[F flagSet](v F, names []string) []string {
	var out []string
	for i, n := range names {
		if v&(1<<i) != 0 {
			out = append(out, n)
		}
	}
	return out
}

func flagString[F flagSet](v F, names []string) string {
	if v == 0 {
		return "NONE"
	}
	return strings.Join(flagNames(v, names), "|")
}

// ChannelFlag holds channel readiness and behaviour bits.
type ChannelFlag uint32

const (
	ChannelConfigured ChannelFlag = 1 << iota
	ChannelReady
	ChannelOpen
	ChannelDTMFDetect
	ChannelSupressDTMF
	ChannelTranscode
	ChannelBuffer
	ChannelEvent
	ChannelInThread
	ChannelWink
	ChannelFlash
	ChannelStateChange
	ChannelHold
	ChannelInUse
	ChannelOffhook
	ChannelRinging
	ChannelProgressDetect
	ChannelCallerIDDetect
	ChannelOutbound
	ChannelSuspended
	Channel3Way
	ChannelProgress
	ChannelMedia
	ChannelAnswered
	ChannelMute
)

var channelFlagNames = []string{
	"CONFIGURED", "READY", "OPEN", "DTMF_DETECT", "SUPRESS_DTMF", "TRANSCODE",
	"BUFFER", "EVENT", "INTHREAD", "WINK", "FLASH", "STATE_CHANGE", "HOLD",
	"INUSE", "OFFHOOK", "RINGING", "PROGRESS_DETECT", "CALLERID_DETECT",
	"OUTBOUND", "SUSPENDED", "3WAY", "PROGRESS", "MEDIA", "ANSWERED", "MUTE",
}

func (f ChannelFlag) String() string  { return flagString(f, channelFlagNames) }
func (f ChannelFlag) Names() []string { return flagNames(f, channelFlagNames) }

// Feature is a hardware capability a driver declares for a channel. Where a
// feature is missing the core emulates it in software.
type Feature uint32

const (
	FeatureDTMFDetect Feature = 1 << iota
	FeatureDTMFGenerate
	FeatureCodecs
	FeatureInterval
	FeatureCallerID
	FeatureProgress
)

var featureNames = []string{"DTMF_DETECT", "DTMF_GENERATE", "CODECS", "INTERVAL", "CALLERID", "PROGRESS"}

func (f Feature) String() string  { return flagString(f, featureNames) }
func (f Feature) Names() []string { return flagNames(f, featureNames) }

// Alarm is a hardware alarm bit reported by GetAlarms.
type Alarm uint32

const (
	AlarmNone    Alarm = 0
	AlarmRecover Alarm = 1 << (iota - 1)
	AlarmLoopback
	AlarmYellow
	AlarmRed
	AlarmBlue
	AlarmNotOpen
	AlarmAIS
	AlarmRAI
	AlarmGeneral
)

var alarmNames = []string{"RECOVER", "LOOPBACK", "YELLOW", "RED", "BLUE", "NOTOPEN", "AIS", "RAI", "GENERAL"}

func (a Alarm) String() string  { return flagString(a, alarmNames) }
func (a Alarm) Names() []string { return flagNames(a, alarmNames) }

// SpanFlag holds span lifecycle bits.
type SpanFlag uint32

const (
	SpanConfigured SpanFlag = 1 << iota
	SpanReady
	SpanStateChange
	SpanSuspended
	SpanInThread
	SpanStopThread
)

var spanFlagNames = []string{"CONFIGURED", "READY", "STATE_CHANGE", "SUSPENDED", "IN_THREAD", "STOP_THREAD"}

func (f SpanFlag) String() string  { return flagString(f, spanFlagNames) }
func (f SpanFlag) Names() []string { return flagNames(f, spanFlagNames) }
