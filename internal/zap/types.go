package zap

import (
	"fmt"
	"strings"
)

// ChanType is the kind of circuit a channel carries.
type ChanType int

const (
	ChanTypeB ChanType = iota
	ChanTypeDQ921
	ChanTypeDQ931
	ChanTypeFXS
	ChanTypeFXO
	ChanTypeEM
	ChanTypeCAS
)

var chanTypeNames = [...]string{"B", "DQ921", "DQ931", "FXS", "FXO", "EM", "CAS"}

func (t ChanType) String() string {
	if t >= 0 && int(t) < len(chanTypeNames) {
		return chanTypeNames[t]
	}
	return fmt.Sprintf("CHANTYPE(%d)", int(t))
}

// Voice reports whether channels of this type carry audio and can be hunted
// for a call.
func (t ChanType) Voice() bool {
	switch t {
	case ChanTypeB, ChanTypeFXS, ChanTypeFXO, ChanTypeEM, ChanTypeCAS:
		return true
	}
	return false
}

// ParseChanType maps "b", "dq921", "fxs" ... to a ChanType.
func ParseChanType(s string) (ChanType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range chanTypeNames {
		if n == s {
			return ChanType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel type %q", s)
}

// TrunkType is the physical line type of a span.
type TrunkType int

const (
	TrunkE1 TrunkType = iota
	TrunkT1
	TrunkJ1
	TrunkBRI
	TrunkBRIPTMP
	TrunkFXO
	TrunkFXS
	TrunkEM
	TrunkNone
)

var trunkTypeNames = [...]string{"E1", "T1", "J1", "BRI", "BRI_PTMP", "FXO", "FXS", "EM", "NONE"}

func (t TrunkType) String() string {
	if t >= 0 && int(t) < len(trunkTypeNames) {
		return trunkTypeNames[t]
	}
	return fmt.Sprintf("TRUNK(%d)", int(t))
}

// ParseTrunkType maps a trunk name to its TrunkType.
func ParseTrunkType(s string) (TrunkType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range trunkTypeNames {
		if n == s {
			return TrunkType(i), nil
		}
	}
	return TrunkNone, fmt.Errorf("unknown trunk type %q", s)
}

// SignalType is the signaling family configured on a span.
type SignalType int

const (
	SignalNone SignalType = iota
	SignalISDN
	SignalRBS
	SignalAnalog
	SignalSangomaBoost
	SignalM3UA
	SignalR2
)

var signalTypeNames = [...]string{"NONE", "ISDN", "RBS", "ANALOG", "SANGOMABOOST", "M3UA", "R2"}

func (t SignalType) String() string {
	if t >= 0 && int(t) < len(signalTypeNames) {
		return signalTypeNames[t]
	}
	return fmt.Sprintf("SIGNAL(%d)", int(t))
}

// ParseSignalType maps a signaling name to its SignalType.
func ParseSignalType(s string) (SignalType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range signalTypeNames {
		if n == s {
			return SignalType(i), nil
		}
	}
	return SignalNone, fmt.Errorf("unknown signaling type %q", s)
}

// HuntDirection is the order OpenAny searches a span in.
type HuntDirection int

const (
	HuntTopDown HuntDirection = iota
	HuntBottomUp
)

// CallerData is the caller and called party information bound to a channel.
type CallerData struct {
	CIDDate string `json:"cid_date,omitempty"`
	CIDName string `json:"cid_name,omitempty"`
	CIDNum  string `json:"cid_num,omitempty"`
	ANI     string `json:"ani,omitempty"`
	DNIS    string `json:"dnis,omitempty"`
	RDNIS   string `json:"rdnis,omitempty"`
	Screen  int    `json:"screen,omitempty"`
	Pres    int    `json:"pres,omitempty"`
}
