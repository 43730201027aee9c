package zap

import (
	"fmt"
	"strconv"
	"strings"
)

// ChanRange is one element of a channel spec: physical channels First to
// Last, inclusive, of Type.
type ChanRange struct {
	First int
	Last  int
	Type  ChanType
}

// Count returns the number of channels in the range.
func (r ChanRange) Count() int { return r.Last - r.First + 1 }

// ParseChanSpec parses a driver channel spec such as "1-23,24:dq921".
// Ranges without a ":type" suffix get def.
func ParseChanSpec(spec string, def ChanType) ([]ChanRange, error) {
	var out []ChanRange
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r := ChanRange{Type: def}
		if rng, typ, ok := strings.Cut(part, ":"); ok {
			t, err := ParseChanType(typ)
			if err != nil {
				return nil, fmt.Errorf("channel spec %q: %w", spec, err)
			}
			r.Type = t
			part = rng
		}

		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("channel spec %q: bad channel %q", spec, lo)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("channel spec %q: bad channel %q", spec, hi)
			}
		}
		if first < 1 || last < first {
			return nil, fmt.Errorf("channel spec %q: bad range %d-%d", spec, first, last)
		}
		r.First, r.Last = first, last
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty channel spec")
	}
	return out, nil
}
