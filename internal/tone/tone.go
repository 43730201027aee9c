// Package tone describes the call-progress tone maps a span loads from its
// configuration store.
package tone

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies one call-progress tone in a map.
type Kind int

const (
	Dial Kind = iota
	Ring
	Busy
	Fail1
	Fail2
	Fail3
	Attn
	CallWaitingCAS
	CallWaitingSAS
	CallWaitingACK
	numKinds
)

// NumKinds is the number of tone kinds a map can hold.
const NumKinds = int(numKinds)

// MaxFreqs bounds the frequencies in one detect template.
const MaxFreqs = 6

var kindNames = [...]string{
	Dial:           "dial",
	Ring:           "ring",
	Busy:           "busy",
	Fail1:          "fail1",
	Fail2:          "fail2",
	Fail3:          "fail3",
	Attn:           "attn",
	CallWaitingCAS: "callwaiting-cas",
	CallWaitingSAS: "callwaiting-sas",
	CallWaitingACK: "callwaiting-ack",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("tone(%d)", int(k))
}

// ParseKind maps a tone name such as "dial" or "callwaiting-cas" to its Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tone kind %q", name)
}

// ErrUnknownMap is returned by a Source for a map name it does not hold.
var ErrUnknownMap = errors.New("unknown tonemap")

// Entry is one raw configuration line of a tone map, e.g.
// Key "detect-dial" Value "350,440".
type Entry struct {
	Key   string
	Value string
}

// Source looks up the entries of a named tone map.
type Source interface {
	ToneMap(ctx context.Context, name string) ([]Entry, error)
}

// Map is a parsed tone map: frequency templates for detection and teletone
// generation scripts, both indexed by Kind.
type Map struct {
	Name     string
	Detect   [NumKinds][]float64
	Generate [NumKinds]string
}

// DetectFreqs returns the detection template for k, nil if unset.
func (m *Map) DetectFreqs(k Kind) []float64 {
	if k < 0 || int(k) >= NumKinds {
		return nil
	}
	return m.Detect[k]
}

// Parse builds a Map from raw entries. Entries whose key is neither
// "detect-<kind>" nor "generate-<kind>" are returned in skipped so the caller
// can report them; malformed frequency lists are errors.
func Parse(name string, entries []Entry) (*Map, []string, error) {
	m := &Map{Name: name}
	var skipped []string

	for _, e := range entries {
		prefix, kindName, ok := strings.Cut(strings.ToLower(strings.TrimSpace(e.Key)), "-")
		if !ok {
			skipped = append(skipped, e.Key)
			continue
		}
		kind, err := ParseKind(kindName)
		if err != nil {
			skipped = append(skipped, e.Key)
			continue
		}

		switch prefix {
		case "detect":
			freqs, err := ParseFreqs(e.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("tonemap %s %s: %w", name, e.Key, err)
			}
			m.Detect[kind] = freqs
		case "generate":
			m.Generate[kind] = strings.TrimSpace(e.Value)
		default:
			skipped = append(skipped, e.Key)
		}
	}
	return m, skipped, nil
}

// ParseFreqs parses a comma separated frequency list such as "350,440".
func ParseFreqs(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("bad frequency %q: %w", part, err)
		}
		if f <= 0 || f >= 4000 {
			return nil, fmt.Errorf("frequency %v out of range", f)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, errors.New("empty frequency list")
	}
	if len(out) > MaxFreqs {
		return nil, fmt.Errorf("too many frequencies (%d > %d)", len(out), MaxFreqs)
	}
	return out, nil
}
