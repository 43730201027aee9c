// Package teletone generates and detects in-band telephony tones on 8 kHz
// linear audio: DTMF digits and call-progress tones.
package teletone

import (
	"math"
	"strings"
	"time"
)

// Default DTMF timing, matching common CO equipment.
const (
	DefaultOnPeriod  = 250 * time.Millisecond
	DefaultOffPeriod = 50 * time.Millisecond

	// DefaultLevel is the per-tone amplitude as a fraction of full scale.
	DefaultLevel = 0.25
)

// SampleRate is the audio clock all generators and detectors run at.
const SampleRate = 8000

var (
	rowFreqs = [4]float64{697, 770, 852, 941}
	colFreqs = [4]float64{1209, 1336, 1477, 1633}

	keypad = [4][4]rune{
		{'1', '2', '3', 'A'},
		{'4', '5', '6', 'B'},
		{'7', '8', '9', 'C'},
		{'*', '0', '#', 'D'},
	}
)

// IsDTMF reports whether r is a valid DTMF digit.
func IsDTMF(r rune) bool {
	_, _, ok := digitFreqs(r)
	return ok
}

// ValidDigits returns s with every non-DTMF character removed. Lower-case
// a-d are folded to upper case.
func ValidDigits(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if IsDTMF(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func digitFreqs(r rune) (row, col float64, ok bool) {
	if r >= 'a' && r <= 'd' {
		r -= 'a' - 'A'
	}
	for i := range keypad {
		for j := range keypad[i] {
			if keypad[i][j] == r {
				return rowFreqs[i], colFreqs[j], true
			}
		}
	}
	return 0, 0, false
}

// Generator renders digit strings into linear audio.
type Generator struct {
	OnPeriod  time.Duration
	OffPeriod time.Duration
	Level     float64 // per-tone amplitude, 0.0-1.0 of full scale
}

// NewGenerator returns a generator with the default timing and level.
func NewGenerator() *Generator {
	return &Generator{
		OnPeriod:  DefaultOnPeriod,
		OffPeriod: DefaultOffPeriod,
		Level:     DefaultLevel,
	}
}

// Render appends the samples for every valid digit in digits to dst. Each
// digit is OnPeriod of dual tone followed by OffPeriod of silence; invalid
// characters are skipped.
func (g *Generator) Render(dst []int16, digits string) []int16 {
	on := int(g.OnPeriod.Seconds() * SampleRate)
	off := int(g.OffPeriod.Seconds() * SampleRate)
	peak := g.Level * 32767.0

	for _, r := range digits {
		row, col, ok := digitFreqs(r)
		if !ok {
			continue
		}
		for i := 0; i < on; i++ {
			t := float64(i) / SampleRate
			v := peak * (math.Sin(2*math.Pi*row*t) + math.Sin(2*math.Pi*col*t))
			dst = append(dst, clamp16(v))
		}
		for i := 0; i < off; i++ {
			dst = append(dst, 0)
		}
	}
	return dst
}

// Tone renders a single or multi-frequency tone for the given duration.
func Tone(dst []int16, freqs []float64, level float64, d time.Duration) []int16 {
	n := int(d.Seconds() * SampleRate)
	peak := level * 32767.0
	for i := 0; i < n; i++ {
		t := float64(i) / SampleRate
		var v float64
		for _, f := range freqs {
			v += math.Sin(2 * math.Pi * f * t)
		}
		dst = append(dst, clamp16(peak*v))
	}
	return dst
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// dtmfBlock is the Goertzel block length; 205 samples at 8 kHz gives bins
// narrow enough to separate adjacent DTMF rows and columns.
const dtmfBlock = 205

// dtmfThreshold is how much stronger the winning tone in a group must be
// than the sum of the rest of its group.
const dtmfThreshold = 1.74

// dtmfMinMagnitude rejects blocks too quiet to carry a digit.
const dtmfMinMagnitude = dtmfBlock * 200.0

// Detector is a Goertzel DTMF decoder. A digit is reported once, when the
// same decision is seen on two consecutive blocks. Not safe for concurrent
// use; each channel owns one.
type Detector struct {
	coef [8]float64
	q1   [8]float64
	q2   [8]float64
	n    int

	prev      rune
	debounced rune
}

// NewDetector creates a detector for 8 kHz audio.
func NewDetector() *Detector {
	d := &Detector{prev: ' ', debounced: ' '}
	freqs := append(rowFreqs[:], colFreqs[:]...)
	for i, f := range freqs {
		k := float64(dtmfBlock) * f / SampleRate
		d.coef[i] = 2.0 * math.Cos(2.0*math.Pi*k/float64(dtmfBlock))
	}
	return d
}

// Reset clears all accumulated state.
func (d *Detector) Reset() {
	d.q1 = [8]float64{}
	d.q2 = [8]float64{}
	d.n = 0
	d.prev = ' '
	d.debounced = ' '
}

// Process feeds samples and returns any digits that started in them.
func (d *Detector) Process(samples []int16) []rune {
	var out []rune
	for _, s := range samples {
		x := float64(s)
		for i := range d.coef {
			q0 := x + d.q1[i]*d.coef[i] - d.q2[i]
			d.q2[i] = d.q1[i]
			d.q1[i] = q0
		}
		d.n++
		if d.n < dtmfBlock {
			continue
		}
		if r, ok := d.endBlock(); ok {
			out = append(out, r)
		}
	}
	return out
}

func (d *Detector) endBlock() (rune, bool) {
	var mag [8]float64
	for i := range mag {
		mag[i] = math.Sqrt(d.q1[i]*d.q1[i] + d.q2[i]*d.q2[i] - d.q1[i]*d.q2[i]*d.coef[i])
		d.q1[i] = 0
		d.q2[i] = 0
	}
	d.n = 0

	row := strongest(mag[0:4])
	col := strongest(mag[4:8])

	decoded := ' '
	if row >= 0 && col >= 0 {
		decoded = keypad[row][col]
	}

	prevDebounced := d.debounced
	if decoded == d.prev {
		d.debounced = decoded
	}
	d.prev = decoded

	if d.debounced != prevDebounced && d.debounced != ' ' {
		return d.debounced, true
	}
	return 0, false
}

// strongest returns the index of the tone that dominates its group, or -1.
func strongest(group []float64) int {
	for i, m := range group {
		if m < dtmfMinMagnitude {
			continue
		}
		var rest float64
		for j, o := range group {
			if j != i {
				rest += o
			}
		}
		if m > dtmfThreshold*rest {
			return i
		}
	}
	return -1
}
