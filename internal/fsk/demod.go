package fsk

import "math"

// window is the correlator length in samples, about one bit period.
const window = 7

type uartState int

const (
	hunting uartState = iota
	receiving
)

// Demodulator recovers bytes from Bell 202 audio. It correlates a sliding
// window against mark and space, hunts for the mark to space edge of a start
// bit and samples each following bit once per bit period.
type Demodulator struct {
	buf [window]float64
	pos int
	n   int64 // samples seen

	markCos, markSin   [window]float64
	spaceCos, spaceSin [window]float64

	prev  bool // previous per-sample decision, true for mark
	state uartState
	next  float64 // sample index of the next bit decision
	bit   int     // 0 start, 1..8 data, 9 stop
	cur   byte

	out []byte
}

// NewDemodulator returns a demodulator in the hunting state.
func NewDemodulator() *Demodulator {
	return &Demodulator{}
}

// Reset drops any partial byte and output.
func (d *Demodulator) Reset() {
	*d = Demodulator{}
}

// Feed processes samples and returns every byte completed by them.
func (d *Demodulator) Feed(samples []int16) []byte {
	spb := float64(SampleRate) / Baud
	d.out = d.out[:0]

	for _, s := range samples {
		mark := d.push(float64(s))

		switch d.state {
		case hunting:
			if d.prev && !mark && d.n >= window {
				d.state = receiving
				d.bit = 0
				d.cur = 0
				d.next = float64(d.n) + 0.5*spb
			}
		case receiving:
			if float64(d.n) >= d.next {
				d.sampleBit(mark)
				d.next += spb
			}
		}
		d.prev = mark
	}
	return d.out
}

func (d *Demodulator) sampleBit(mark bool) {
	switch {
	case d.bit == 0:
		if mark {
			d.state = hunting
			return
		}
	case d.bit <= 8:
		if mark {
			d.cur |= 1 << (d.bit - 1)
		}
	default:
		if mark {
			d.out = append(d.out, d.cur)
		}
		d.state = hunting
		return
	}
	d.bit++
}

// push adds a sample and returns whether the window is dominated by mark.
func (d *Demodulator) push(x float64) bool {
	// The correlators are anchored to absolute sample time so that a slot's
	// reference values can be computed once per sample.
	t := float64(d.n) / SampleRate
	d.buf[d.pos] = x
	d.markCos[d.pos] = math.Cos(2 * math.Pi * MarkFreq * t)
	d.markSin[d.pos] = math.Sin(2 * math.Pi * MarkFreq * t)
	d.spaceCos[d.pos] = math.Cos(2 * math.Pi * SpaceFreq * t)
	d.spaceSin[d.pos] = math.Sin(2 * math.Pi * SpaceFreq * t)
	d.pos = (d.pos + 1) % window
	d.n++

	var mi, mq, si, sq float64
	for i := 0; i < window; i++ {
		mi += d.buf[i] * d.markCos[i]
		mq += d.buf[i] * d.markSin[i]
		si += d.buf[i] * d.spaceCos[i]
		sq += d.buf[i] * d.spaceSin[i]
	}
	return mi*mi+mq*mq >= si*si+sq*sq
}
