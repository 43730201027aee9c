package fsk

import "math"

// Bell 202 parameters.
const (
	SampleRate = 8000
	Baud       = 1200
	MarkFreq   = 1200.0
	SpaceFreq  = 2200.0
)

// Default bit counts of the four transmission phases.
const (
	DefaultSeizureBits = 300
	DefaultCarrierBits = 180
	DefaultStopBits    = 5
)

// Modulator renders bits as phase continuous Bell 202 audio.
type Modulator struct {
	SeizureBits int
	CarrierBits int
	StopBits    int
	Level       float64 // 0.0-1.0 of full scale

	phase  float64
	frac   float64 // fractional sample carried between bits
	sample []int16
}

// NewModulator returns a modulator with the default phase lengths.
func NewModulator() *Modulator {
	return &Modulator{
		SeizureBits: DefaultSeizureBits,
		CarrierBits: DefaultCarrierBits,
		StopBits:    DefaultStopBits,
		Level:       0.5,
	}
}

// SendAll appends the complete transmission of frame to dst: channel seizure,
// mark carrier, the framed data bytes and trailing mark bits, in that order.
func (m *Modulator) SendAll(dst []int16, frame []byte) []int16 {
	m.sample = dst
	m.SendSeizure()
	m.SendCarrier(m.CarrierBits)
	m.SendData(frame)
	m.SendCarrier(m.StopBits)
	out := m.sample
	m.sample = nil
	return out
}

// SendSeizure emits alternating space and mark bits, starting with space.
func (m *Modulator) SendSeizure() {
	for i := 0; i < m.SeizureBits; i++ {
		m.sendBit(i%2 == 1)
	}
}

// SendCarrier emits n mark bits.
func (m *Modulator) SendCarrier(n int) {
	for i := 0; i < n; i++ {
		m.sendBit(true)
	}
}

// SendData emits each byte as a start bit, eight data bits LSB first and a
// stop bit.
func (m *Modulator) SendData(data []byte) {
	for _, b := range data {
		m.sendBit(false)
		for i := 0; i < 8; i++ {
			m.sendBit(b&(1<<i) != 0)
		}
		m.sendBit(true)
	}
}

// Samples returns what the piecewise Send calls have produced so far and
// resets the output.
func (m *Modulator) Samples() []int16 {
	out := m.sample
	m.sample = nil
	return out
}

func (m *Modulator) sendBit(mark bool) {
	freq := SpaceFreq
	if mark {
		freq = MarkFreq
	}
	step := 2 * math.Pi * freq / SampleRate
	peak := m.Level * 32767.0

	m.frac += float64(SampleRate) / Baud
	n := int(m.frac)
	m.frac -= float64(n)
	for i := 0; i < n; i++ {
		m.sample = append(m.sample, int16(peak*math.Sin(m.phase)))
		m.phase += step
		if m.phase > 2*math.Pi {
			m.phase -= 2 * math.Pi
		}
	}
}
