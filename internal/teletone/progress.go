package teletone

import "math"

// progressBlock is the analysis window for call-progress tones (25.6 ms).
const progressBlock = 205

// progressHits is how many consecutive blocks must match before a tone is
// reported.
const progressHits = 2

// ToneSpec names a set of frequencies that must all be present together.
type ToneSpec struct {
	ID    int
	Freqs []float64
}

type goertzel struct {
	coef   float64
	q1, q2 float64
}

func newGoertzel(freq float64, n int) goertzel {
	k := float64(n) * freq / SampleRate
	return goertzel{coef: 2.0 * math.Cos(2.0*math.Pi*k/float64(n))}
}

func (g *goertzel) feed(x float64) {
	q0 := x + g.q1*g.coef - g.q2
	g.q2 = g.q1
	g.q1 = q0
}

func (g *goertzel) power() float64 {
	p := g.q1*g.q1 + g.q2*g.q2 - g.q1*g.q2*g.coef
	g.q1, g.q2 = 0, 0
	return p
}

type trackedTone struct {
	spec    ToneSpec
	filters []goertzel
	hits    int
	active  bool
}

// MultiDetector watches for any of a set of multi-frequency tones (dial,
// ring-back, busy ...). Not safe for concurrent use.
type MultiDetector struct {
	tones  []*trackedTone
	energy float64
	n      int
}

// NewMultiDetector builds a detector for the given tone specs. Specs with no
// frequencies are ignored.
func NewMultiDetector(specs []ToneSpec) *MultiDetector {
	m := &MultiDetector{}
	for _, s := range specs {
		if len(s.Freqs) == 0 {
			continue
		}
		t := &trackedTone{spec: s}
		for _, f := range s.Freqs {
			t.filters = append(t.filters, newGoertzel(f, progressBlock))
		}
		m.tones = append(m.tones, t)
	}
	return m
}

// Process feeds samples and returns the IDs of tones that became present.
func (m *MultiDetector) Process(samples []int16) []int {
	var out []int
	for _, s := range samples {
		x := float64(s)
		m.energy += x * x
		for _, t := range m.tones {
			for i := range t.filters {
				t.filters[i].feed(x)
			}
		}
		m.n++
		if m.n < progressBlock {
			continue
		}
		out = append(out, m.endBlock()...)
	}
	return out
}

func (m *MultiDetector) endBlock() []int {
	var started []int
	energy := m.energy
	m.energy = 0
	m.n = 0

	for _, t := range m.tones {
		// A pure tone of amplitude A gives Goertzel power N^2 A^2 / 4 against
		// block energy N A^2 / 2, so power*2/N is that tone's share of energy.
		var sum float64
		present := energy > 0
		for i := range t.filters {
			share := t.filters[i].power() * 2 / progressBlock
			sum += share
			if share < 0.1*energy/float64(len(t.filters)) {
				present = false
			}
		}
		if present && sum < 0.6*energy {
			present = false
		}

		if !present {
			t.hits = 0
			t.active = false
			continue
		}
		t.hits++
		if t.hits >= progressHits && !t.active {
			t.active = true
			started = append(started, t.spec.ID)
		}
	}
	return started
}
