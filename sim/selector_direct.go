package sim

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// directSelector is Gillespie's direct method: the total propensity is summed
// afresh on every selection and the firing member found by linear search.
type directSelector struct {
	entries []*SchedData
	rates   []float64
	rng     *rand.Rand
}

func newDirectSelector(entries []*SchedData, rng *rand.Rand) *directSelector {
	return &directSelector{entries: entries, rates: make([]float64, len(entries)), rng: rng}
}

func (d *directSelector) Method() Method { return MethodDirect }

func (d *directSelector) Rebuild(now float64) {
	for i, e := range d.entries {
		checkRate(e.Rate, i)
		d.set(i, e.Rate)
	}
}

func (d *directSelector) Restore() {
	for i, e := range d.entries {
		d.rates[i] = e.Rate
	}
}

func (d *directSelector) set(i int, rate float64) {
	e := d.entries[i]
	e.Rate = rate
	e.Recorded = rate > 0
	e.Pos = uint32(i)
	e.Pow = 0
	e.Next = 0
	d.rates[i] = rate
}

func (d *directSelector) Update(now float64, i int, rate float64) {
	checkRate(rate, i)
	d.set(i, rate)
}

func (d *directSelector) Fired(now float64, i int, rate float64) { d.Update(now, i, rate) }

func (d *directSelector) Total() float64 { return floats.Sum(d.rates) }

func (d *directSelector) Select(now float64) (int, float64, bool) {
	a0 := d.Total()
	if a0 <= 0 {
		return -1, 0, false
	}
	dt := d.rng.ExpFloat64() / a0
	target := uniform(d.rng) * a0
	last := -1
	var cum float64
	for i, r := range d.rates {
		if r == 0 {
			continue
		}
		last = i
		cum += r
		if target < cum {
			return i, now + dt, true
		}
	}
	// rounding between the summed total and the running sum
	return last, now + dt, true
}
