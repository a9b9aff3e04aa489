package sim

import (
	"math"
	"math/rand"
	"sort"
)

// crBin holds members whose rate lies in [2^(pow-1), 2^pow).
type crBin struct {
	pow     int32
	members []int
	sum     float64
}

// crSelector is the composition-rejection method: members are grouped into
// power-of-two bins, a bin is chosen in proportion to its sum, and a member
// inside it by rejection sampling against the bin's upper bound.
type crSelector struct {
	entries []*SchedData
	bins    map[int32]*crBin
	pows    []int32 // sorted descending
	rng     *rand.Rand
}

func newCRSelector(entries []*SchedData, rng *rand.Rand) *crSelector {
	return &crSelector{entries: entries, bins: make(map[int32]*crBin), rng: rng}
}

func (c *crSelector) Method() Method { return MethodCompositionRejection }

func binPow(rate float64) int32 {
	_, exp := math.Frexp(rate)
	return int32(exp)
}

func (c *crSelector) bin(pow int32) *crBin {
	b, ok := c.bins[pow]
	if !ok {
		b = &crBin{pow: pow}
		c.bins[pow] = b
		i := sort.Search(len(c.pows), func(i int) bool { return c.pows[i] <= pow })
		c.pows = append(c.pows, 0)
		copy(c.pows[i+1:], c.pows[i:])
		c.pows[i] = pow
	}
	return b
}

func (c *crSelector) insert(i int) {
	e := c.entries[i]
	e.Pow = binPow(e.Rate)
	b := c.bin(e.Pow)
	e.Pos = uint32(len(b.members))
	e.Recorded = true
	b.members = append(b.members, i)
	b.sum += e.Rate
}

func (c *crSelector) remove(i int) {
	e := c.entries[i]
	b := c.bins[e.Pow]
	last := b.members[len(b.members)-1]
	b.members[e.Pos] = last
	c.entries[last].Pos = e.Pos
	b.members = b.members[:len(b.members)-1]
	b.sum -= e.Rate
	if len(b.members) == 0 {
		b.sum = 0
	}
	e.Recorded = false
	e.Pos = 0
	e.Pow = 0
}

func (c *crSelector) clear() {
	c.bins = make(map[int32]*crBin)
	c.pows = c.pows[:0]
}

func (c *crSelector) Rebuild(now float64) {
	c.clear()
	for i, e := range c.entries {
		checkRate(e.Rate, i)
		e.Recorded = false
		e.Pos = 0
		e.Pow = 0
		e.Next = 0
		if e.Rate > 0 {
			c.insert(i)
		}
	}
}

// Restore re-creates every bin with members at their stored positions.
func (c *crSelector) Restore() {
	c.clear()
	for i, e := range c.entries {
		if !e.Recorded {
			continue
		}
		b := c.bin(e.Pow)
		for int(e.Pos) >= len(b.members) {
			b.members = append(b.members, -1)
		}
		b.members[e.Pos] = i
	}
	for _, pow := range c.pows {
		b := c.bins[pow]
		for _, i := range b.members {
			b.sum += c.entries[i].Rate
		}
	}
}

func (c *crSelector) Update(now float64, i int, rate float64) {
	checkRate(rate, i)
	e := c.entries[i]
	if e.Recorded {
		if rate > 0 && binPow(rate) == e.Pow {
			b := c.bins[e.Pow]
			b.sum += rate - e.Rate
			e.Rate = rate
			return
		}
		c.remove(i)
	}
	e.Rate = rate
	if rate > 0 {
		c.insert(i)
	}
}

func (c *crSelector) Fired(now float64, i int, rate float64) { c.Update(now, i, rate) }

func (c *crSelector) Total() float64 {
	var a0 float64
	for _, pow := range c.pows {
		a0 += c.bins[pow].sum
	}
	return a0
}

func (c *crSelector) Select(now float64) (int, float64, bool) {
	a0 := c.Total()
	if a0 <= 0 {
		return -1, 0, false
	}
	dt := c.rng.ExpFloat64() / a0

	target := uniform(c.rng) * a0
	var b *crBin
	var cum float64
	for _, pow := range c.pows {
		bin := c.bins[pow]
		if len(bin.members) == 0 {
			continue
		}
		b = bin
		cum += bin.sum
		if target < cum {
			break
		}
	}
	bound := math.Ldexp(1, int(b.pow))
	n := float64(len(b.members))
	for {
		j := b.members[int(uniform(c.rng)*n)]
		if uniform(c.rng)*bound < c.entries[j].Rate {
			return j, now + dt, true
		}
	}
}
