package sim

import (
	"container/heap"
	"math"
	"math/rand"
)

// gibsonBruckSelector is the next-reaction method: an indexed priority queue
// of absolute putative firing times. Only members whose rate changed are
// rescheduled; a member that did not fire reuses its old waiting time rescaled
// by old/new rate.
type gibsonBruckSelector struct {
	entries []*SchedData
	heap    []int // member indices; entries[heap[p]].Pos == p
	rng     *rand.Rand
}

func newGibsonBruckSelector(entries []*SchedData, rng *rand.Rand) *gibsonBruckSelector {
	return &gibsonBruckSelector{entries: entries, heap: make([]int, 0, len(entries)), rng: rng}
}

// Len implements heap.Interface
func (g *gibsonBruckSelector) Len() int { return len(g.heap) }

// Less implements heap.Interface, ordering by time then member index.
func (g *gibsonBruckSelector) Less(a, b int) bool {
	ea, eb := g.entries[g.heap[a]], g.entries[g.heap[b]]
	if ea.Next != eb.Next {
		return ea.Next < eb.Next
	}
	return g.heap[a] < g.heap[b]
}

// Swap implements heap.Interface
func (g *gibsonBruckSelector) Swap(a, b int) {
	g.heap[a], g.heap[b] = g.heap[b], g.heap[a]
	g.entries[g.heap[a]].Pos = uint32(a)
	g.entries[g.heap[b]].Pos = uint32(b)
}

// Push implements heap.Interface
func (g *gibsonBruckSelector) Push(x interface{}) {
	i := x.(int)
	g.entries[i].Pos = uint32(len(g.heap))
	g.heap = append(g.heap, i)
}

// Pop implements heap.Interface
func (g *gibsonBruckSelector) Pop() interface{} {
	old := g.heap
	n := len(old)
	i := old[n-1]
	g.heap = old[:n-1]
	return i
}

func (g *gibsonBruckSelector) Method() Method { return MethodGibsonBruck }

func (g *gibsonBruckSelector) draw(now, rate float64) float64 {
	if rate <= 0 {
		return math.Inf(1)
	}
	return now + g.rng.ExpFloat64()/rate
}

func (g *gibsonBruckSelector) Rebuild(now float64) {
	g.heap = g.heap[:0]
	for i, e := range g.entries {
		checkRate(e.Rate, i)
		e.Next = g.draw(now, e.Rate)
		e.Recorded = true
		e.Pow = 0
		e.Pos = uint32(i)
		g.heap = append(g.heap, i)
	}
	heap.Init(g)
}

// Restore places every member back at its stored heap position.
func (g *gibsonBruckSelector) Restore() {
	g.heap = g.heap[:len(g.entries)]
	for i, e := range g.entries {
		g.heap[e.Pos] = i
	}
}

func (g *gibsonBruckSelector) Update(now float64, i int, rate float64) {
	checkRate(rate, i)
	e := g.entries[i]
	old := e.Rate
	switch {
	case rate == 0:
		e.Next = math.Inf(1)
	case old > 0 && !math.IsInf(e.Next, 1):
		e.Next = old/rate*(e.Next-now) + now
	default:
		e.Next = g.draw(now, rate)
	}
	e.Rate = rate
	heap.Fix(g, int(e.Pos))
}

func (g *gibsonBruckSelector) Fired(now float64, i int, rate float64) {
	checkRate(rate, i)
	e := g.entries[i]
	e.Rate = rate
	e.Next = g.draw(now, rate)
	heap.Fix(g, int(e.Pos))
}

func (g *gibsonBruckSelector) Select(now float64) (int, float64, bool) {
	if len(g.heap) == 0 {
		return -1, 0, false
	}
	i := g.heap[0]
	t := g.entries[i].Next
	if math.IsInf(t, 1) {
		return -1, 0, false
	}
	return i, t, true
}

func (g *gibsonBruckSelector) Total() float64 {
	var sum float64
	for _, e := range g.entries {
		sum += e.Rate
	}
	return sum
}
