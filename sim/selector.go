package sim

import (
	"fmt"
	"math"
	"math/rand"
)

// Method names an event-selection algorithm.
type Method string

const (
	MethodDirect               Method = "direct"
	MethodGibsonBruck          Method = "gibson-bruck"
	MethodCompositionRejection Method = "composition-rejection"
)

// validMethods maps accepted method strings.
var validMethods = map[Method]bool{
	MethodDirect:               true,
	MethodGibsonBruck:          true,
	MethodCompositionRejection: true,
	"":                         true, // empty defaults to direct
}

// IsValidMethod returns true if name is a recognised selection method.
func IsValidMethod(name string) bool {
	return validMethods[Method(name)]
}

// drawMax keeps uniform draws strictly below one so that a scaled draw never
// lands past the last cumulative bracket.
const drawMax = 1 - 2*0x1p-52

// uniform returns a draw in [0, 1-2eps).
func uniform(rng *rand.Rand) float64 {
	return rng.Float64() * drawMax
}

// Selector maintains aggregate propensity bookkeeping for one scheduling group
// and chooses the next member to fire. Members are addressed by their index in
// the group; bookkeeping lives in each member's SchedData.
type Selector interface {
	Method() Method
	// Rebuild reinitialises the index structure from every member's Sched.Rate.
	Rebuild(now float64)
	// Restore reinitialises the index structure from stored SchedData without
	// changing it.
	Restore()
	// Update records a new rate for a member that did not fire.
	Update(now float64, i int, rate float64)
	// Fired records the new rate of the member that just fired at now.
	Fired(now float64, i int, rate float64)
	// Select returns the next member and its absolute firing time; ok is false
	// when the total propensity is zero.
	Select(now float64) (i int, t float64, ok bool)
	// Total is the current sum of member rates.
	Total() float64
}

// NewSelector returns a selector over entries drawing from rng.
func NewSelector(m Method, entries []*SchedData, rng *rand.Rand) (Selector, error) {
	switch m {
	case MethodDirect, "":
		return newDirectSelector(entries, rng), nil
	case MethodGibsonBruck:
		return newGibsonBruckSelector(entries, rng), nil
	case MethodCompositionRejection:
		return newCRSelector(entries, rng), nil
	}
	return nil, configErrorf("method", "unknown selection method %q", m)
}

func checkRate(rate float64, i int) {
	if !(rate >= 0) || math.IsInf(rate, 0) {
		panic(&InvariantViolation{What: fmt.Sprintf("selector member %d given rate %g", i, rate), Process: -1, Element: NoElement, Species: -1})
	}
}
