package sim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kprocsim/kprocsim/sim/internal/testutil"
)

var allMethods = []Method{MethodDirect, MethodGibsonBruck, MethodCompositionRejection}

func newTestSelector(t *testing.T, m Method, rates ...float64) (Selector, []*SchedData) {
	t.Helper()
	entries := make([]*SchedData, len(rates))
	for i, r := range rates {
		entries[i] = &SchedData{Rate: r}
	}
	sel, err := NewSelector(m, entries, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	sel.Rebuild(0)
	return sel, entries
}

// fireN runs n selections with constant rates and returns the firing counts
// per member and the waiting times.
func fireN(t *testing.T, sel Selector, rates []float64, n int) ([]int, []float64) {
	t.Helper()
	counts := make([]int, len(rates))
	dts := make([]float64, 0, n)
	now := 0.0
	for step := 0; step < n; step++ {
		i, next, ok := sel.Select(now)
		require.True(t, ok)
		dts = append(dts, next-now)
		now = next
		counts[i]++
		sel.Fired(now, i, rates[i])
	}
	return counts, dts
}

func TestNewSelector_UnknownMethod(t *testing.T) {
	_, err := NewSelector("tau-leap", nil, rand.New(rand.NewSource(1)))
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestNewSelector_EmptyMethodIsDirect(t *testing.T) {
	sel, err := NewSelector("", nil, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, sel.Method())
	assert.True(t, IsValidMethod(""))
	assert.False(t, IsValidMethod("ssa"))
}

func TestSelector_FiringFrequenciesFollowRates(t *testing.T) {
	rates := []float64{1, 0, 3}
	for _, m := range allMethods {
		t.Run(string(m), func(t *testing.T) {
			sel, _ := newTestSelector(t, m, rates...)
			assert.Equal(t, m, sel.Method())
			assert.InDelta(t, 4.0, sel.Total(), 1e-12)

			counts, dts := fireN(t, sel, rates, 20000)

			// THEN a zero-rate member never fires
			assert.Zero(t, counts[1])
			// AND the others fire in proportion to their rates
			assert.InDelta(t, 0.25, float64(counts[0])/20000, 0.02)
			assert.InDelta(t, 0.75, float64(counts[2])/20000, 0.02)
			// AND waiting times are exponential with mean 1/a0
			testutil.AssertMeanWithin(t, "waiting time", dts, 0.25, 5)
		})
	}
}

func TestSelector_ExhaustedWhenAllRatesZero(t *testing.T) {
	for _, m := range allMethods {
		t.Run(string(m), func(t *testing.T) {
			sel, _ := newTestSelector(t, m, 0, 0)
			_, _, ok := sel.Select(0)
			assert.False(t, ok)
			assert.Zero(t, sel.Total())
		})
	}
}

func TestSelector_UpdateToZeroRemovesMember(t *testing.T) {
	for _, m := range allMethods {
		t.Run(string(m), func(t *testing.T) {
			sel, entries := newTestSelector(t, m, 5, 5)

			// WHEN member 0 drops to zero
			sel.Update(0, 0, 0)

			// THEN only member 1 is ever selected
			counts, _ := fireN(t, sel, []float64{0, 5}, 500)
			assert.Equal(t, []int{0, 500}, counts)
			assert.Zero(t, entries[0].Rate)

			// WHEN it recovers it competes again
			sel.Update(0, 0, 5)
			assert.InDelta(t, 10.0, sel.Total(), 1e-12)
		})
	}
}

func TestSelector_LastMemberCanZeroItself(t *testing.T) {
	for _, m := range allMethods {
		t.Run(string(m), func(t *testing.T) {
			sel, _ := newTestSelector(t, m, 2)
			i, next, ok := sel.Select(0)
			require.True(t, ok)
			require.Equal(t, 0, i)
			sel.Fired(next, i, 0)
			_, _, ok = sel.Select(next)
			assert.False(t, ok)
		})
	}
}

func TestSelector_InvalidRatePanics(t *testing.T) {
	for _, m := range allMethods {
		t.Run(string(m), func(t *testing.T) {
			sel, _ := newTestSelector(t, m, 1)
			for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
				assert.Panics(t, func() { sel.Update(0, 0, bad) })
			}
		})
	}
}

func TestSelector_RestoreReproducesIndex(t *testing.T) {
	rates := []float64{0.5, 3, 7, 0, 12, 1.5}
	for _, m := range allMethods {
		t.Run(string(m), func(t *testing.T) {
			// GIVEN a selector after some activity
			sel, entries := newTestSelector(t, m, rates...)
			fireN(t, sel, rates, 50)
			sel.Update(1, 3, 9)
			sel.Update(1, 0, 0)

			// WHEN a fresh selector is restored from copies of its bookkeeping
			copies := make([]*SchedData, len(entries))
			for i, e := range entries {
				c := *e
				copies[i] = &c
			}
			restored, err := NewSelector(m, copies, rand.New(rand.NewSource(7)))
			require.NoError(t, err)
			restored.Restore()

			// THEN the bookkeeping is untouched and totals agree
			for i := range entries {
				assert.Equal(t, *entries[i], *copies[i])
			}
			assert.InDelta(t, sel.Total(), restored.Total(), 1e-9)
			if m == MethodGibsonBruck {
				i1, t1, _ := sel.Select(1)
				i2, t2, _ := restored.Select(1)
				assert.Equal(t, i1, i2)
				assert.Equal(t, t1, t2)
			}
			if m == MethodCompositionRejection {
				a, b := sel.(*crSelector), restored.(*crSelector)
				assert.Equal(t, a.pows, b.pows)
				for _, pow := range a.pows {
					assert.Equal(t, a.bins[pow].members, b.bins[pow].members)
				}
			}
		})
	}
}

func TestGibsonBruck_RescalesWaitingTime(t *testing.T) {
	sel, entries := newTestSelector(t, MethodGibsonBruck, 2, 1)
	before := entries[0].Next

	// WHEN the rate doubles at t = 0.1
	now := math.Min(0.1, before/2)
	sel.Update(now, 0, 4)

	// THEN the remaining waiting time halves
	assert.InDelta(t, (before-now)/2+now, entries[0].Next, 1e-12)

	// AND a zero rate parks the member at infinity
	sel.Update(now, 0, 0)
	assert.True(t, math.IsInf(entries[0].Next, 1))
}

func TestCompositionRejection_Bins(t *testing.T) {
	assert.Equal(t, int32(1), binPow(1))
	assert.Equal(t, int32(1), binPow(1.5))
	assert.Equal(t, int32(2), binPow(2))
	assert.Equal(t, int32(-1), binPow(0.25))

	sel, entries := newTestSelector(t, MethodCompositionRejection, 1, 1.5, 3, 0.3)
	cr := sel.(*crSelector)
	assert.Equal(t, []int32{2, 1, -1}, cr.pows)
	assert.ElementsMatch(t, []int{0, 1}, cr.bins[1].members)
	assert.InDelta(t, 2.5, cr.bins[1].sum, 1e-12)

	// WHEN a member moves to another bin it leaves the old one
	sel.Update(0, 1, 3.5)
	assert.Equal(t, []int{0}, cr.bins[1].members)
	assert.Equal(t, int32(2), entries[1].Pow)
	assert.ElementsMatch(t, []int{2, 1}, cr.bins[2].members)
	assert.InDelta(t, 6.5, cr.bins[2].sum, 1e-12)
}
