package sim

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kprocsim/kprocsim/sim/internal/testutil"
)

func TestHmu_FallingFactorial(t *testing.T) {
	tests := []struct {
		name  string
		pools []uint32
		lhs   []uint32
		want  float64
	}{
		{"no reactants", []uint32{5}, []uint32{0}, 1},
		{"first order", []uint32{7}, []uint32{1}, 7},
		{"second order same species", []uint32{7}, []uint32{2}, 42},
		{"third order", []uint32{5}, []uint32{3}, 60},
		{"fourth order", []uint32{5}, []uint32{4}, 120},
		{"bimolecular", []uint32{3, 4}, []uint32{1, 1}, 12},
		{"requirement unmet", []uint32{1, 100}, []uint32{2, 1}, 0},
		{"exactly met", []uint32{4}, []uint32{4}, 24},
		{"zero count", []uint32{0, 9}, []uint32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, bad := hmu(tt.pools, tt.lhs)
			assert.Equal(t, -1, bad)
			assert.Equal(t, tt.want, h)
		})
	}
}

func TestHmu_MultiplicityAboveFour_ReportsSpecies(t *testing.T) {
	_, bad := hmu([]uint32{10, 10}, []uint32{1, 5})
	assert.Equal(t, 1, bad)
}

func TestRate_BimolecularWellMixed(t *testing.T) {
	// GIVEN A + B -> C with k = 1e6 in a 1e-18 m^3 volume, A = B = 100
	sys, _, _, _ := abcSystem(t)
	sys.Elements[0].pools = []uint32{100, 100, 0}

	// THEN ccst follows the volume scaling and the rate is 100*100*ccst
	ccst := 1e6 / (1e3 * 1e-18 * Avogadro)
	testutil.AssertFloat64Equal(t, "ccst", ccst, sys.KProcs[0].Ccst, 1e-12)
	testutil.AssertFloat64Equal(t, "rate", 100*100*ccst, sys.Rate(0), 1e-12)
}

func TestRate_ZeroWhenRequirementUnmetOrInactive(t *testing.T) {
	sys, _, _, _ := abcSystem(t)
	sys.Elements[0].pools = []uint32{100, 0, 0}
	assert.Zero(t, sys.Rate(0))

	sys.Elements[0].pools = []uint32{100, 100, 0}
	sys.KProcs[0].Active = false
	assert.Zero(t, sys.Rate(0))
}

func TestRate_NonNegativeForEveryKind(t *testing.T) {
	// GIVEN a membrane system exercising every kind with a spread of counts
	sys, _ := membraneSystem(t, 3, 0)
	for _, count := range []uint32{0, 1, 2, 5, 40} {
		fillPools(sys, count)
		for pid := range sys.KProcs {
			// THEN every rate is non-negative
			assert.GreaterOrEqual(t, sys.Rate(KProcID(pid)), 0.0, sys.Describe(KProcID(pid)))
		}
	}
	kinds := map[KProcKind]bool{}
	for _, k := range sys.KProcs {
		kinds[k.Kind] = true
	}
	assert.Len(t, kinds, int(numKProcKinds))
}

func TestRate_VoltageOutOfTableRange_Panics(t *testing.T) {
	sys, _ := membraneSystem(t, 1, 10)
	sys.SetVoltageSource(fixedV(0.5))
	pids := sys.FindKProcs(KindVDepTrans, "open")
	require.Len(t, pids, 1)
	assert.PanicsWithError(t,
		fmt.Sprintf("invariant violation: voltage outside rate table range: 0.5 not in [-0.1, 0.1] (process=%d kind=vdeptrans element=%d species=-1)",
			pids[0], sys.KProcs[pids[0]].Elem),
		func() { sys.Rate(pids[0]) })
}

func TestRate_MultiplicityViolation_Panics(t *testing.T) {
	sys, _, _, _ := abcSystem(t)
	sys.Elements[0].pools = []uint32{100, 100, 0}
	sys.Model.Regions[0].Reacs[0].side.lhs[0] = 5
	assert.Panics(t, func() { sys.Rate(0) })
}

func TestRate_VDepTransScalesWithTable(t *testing.T) {
	sys, _ := membraneSystem(t, 1, 10)
	pid := sys.FindKProcs(KindVDepTrans, "open")[0]
	// 10 channels at 100 + 1000*(-0.065) = 35 per second
	testutil.AssertFloat64Equal(t, "open rate", 350, sys.Rate(pid), 1e-9)
}

func TestGHKFlux_SmallPotentialLimit(t *testing.T) {
	d := &GHKCurrDef{Permeability: 1e-20, Temperature: 293.15, valence: 1}
	// at zero potential the flux is P*N_A*(cin - cout)
	got := ghkFlux(d, 0, 2, 1)
	testutil.AssertFloat64Equal(t, "flux", 1e-20*Avogadro, got, 1e-9)
	// continuity around zero
	near := ghkFlux(d, 1e-12, 2, 1)
	testutil.AssertFloat64Equal(t, "near zero", got, near, 1e-6)
}

func TestGHKFlux_EquilibriumPotentialIsZero(t *testing.T) {
	// Nernst: cin = cout*exp(-u) gives no net flux
	d := &GHKCurrDef{Permeability: 1e-20, Temperature: 300, valence: 1}
	v := 0.02
	u := Faraday * v / (GasConstant * 300)
	cout := 5.0
	cin := cout * math.Exp(-u)
	assert.InDelta(t, 0, ghkFlux(d, v, cin, cout), 1e-6)
}
