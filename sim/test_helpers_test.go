package sim

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedV is a VoltageSource holding every surface at one potential.
type fixedV float64

func (v fixedV) SurfaceV(int) float64 { return float64(v) }

// recordingField is a FieldSolver that keeps a constant potential and
// records the currents it receives.
type recordingField struct {
	v        float64
	currents map[int][]float64
	advanced []float64
}

func newRecordingField(v float64) *recordingField {
	return &recordingField{v: v, currents: make(map[int][]float64)}
}

func (f *recordingField) SurfaceV(int) float64 { return f.v }
func (f *recordingField) SetSurfaceCurrent(i int, amps float64) {
	f.currents[i] = append(f.currents[i], amps)
}
func (f *recordingField) Advance(dt float64) { f.advanced = append(f.advanced, dt) }

func noNeighbors4() [4]int { return [4]int{-1, -1, -1, -1} }

// abcSystem is a single well-mixed 1e-18 m^3 volume with A + B -> C, k = 1e6.
func abcSystem(t *testing.T) (*System, SpeciesID, SpeciesID, SpeciesID) {
	t.Helper()
	m := NewModel()
	a, b, c := m.AddSpecies("A", 0), m.AddSpecies("B", 0), m.AddSpecies("C", 0)
	cyto := m.AddCompartment("cyto")
	cyto.AddReac(ReacDef{Name: "bind", LHS: Terms(a, b), RHS: Terms(c), Kcst: 1e6})
	g := &Geometry{Volumes: []VolumeGeom{{Region: "cyto", Volume: 1e-18, WellMixed: true, Neighbors: noNeighbors4()}}}
	sys, err := NewSystem(m, g, SystemOptions{})
	require.NoError(t, err)
	return sys, a, b, c
}

// twoTetSystem is two face-adjacent tetrahedra in one compartment with X
// diffusing and a reaction X -> X + Y reading X in each.
func twoTetSystem(t *testing.T) (*System, SpeciesID, SpeciesID) {
	t.Helper()
	m := NewModel()
	x, y := m.AddSpecies("X", 0), m.AddSpecies("Y", 0)
	cyto := m.AddCompartment("cyto")
	cyto.AddDiff(DiffDef{Name: "diffX", Species: x, Dcst: 1e-12})
	cyto.AddReac(ReacDef{Name: "emit", LHS: Terms(x), RHS: Terms(x, y), Kcst: 0.5})
	g := &Geometry{Volumes: []VolumeGeom{
		{Region: "cyto", Volume: 1e-19, Neighbors: [4]int{1, -1, -1, -1}, FaceAreas: [4]float64{1e-13}, Dists: [4]float64{1e-7}},
		{Region: "cyto", Volume: 1e-19, Neighbors: [4]int{0, -1, -1, -1}, FaceAreas: [4]float64{1e-13}, Dists: [4]float64{1e-7}},
	}}
	sys, err := NewSystem(m, g, SystemOptions{})
	require.NoError(t, err)
	return sys, x, y
}

// membraneFixture describes the species of membraneModel.
type membraneFixture struct {
	A, B, C, K, R, RA, Rc, Ro SpeciesID
}

// membraneModel has an "in" and an "out" compartment separated by patch
// "memb", exercising every process kind.
func membraneModel() (*Model, membraneFixture) {
	m := NewModel()
	var f membraneFixture
	f.A, f.B, f.C = m.AddSpecies("A", 0), m.AddSpecies("B", 0), m.AddSpecies("C", 0)
	f.K = m.AddSpecies("K", 1)
	f.R, f.RA = m.AddSpecies("R", 0), m.AddSpecies("RA", 0)
	f.Rc, f.Ro = m.AddSpecies("Rc", 0), m.AddSpecies("Ro", 0)

	in := m.AddCompartment("in")
	in.AddReac(ReacDef{Name: "bind", LHS: Terms(f.A, f.B), RHS: Terms(f.C), Kcst: 1e6})
	in.AddReac(ReacDef{Name: "unbind", LHS: Terms(f.C), RHS: Terms(f.A, f.B), Kcst: 2})
	in.AddDiff(DiffDef{Name: "diffA", Species: f.A, Dcst: 1e-12})
	in.AddDiff(DiffDef{Name: "diffK", Species: f.K, Dcst: 1e-12})

	out := m.AddCompartment("out")
	out.AddReac(ReacDef{Name: "deg", LHS: Terms(f.A), Kcst: 0.1})
	out.AddDiff(DiffDef{Name: "diffAo", Species: f.A, Dcst: 1e-12})

	memb := m.AddPatch("memb", in, out)
	memb.AddSReac(NewSReac("capture", 1e6, Terms(f.R), Terms(f.A), nil, Terms(f.RA), nil, nil))
	memb.AddSReac(NewSReac("release", 3, Terms(f.RA), nil, nil, Terms(f.R), nil, Terms(f.A)))
	memb.AddDiff(DiffDef{Name: "diffR", Species: f.R, Dcst: 1e-13})
	open := TabulateRate(func(v float64) float64 { return 100 + 1000*v }, -0.1, 0.1, 0.001)
	memb.AddVDepTrans(VDepTransDef{Name: "open", Src: f.Rc, Dst: f.Ro, Rate: open})
	memb.AddVDepTrans(VDepTransDef{Name: "close", Src: f.Ro, Dst: f.Rc, Rate: ConstantRate(50)})
	memb.AddVDepSReac(NewVDepSReac("vcapture", ConstantRate(1e5), Terms(f.Ro), nil, Terms(f.A), Terms(f.Ro), Terms(f.A), nil))
	memb.AddGHKCurr(GHKCurrDef{Name: "Kflux", ChanState: f.Ro, Ion: f.K, Permeability: 1e-20, RealFlux: true})
	memb.AddOhmicCurr(OhmicCurrDef{Name: "leak", ChanState: f.Ro, G: 20e-12, ERev: -0.077})
	return m, f
}

// membraneGeometry lays n "in" tetrahedra and n "out" tetrahedra in two
// parallel chains, tet i facing tet n+i across triangle i.
func membraneGeometry(n int) *Geometry {
	g := &Geometry{}
	const vol, area, dist = 1e-19, 1e-13, 1e-7
	for side, region := range []string{"in", "out"} {
		for i := 0; i < n; i++ {
			v := VolumeGeom{Region: region, Volume: vol, Neighbors: noNeighbors4()}
			f := 0
			if i > 0 {
				v.Neighbors[f], v.FaceAreas[f], v.Dists[f] = side*n+i-1, area, dist
				f++
			}
			if i < n-1 {
				v.Neighbors[f], v.FaceAreas[f], v.Dists[f] = side*n+i+1, area, dist
				f++
			}
			v.Neighbors[f], v.FaceAreas[f], v.Dists[f] = (1-side)*n+i, area, dist
			g.Volumes = append(g.Volumes, v)
		}
	}
	for i := 0; i < n; i++ {
		s := SurfaceGeom{Region: "memb", Area: area, Inner: i, Outer: n + i, Neighbors: [3]int{-1, -1, -1}}
		e := 0
		if i > 0 {
			s.Neighbors[e], s.Lengths[e], s.Dists[e] = i-1, 3e-7, dist
			e++
		}
		if i < n-1 {
			s.Neighbors[e], s.Lengths[e], s.Dists[e] = i+1, 3e-7, dist
		}
		g.Surfaces = append(g.Surfaces, s)
	}
	return g
}

// membraneSystem builds membraneModel on membraneGeometry(n) with every pool
// filled with count.
func membraneSystem(t *testing.T, n int, count uint32) (*System, membraneFixture) {
	t.Helper()
	m, f := membraneModel()
	sys, err := NewSystem(m, membraneGeometry(n), SystemOptions{EField: true})
	require.NoError(t, err)
	sys.SetVoltageSource(fixedV(-0.065))
	fillPools(sys, count)
	return sys, f
}

func fillPools(sys *System, count uint32) {
	for i := range sys.Elements {
		for j := range sys.Elements[i].pools {
			sys.Elements[i].pools[j] = count
		}
	}
}

// assertNoStaleRates checks every cached propensity against a fresh computation.
func assertNoStaleRates(t *testing.T, s *Solver) {
	t.Helper()
	if msg := staleRate(s); msg != "" {
		t.Fatal(msg)
	}
}

// staleRate returns a description of the first process whose cached rate
// differs from a fresh evaluation, or "" when every cached rate is current.
func staleRate(s *Solver) string {
	for pid := range s.sys.KProcs {
		want := s.sys.Rate(KProcID(pid))
		got := s.sys.KProcs[pid].Sched.Rate
		if want != got {
			return fmt.Sprintf("process %s: cached rate %v, fresh rate %v", s.sys.Describe(KProcID(pid)), got, want)
		}
	}
	return ""
}
