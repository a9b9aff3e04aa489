package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kprocsim/kprocsim/sim"
)

const dcst = 1e-12

// diffusionModel declares species A diffusing in cyto, ext and on the patch
// memb between them.
func diffusionModel() (*sim.Model, sim.SpeciesID) {
	m := sim.NewModel()
	a := m.AddSpecies("A", 0)
	cyto := m.AddCompartment("cyto")
	ext := m.AddCompartment("ext")
	memb := m.AddPatch("memb", cyto, ext)
	cyto.AddDiff(sim.DiffDef{Name: "dA_cyto", Species: a, Dcst: dcst})
	ext.AddDiff(sim.DiffDef{Name: "dA_ext", Species: a, Dcst: dcst})
	memb.AddDiff(sim.DiffDef{Name: "dA_memb", Species: a, Dcst: dcst})
	return m, a
}

func TestWellMixed_Geometry(t *testing.T) {
	// GIVEN two compartments joined by a patch
	g, err := WellMixed(
		[]Compartment{{Region: "cyto", Volume: 1e-18}, {Region: "ext", Volume: 2e-18}},
		[]Patch{{Region: "memb", Area: 1e-12, Inner: 0, Outer: 1}},
	)
	require.NoError(t, err)

	// THEN volumes are well mixed without neighbours and the patch references both
	require.Len(t, g.Volumes, 2)
	for _, v := range g.Volumes {
		assert.True(t, v.WellMixed)
		assert.Equal(t, [4]int{-1, -1, -1, -1}, v.Neighbors)
	}
	require.Len(t, g.Surfaces, 1)
	assert.Equal(t, 0, g.Surfaces[0].Inner)
	assert.Equal(t, 1, g.Surfaces[0].Outer)

	// AND the kinetic core accepts it
	m, _ := diffusionModel()
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{})
	require.NoError(t, err)
	assert.Len(t, sys.Elements, 3)
}

func TestWellMixed_Errors(t *testing.T) {
	tests := []struct {
		name    string
		comps   []Compartment
		patches []Patch
	}{
		{"zero volume", []Compartment{{Region: "cyto"}}, nil},
		{"patch inner out of range", []Compartment{{Region: "cyto", Volume: 1}}, []Patch{{Region: "memb", Area: 1, Inner: 1, Outer: -1}}},
		{"patch outer out of range", []Compartment{{Region: "cyto", Volume: 1}}, []Patch{{Region: "memb", Area: 1, Inner: 0, Outer: 2}}},
		{"zero area", []Compartment{{Region: "cyto", Volume: 1}}, []Patch{{Region: "memb", Inner: 0, Outer: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WellMixed(tt.comps, tt.patches)
			assert.Error(t, err)
		})
	}
}

func TestChain_LinksAndWeights(t *testing.T) {
	// GIVEN a four-cell chain in one compartment
	const pitch = 1e-7
	g, err := (&Chain{Region: "cyto", Cells: 4, Pitch: pitch}).Build()
	require.NoError(t, err)
	m, _ := diffusionModel()
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{})
	require.NoError(t, err)
	pids := sys.FindKProcs(sim.KindDiff, "dA_cyto")
	require.Len(t, pids, 4)

	// THEN end cells have one direction, inner cells two, each weighted D/pitch^2
	want := dcst / (pitch * pitch)
	for i, dirs := range []int{1, 2, 2, 1} {
		k := &sys.KProcs[pids[i]]
		require.Equal(t, dirs, k.Branches(), "cell %d", i)
		for d := 0; d < dirs; d++ {
			assert.InDelta(t, want, k.DirWeight(d), want*1e-12)
		}
	}
}

func TestChain_SplitBoundary(t *testing.T) {
	// GIVEN a chain split into cyto and ext with a boundary between cells 1 and 2
	const pitch = 1e-7
	g, err := (&Chain{Region: "cyto", Cells: 4, Pitch: pitch, Split: 2, SplitRegion: "ext", SplitBoundary: "gate"}).Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"cyto", "cyto", "ext", "ext"}, regions(g))
	m, a := diffusionModel()
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{})
	require.NoError(t, err)
	s, err := sim.NewSolver(sys, sim.SolverConfig{})
	require.NoError(t, err)
	pid, ok := sys.KProcOf(sys.Volume(1), sim.KindDiff, 0)
	require.True(t, ok)

	// THEN the crossing direction of cell 1 is closed
	assert.Equal(t, 0.0, sys.KProcs[pid].DirWeight(1))

	// WHEN the boundary opens for A
	require.NoError(t, s.SetDiffBoundaryActive("gate", a, true))

	// THEN the crossing direction carries the regular weight
	want := dcst / (pitch * pitch)
	assert.InDelta(t, want, sys.KProcs[pid].DirWeight(1), want*1e-12)
}

func TestChain_Membrane(t *testing.T) {
	// GIVEN a three-cell chain with a membrane and a crossing boundary
	g, err := (&Chain{Region: "cyto", Cells: 3, Pitch: 1e-7, Membrane: &Membrane{Outer: "ext", Patch: "memb", Boundary: "leak"}}).Build()
	require.NoError(t, err)

	// THEN there are two parallel chains and one triangle per cell pair
	assert.Equal(t, []string{"cyto", "cyto", "cyto", "ext", "ext", "ext"}, regions(g))
	require.Len(t, g.Surfaces, 3)
	for i, s := range g.Surfaces {
		assert.Equal(t, i, s.Inner)
		assert.Equal(t, 3+i, s.Outer)
		assert.Equal(t, 3+i, g.Volumes[i].Neighbors[FaceMembrane])
		assert.Equal(t, i, g.Volumes[3+i].Neighbors[FaceMembrane])
	}
	assert.Equal(t, [3]int{-1, 1, -1}, g.Surfaces[0].Neighbors)
	assert.Equal(t, [3]int{0, 2, -1}, g.Surfaces[1].Neighbors)
	require.Len(t, g.DiffBoundaries, 1)
	assert.Len(t, g.DiffBoundaries[0].Faces, 3)

	// AND the kinetic core allocates surface diffusion along the sheet
	m, _ := diffusionModel()
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{})
	require.NoError(t, err)
	assert.Len(t, sys.FindKProcs(sim.KindDiff, "dA_memb"), 3)
}

func TestChain_Errors(t *testing.T) {
	tests := []struct {
		name  string
		chain Chain
	}{
		{"no cells", Chain{Region: "cyto", Pitch: 1}},
		{"zero pitch", Chain{Region: "cyto", Cells: 2}},
		{"split past end", Chain{Region: "cyto", Cells: 2, Pitch: 1, Split: 2, SplitRegion: "ext"}},
		{"split without region", Chain{Region: "cyto", Cells: 2, Pitch: 1, Split: 1}},
		{"boundary without split", Chain{Region: "cyto", Cells: 2, Pitch: 1, SplitBoundary: "gate"}},
		{"membrane without patch", Chain{Region: "cyto", Cells: 2, Pitch: 1, Membrane: &Membrane{Outer: "ext"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.chain.Build()
			assert.Error(t, err)
		})
	}
}

func TestBlockPartition_KeepsMembranePairsTogether(t *testing.T) {
	// GIVEN a membrane chain of four cell pairs split over two ranks
	g, err := (&Chain{Region: "cyto", Cells: 4, Pitch: 1e-7, Membrane: &Membrane{Outer: "ext", Patch: "memb"}}).Build()
	require.NoError(t, err)
	p, err := BlockPartition(g, 2, 1)
	require.NoError(t, err)

	// THEN pairs 0,1 go to rank 0 and pairs 2,3 to rank 1, surfaces following
	assert.Equal(t, []int{0, 0, 1, 1, 0, 0, 1, 1}, p.VolumeOwner)
	assert.Equal(t, []int{0, 0, 1, 1}, p.SurfaceOwner)

	// AND the kinetic core accepts the partition, allocating rank 1's processes only
	m, _ := diffusionModel()
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{Partition: p})
	require.NoError(t, err)
	for pid := range sys.KProcs {
		assert.True(t, sys.Elements[sys.KProcs[pid].Elem].Local(1))
	}
}

func TestBlockPartition_InvalidRank(t *testing.T) {
	g, err := (&Chain{Region: "cyto", Cells: 2, Pitch: 1}).Build()
	require.NoError(t, err)
	_, err = BlockPartition(g, 2, 2)
	assert.Error(t, err)
	_, err = BlockPartition(g, 0, 0)
	assert.Error(t, err)
}

func regions(g *sim.Geometry) []string {
	out := make([]string, len(g.Volumes))
	for i, v := range g.Volumes {
		out[i] = v.Region
	}
	return out
}
