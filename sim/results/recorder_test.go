package results

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kprocsim/kprocsim/sim"
)

// decaySolver is a well-mixed A -> B system with 100 A.
func decaySolver(t *testing.T) *sim.Solver {
	t.Helper()
	m := sim.NewModel()
	a, b := m.AddSpecies("A", 0), m.AddSpecies("B", 0)
	m.AddCompartment("cyto").AddReac(sim.ReacDef{Name: "decay", LHS: sim.Terms(a), RHS: sim.Terms(b), Kcst: 10})
	g := &sim.Geometry{Volumes: []sim.VolumeGeom{{Region: "cyto", Volume: 1e-18, WellMixed: true, Neighbors: [4]int{-1, -1, -1, -1}}}}
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{})
	require.NoError(t, err)
	s, err := sim.NewSolver(sys, sim.SolverConfig{Seed: 3})
	require.NoError(t, err)
	require.NoError(t, s.SetCount(0, a, 100))
	return s
}

func TestRecorder_RecordsCountsAndExtents(t *testing.T) {
	ctx := context.Background()
	// GIVEN a recorder sampling A, B and extents
	rec, err := Open(filepath.Join(t.TempDir(), "out", "results.db"), "run1", 3, sim.MethodDirect, Options{Extents: true})
	require.NoError(t, err)
	defer rec.Close()
	s := decaySolver(t)

	// WHEN the state is sampled at t = 0, 0.1 and 1
	for _, end := range []float64{0, 0.1, 1} {
		_, err := s.Run(end)
		require.NoError(t, err)
		require.NoError(t, rec.Record(ctx, s))
	}

	// THEN the totals are conserved and the extent matches the decayed count
	as, err := rec.SpeciesTotals(ctx, "A")
	require.NoError(t, err)
	bs, err := rec.SpeciesTotals(ctx, "B")
	require.NoError(t, err)
	require.Len(t, as, 3)
	require.Len(t, bs, 3)
	assert.Equal(t, int64(100), as[0].Count)
	assert.Equal(t, 1.0, as[2].T)
	for i := range as {
		assert.Equal(t, int64(100), as[i].Count+bs[i].Count)
	}
	assert.GreaterOrEqual(t, as[0].Count, as[1].Count)

	ext, err := rec.RuleExtents(ctx, "decay")
	require.NoError(t, err)
	require.Len(t, ext, 3)
	for i := range ext {
		assert.Equal(t, bs[i].Count, ext[i].Count)
	}
	assert.Equal(t, 3, rec.Samples())
}

func TestRecorder_SpeciesFilter(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(filepath.Join(t.TempDir(), "results.db"), "filtered", 3, sim.MethodDirect, Options{Species: []string{"B"}})
	require.NoError(t, err)
	defer rec.Close()

	require.NoError(t, rec.Record(ctx, decaySolver(t)))

	as, err := rec.SpeciesTotals(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, as)
	bs, err := rec.SpeciesTotals(ctx, "B")
	require.NoError(t, err)
	assert.Len(t, bs, 1)
	ext, err := rec.RuleExtents(ctx, "decay")
	require.NoError(t, err)
	assert.Empty(t, ext, "extents are off by default")
}

func TestRecorder_RunsShareADatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")
	for _, run := range []string{"r1", "r2"} {
		rec, err := Open(path, run, 1, sim.MethodGibsonBruck, Options{})
		require.NoError(t, err)
		require.NoError(t, rec.Record(ctx, decaySolver(t)))
		require.NoError(t, rec.Close())
	}
	rec, err := Open(path, "r1", 1, sim.MethodGibsonBruck, Options{})
	require.NoError(t, err)
	defer rec.Close()
	as, err := rec.SpeciesTotals(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, as, 1, "samples of r2 are not mixed into r1")
}
