package checkpoint

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kprocsim/kprocsim/sim"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"filesystem": fs,
		"memory":     NewMemory(),
		"s3":         newMockS3(t, "runs"),
	}
}

func readAll(t *testing.T, s Store, key string) []byte {
	t.Helper()
	rc, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	payload := []byte{0, 1, 2, '\r', '\n', 0xff, 'K', 'P'}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Put and Get round-trip binary data
			info, err := s.Put(ctx, "a/one", bytes.NewReader(payload))
			require.NoError(t, err)
			assert.Equal(t, "a/one", info.Key)
			assert.Equal(t, int64(len(payload)), info.Size)
			assert.Equal(t, payload, readAll(t, s, "a/one"))

			// Put replaces
			_, err = s.Put(ctx, "a/one", bytes.NewReader([]byte("v2")))
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), readAll(t, s, "a/one"))

			// List filters by prefix and sorts by key
			_, err = s.Put(ctx, "a/0", bytes.NewReader([]byte("x")))
			require.NoError(t, err)
			_, err = s.Put(ctx, "b/0", bytes.NewReader([]byte("y")))
			require.NoError(t, err)
			infos, err := s.List(ctx, "a/")
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, "a/0", infos[0].Key)
			assert.Equal(t, "a/one", infos[1].Key)

			// Delete reports existence
			ok, err := s.Delete(ctx, "a/0")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.Delete(ctx, "a/0")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, "a/0")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKey_SortsByTime(t *testing.T) {
	assert.Less(t, Key("run", 9.5), Key("run", 10))
	assert.Less(t, Key("run", 0.001), Key("run", 0.002))
	assert.Equal(t, "run/", Key("run", 1)[:4])
}

func TestFilesystem_RejectsEscapingKeys(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "/abs", "../up", "a/../../b"} {
		_, err := fs.Put(context.Background(), key, bytes.NewReader(nil))
		assert.Error(t, err, "key %q", key)
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "mem://")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, "file://"+filepath.Join(t.TempDir(), "cp"))
	require.NoError(t, err)
	assert.IsType(t, &Filesystem{}, s)

	_, err = Open(ctx, "s3://")
	assert.ErrorContains(t, err, "bucket required")
}

// abcSolver is a well-mixed A + B -> C system with 200 A and 150 B.
func abcSolver(t *testing.T, seed int64) (*sim.Solver, sim.SpeciesID) {
	t.Helper()
	m := sim.NewModel()
	a, b, c := m.AddSpecies("A", 0), m.AddSpecies("B", 0), m.AddSpecies("C", 0)
	m.AddCompartment("cyto").AddReac(sim.ReacDef{Name: "bind", LHS: sim.Terms(a, b), RHS: sim.Terms(c), Kcst: 1e6})
	g := &sim.Geometry{Volumes: []sim.VolumeGeom{{Region: "cyto", Volume: 1e-18, WellMixed: true, Neighbors: [4]int{-1, -1, -1, -1}}}}
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{})
	require.NoError(t, err)
	s, err := sim.NewSolver(sys, sim.SolverConfig{SchedulingConfig: sim.NewSchedulingConfig(sim.MethodGibsonBruck, false, false), Seed: seed})
	require.NoError(t, err)
	require.NoError(t, s.SetCount(0, a, 200))
	require.NoError(t, s.SetCount(0, b, 150))
	return s, c
}

func TestSaveLoad_RoundTripsSolverState(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN a solver part way through a run, checkpointed twice
			src, c := abcSolver(t, 1)
			_, err := src.Run(0.05)
			require.NoError(t, err)
			_, err = Save(ctx, store, Key("abc", src.Time()), src)
			require.NoError(t, err)
			_, err = src.Run(0.1)
			require.NoError(t, err)
			_, err = Save(ctx, store, Key("abc", src.Time()), src)
			require.NoError(t, err)

			// WHEN the latest checkpoint is loaded into a fresh solver
			key, err := Latest(ctx, store, "abc")
			require.NoError(t, err)
			assert.Equal(t, Key("abc", 0.1), key)
			dst, _ := abcSolver(t, 2)
			require.NoError(t, Load(ctx, store, key, dst))

			// THEN its state matches the source
			assert.Equal(t, src.Time(), dst.Time())
			want, _ := src.Count(0, c)
			got, _ := dst.Count(0, c)
			assert.Equal(t, want, got)

			h, err := Inspect(ctx, store, key)
			require.NoError(t, err)
			assert.Equal(t, sim.MethodGibsonBruck, h.Method)
			assert.Equal(t, 0.1, h.Clock)
		})
	}
}

func TestLatest_EmptyRun(t *testing.T) {
	_, err := Latest(context.Background(), NewMemory(), "nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_MissingKey(t *testing.T) {
	s, _ := abcSolver(t, 1)
	err := Load(context.Background(), NewMemory(), "missing", s)
	assert.ErrorIs(t, err, ErrNotFound)
}
