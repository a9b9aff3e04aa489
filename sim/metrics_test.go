package sim

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveResults_WritesFiringsPerKind(t *testing.T) {
	// GIVEN a finished run of the bimolecular reaction
	sys, a, b, _ := abcSystem(t)
	s := newTestSolver(t, sys, MethodDirect, false, 1)
	require.NoError(t, s.SetCount(0, a, 30))
	require.NoError(t, s.SetCount(0, b, 20))
	_, err := s.Run(1e3)
	require.NoError(t, err)

	// WHEN the metrics are saved
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, s.Metrics().SaveResults(3, path))

	// THEN the JSON carries the rank, step count and per-kind firings
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out MetricsOutput
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 3, out.Rank)
	assert.Equal(t, uint64(20), out.Steps)
	assert.Equal(t, uint64(20), out.Firings["reac"])
	assert.Equal(t, uint64(0), out.Firings["diff"])
	assert.Len(t, out.Firings, len(AllKProcKinds()))
	assert.Equal(t, uint64(1), out.Exhaustions)
	assert.Equal(t, 1e3, out.SimTime)
}

func TestSaveResults_BadPath(t *testing.T) {
	m := &Metrics{}
	err := m.SaveResults(0, filepath.Join(t.TempDir(), "missing", "metrics.json"))
	assert.ErrorContains(t, err, "write metrics")
}

func TestMetrics_Print(t *testing.T) {
	m := &Metrics{Steps: 4, SimTime: 2, Refreshes: 8, FieldSteps: 1, RemoteChanges: 2}
	m.Firings[KindDiff] = 3
	m.Firings[KindGHKCurr] = 1

	var buf bytes.Buffer
	m.Print(&buf)

	out := buf.String()
	assert.Contains(t, out, "=== Simulation Metrics ===")
	assert.Contains(t, out, "diff")
	assert.Contains(t, out, "ghkcurr")
	assert.NotContains(t, out, "sreac")
	assert.Contains(t, out, "Refreshes per Step   : 2.00")
	assert.Contains(t, out, "Remote Changes       : 2 sent, 0 applied")
	assert.Contains(t, out, "Field Steps          : 1")
	assert.NotContains(t, out, "Exhaustions")
}

func TestMetrics_MergeAcrossGroups(t *testing.T) {
	sys := sinkSystem(t)
	fillPools(sys, 5)
	s := newTestSolver(t, sys, MethodDirect, true, 1)
	_, err := s.Run(1e3)
	require.NoError(t, err)

	m := s.Metrics()
	assert.Equal(t, uint64(20), m.Steps, "5 A and 5 B in each of two volumes")
	assert.Equal(t, m.Steps, m.FiringsOf(KindReac))
	assert.Zero(t, m.TotalRate)
}
