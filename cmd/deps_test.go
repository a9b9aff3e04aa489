package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kprocsim/kprocsim/sim/scenario"
)

const twoPairScenario = `
species: [{name: A}, {name: B}, {name: C}, {name: D}]
compartments:
  - name: cyto
    reactions:
      - {name: fwd, lhs: [A], rhs: [B], kcst: 1}
      - {name: back, lhs: [B], rhs: [A], kcst: 1}
      - {name: other, lhs: [C], rhs: [D], kcst: 1}
geometry:
  well_mixed:
    volumes: [{region: cyto, volume: 1.0e-18}]
solver:
  independent: true
`

func TestWriteDependencyDOT(t *testing.T) {
	// GIVEN a reversible pair and an unrelated reaction in independent mode
	sc, err := scenario.Parse([]byte(twoPairScenario))
	require.NoError(t, err)
	inst, err := sc.Build(nil)
	require.NoError(t, err)
	require.Equal(t, 2, inst.Solver.Groups())

	// WHEN exported
	var buf bytes.Buffer
	require.NoError(t, writeDependencyDOT(&buf, inst.Solver))
	out := buf.String()

	// THEN the pair depends on each other, self-edges are dropped and groups get distinct colours
	assert.Contains(t, out, "digraph dependencies {")
	assert.Contains(t, out, "k0 -> k1")
	assert.Contains(t, out, "k1 -> k0")
	assert.NotContains(t, out, "k2 -> k2")
	assert.Contains(t, out, `label="reac:fwd@`)
	assert.Contains(t, out, `fillcolor="#1f77b4"`)
	assert.Contains(t, out, `fillcolor="#ff7f0e"`)
}

func TestDependencyDOT_SingleProcessHasNoEdges(t *testing.T) {
	_, inst := buildScenario(t, decayScenario)
	data, err := dependencyDOT(inst.Solver)
	require.NoError(t, err)
	assert.Contains(t, string(data), "k0")
	assert.NotContains(t, string(data), "->")
}
