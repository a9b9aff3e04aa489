// Package mesh builds synthetic geometries for the kinetic core: sets of
// well-mixed compartments and regular chains of volume cells with an optional
// membrane sheet and diffusion boundaries.
package mesh

import (
	"fmt"

	"github.com/kprocsim/kprocsim/sim"
)

// Face slots used by Chain cells.
const (
	FacePrev     = 0 // towards cell i-1
	FaceNext     = 1 // towards cell i+1
	FaceMembrane = 2 // across the membrane to the partner cell
)

// Compartment is one well-mixed volume.
type Compartment struct {
	Region string
	Volume float64 // m^3
}

// Patch is a membrane between well-mixed compartments, addressed by their
// position in the compartment list. Outer is -1 for a patch without an
// outer compartment.
type Patch struct {
	Region string
	Area   float64 // m^2
	Inner  int
	Outer  int
}

// WellMixed returns a geometry of unconnected well-mixed volumes joined by
// optional patches.
func WellMixed(comps []Compartment, patches []Patch) (*sim.Geometry, error) {
	g := &sim.Geometry{}
	for i, c := range comps {
		if c.Volume <= 0 {
			return nil, fmt.Errorf("compartment %d (%s): non-positive volume %g", i, c.Region, c.Volume)
		}
		g.Volumes = append(g.Volumes, sim.VolumeGeom{
			Region: c.Region, Volume: c.Volume, WellMixed: true, Neighbors: noNeighbors(),
		})
	}
	for i, p := range patches {
		if p.Inner < 0 || p.Inner >= len(comps) || p.Outer >= len(comps) {
			return nil, fmt.Errorf("patch %d (%s): compartment index out of range", i, p.Region)
		}
		if p.Area <= 0 {
			return nil, fmt.Errorf("patch %d (%s): non-positive area %g", i, p.Region, p.Area)
		}
		g.Surfaces = append(g.Surfaces, sim.SurfaceGeom{
			Region: p.Region, Area: p.Area, Inner: p.Inner, Outer: p.Outer, Neighbors: [3]int{-1, -1, -1},
		})
	}
	return g, nil
}

// Membrane adds a parallel outer chain and one triangle per cell pair.
type Membrane struct {
	Outer string // compartment of the outer chain
	Patch string // patch of the triangles
	// Boundary, when set, names a diffusion boundary over every inner/outer
	// face so that species may cross the membrane by diffusion.
	Boundary string
}

// Chain describes a line of cubic cells of side Pitch. Cells [0, Split)
// belong to Region and cells [Split, Cells) to SplitRegion; Split zero
// keeps the whole chain in Region.
type Chain struct {
	Region string
	Cells  int
	Pitch  float64 // m

	Split       int
	SplitRegion string
	// SplitBoundary names a diffusion boundary on the face between cells
	// Split-1 and Split.
	SplitBoundary string

	Membrane *Membrane
}

func (c *Chain) validate() error {
	if c.Cells < 1 {
		return fmt.Errorf("chain %s: need at least one cell, got %d", c.Region, c.Cells)
	}
	if c.Pitch <= 0 {
		return fmt.Errorf("chain %s: non-positive pitch %g", c.Region, c.Pitch)
	}
	if c.Split < 0 || c.Split >= c.Cells {
		return fmt.Errorf("chain %s: split %d outside (0, %d)", c.Region, c.Split, c.Cells)
	}
	if c.Split > 0 && c.SplitRegion == "" {
		return fmt.Errorf("chain %s: split without a second region", c.Region)
	}
	if c.SplitBoundary != "" && c.Split == 0 {
		return fmt.Errorf("chain %s: boundary %q needs a split", c.Region, c.SplitBoundary)
	}
	if m := c.Membrane; m != nil && (m.Outer == "" || m.Patch == "") {
		return fmt.Errorf("chain %s: membrane needs outer and patch regions", c.Region)
	}
	return nil
}

func (c *Chain) regionOf(i int) string {
	if c.Split > 0 && i >= c.Split {
		return c.SplitRegion
	}
	return c.Region
}

// Build returns the chain geometry. Volumes 0..Cells-1 form the chain; with a
// membrane, volumes Cells..2*Cells-1 form the outer chain and surface i joins
// cell i to outer cell i.
func (c *Chain) Build() (*sim.Geometry, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	n := c.Cells
	vol, area, dist := c.Pitch*c.Pitch*c.Pitch, c.Pitch*c.Pitch, c.Pitch
	g := &sim.Geometry{}
	line := func(offset int, region func(int) string) {
		for i := 0; i < n; i++ {
			v := sim.VolumeGeom{Region: region(i), Volume: vol, Neighbors: noNeighbors()}
			if i > 0 {
				v.Neighbors[FacePrev], v.FaceAreas[FacePrev], v.Dists[FacePrev] = offset+i-1, area, dist
			}
			if i < n-1 {
				v.Neighbors[FaceNext], v.FaceAreas[FaceNext], v.Dists[FaceNext] = offset+i+1, area, dist
			}
			g.Volumes = append(g.Volumes, v)
		}
	}
	line(0, c.regionOf)
	if c.SplitBoundary != "" {
		g.DiffBoundaries = append(g.DiffBoundaries, sim.DiffBoundaryGeom{
			Name: c.SplitBoundary, Faces: []sim.TetFace{{Volume: c.Split, Face: FacePrev}},
		})
	}
	m := c.Membrane
	if m == nil {
		return g, nil
	}
	line(n, func(int) string { return m.Outer })
	var faces []sim.TetFace
	for i := 0; i < n; i++ {
		for _, pair := range [][2]int{{i, n + i}, {n + i, i}} {
			v := &g.Volumes[pair[0]]
			v.Neighbors[FaceMembrane], v.FaceAreas[FaceMembrane], v.Dists[FaceMembrane] = pair[1], area, dist
		}
		faces = append(faces, sim.TetFace{Volume: i, Face: FaceMembrane})
		s := sim.SurfaceGeom{Region: m.Patch, Area: area, Inner: i, Outer: n + i, Neighbors: [3]int{-1, -1, -1}}
		if i > 0 {
			s.Neighbors[0], s.Lengths[0], s.Dists[0] = i-1, c.Pitch, dist
		}
		if i < n-1 {
			s.Neighbors[1], s.Lengths[1], s.Dists[1] = i+1, c.Pitch, dist
		}
		g.Surfaces = append(g.Surfaces, s)
	}
	if m.Boundary != "" {
		g.DiffBoundaries = append(g.DiffBoundaries, sim.DiffBoundaryGeom{Name: m.Boundary, Faces: faces})
	}
	return g, nil
}

// BlockPartition assigns volumes to ranks in contiguous blocks of near-equal
// size. Volumes joined by a surface, and the surface itself, always share a
// rank; blocks are formed over such joined sets ordered by lowest volume.
func BlockPartition(g *sim.Geometry, ranks, rank int) (*sim.Partition, error) {
	if ranks < 1 || rank < 0 || rank >= ranks {
		return nil, fmt.Errorf("rank %d of %d is invalid", rank, ranks)
	}
	root := make([]int, len(g.Volumes))
	for i := range root {
		root[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if root[i] != i {
			root[i] = find(root[i])
		}
		return root[i]
	}
	for _, s := range g.Surfaces {
		if s.Outer < 0 {
			continue
		}
		a, b := find(s.Inner), find(s.Outer)
		if a > b {
			a, b = b, a
		}
		root[b] = a
	}
	set := make(map[int]int)
	for i := range g.Volumes {
		r := find(i)
		if _, ok := set[r]; !ok {
			set[r] = len(set)
		}
	}
	p := &sim.Partition{
		Rank:         rank,
		VolumeOwner:  make([]int, len(g.Volumes)),
		SurfaceOwner: make([]int, len(g.Surfaces)),
	}
	for i := range g.Volumes {
		p.VolumeOwner[i] = set[find(i)] * ranks / len(set)
	}
	for i, s := range g.Surfaces {
		p.SurfaceOwner[i] = p.VolumeOwner[s.Inner]
	}
	return p, nil
}

func noNeighbors() [4]int { return [4]int{-1, -1, -1, -1} }
