package sim

// Geometry is the mesh description supplied by the mesh layer. It is read-only
// from the kinetic core's point of view once NewSystem returns.
//
// Volume elements are either tetrahedra (up to four face neighbours) or
// well-mixed volumes (no neighbours). Surface elements are triangles bounded by
// an inner and an optional outer volume element, with up to three edge
// neighbours. Index -1 marks a missing neighbour.
type Geometry struct {
	Volumes        []VolumeGeom
	Surfaces       []SurfaceGeom
	DiffBoundaries []DiffBoundaryGeom
}

// VolumeGeom describes one tetrahedron or well-mixed volume.
type VolumeGeom struct {
	Region    string
	Volume    float64 // m^3
	WellMixed bool
	Neighbors [4]int
	FaceAreas [4]float64 // m^2, area of the shared face
	Dists     [4]float64 // m, barycentre distance to the neighbour
}

// SurfaceGeom describes one triangle.
type SurfaceGeom struct {
	Region    string
	Area      float64 // m^2
	Inner     int     // volume index
	Outer     int     // volume index or -1
	Neighbors [3]int
	Lengths   [3]float64 // m, shared edge length
	Dists     [3]float64 // m, barycentre distance
}

// TetFace names one face of a tetrahedron.
type TetFace struct {
	Volume int
	Face   int
}

// DiffBoundaryGeom is a named set of faces between two compartments across
// which diffusion may be enabled per species.
type DiffBoundaryGeom struct {
	Name  string
	Faces []TetFace
}

// Partition assigns element ownership to ranks for distributed execution.
// A nil Partition means every element is local.
type Partition struct {
	Rank         int   // this process's rank
	VolumeOwner  []int // rank owning each volume
	SurfaceOwner []int // rank owning each surface
}

func (p *Partition) volumeRank(i int) int {
	if p == nil {
		return 0
	}
	return p.VolumeOwner[i]
}

func (p *Partition) surfaceRank(i int) int {
	if p == nil {
		return 0
	}
	return p.SurfaceOwner[i]
}

func (p *Partition) local() int {
	if p == nil {
		return 0
	}
	return p.Rank
}
