package sim

import "fmt"

// ElementID is a dense index into System.Elements.
type ElementID int32

// NoElement marks an absent element reference.
const NoElement ElementID = -1

// ElementKind distinguishes the spatial element shapes.
type ElementKind uint8

const (
	ElemWellMixed ElementKind = iota
	ElemTet
	ElemTri
)

func (k ElementKind) String() string {
	switch k {
	case ElemWellMixed:
		return "wmvol"
	case ElemTet:
		return "tet"
	case ElemTri:
		return "tri"
	}
	return fmt.Sprintf("ElementKind(%d)", k)
}

// Link is a neighbour relation used by diffusion.
type Link struct {
	Elem     ElementID
	Contact  float64 // shared face area (volumes) or edge length (surfaces)
	Dist     float64
	Boundary int // diffusion boundary index, -1 when the link is not on one
}

// Element is a spatial element owning molecule pools. Pools are written only by
// the Mutator.
type Element struct {
	ID     ElementID
	Kind   ElementKind
	Index  int // index in Geometry.Volumes or Geometry.Surfaces
	Region *Region
	Volume float64
	Area   float64
	Rank   int

	Links  [4]Link
	NLinks int

	Inner ElementID // surfaces only
	Outer ElementID // surfaces only
	Tris  []ElementID

	KProcs []KProcID

	pools    []uint32
	clamped  []bool
	membrane *Membrane
}

// IsSurface reports whether the element is a triangle.
func (e *Element) IsSurface() bool { return e.Kind == ElemTri }

// Count returns the molecule count of local species i.
func (e *Element) Count(i int) uint32 { return e.pools[i] }

// Clamped reports whether local species i is held constant.
func (e *Element) Clamped(i int) bool { return e.clamped[i] }

// Pools returns a copy of the molecule counts.
func (e *Element) Pools() []uint32 {
	out := make([]uint32, len(e.pools))
	copy(out, e.pools)
	return out
}

// Membrane returns the electrical bookkeeping of a surface element, nil otherwise.
func (e *Element) Membrane() *Membrane { return e.membrane }

// Local reports whether the element is owned by rank.
func (e *Element) Local(rank int) bool { return e.Rank == rank }

func (e *Element) String() string {
	return fmt.Sprintf("%s#%d(%s)", e.Kind, e.Index, e.Region.Name)
}
