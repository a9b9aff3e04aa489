package sim

import (
	"fmt"
	"math"
)

// Avogadro's constant, 1/mol.
const Avogadro = 6.02214076e23

// KProcID is a dense index into System.KProcs, assigned in creation order.
type KProcID int32

// KProcKind is the closed set of elementary process kinds.
type KProcKind uint8

const (
	KindReac KProcKind = iota
	KindSReac
	KindDiff
	KindVDepTrans
	KindVDepSReac
	KindGHKCurr
	numKProcKinds
)

var kprocKindNames = [numKProcKinds]string{"reac", "sreac", "diff", "vdeptrans", "vdepsreac", "ghkcurr"}

func (k KProcKind) String() string {
	if k < numKProcKinds {
		return kprocKindNames[k]
	}
	return fmt.Sprintf("KProcKind(%d)", k)
}

// AllKProcKinds lists the kinds in their canonical order.
func AllKProcKinds() []KProcKind {
	out := make([]KProcKind, numKProcKinds)
	for i := range out {
		out[i] = KProcKind(i)
	}
	return out
}

// VoltageDependent reports whether the kind's rate reads the membrane potential.
func (k KProcKind) VoltageDependent() bool {
	return k == KindVDepTrans || k == KindVDepSReac || k == KindGHKCurr
}

// SchedData is scheduler-private bookkeeping stored on each process so that it
// is captured by checkpoints.
type SchedData struct {
	Recorded bool    // entry is held by the selector's index structure
	Pow      int32   // composition-rejection bin exponent
	Pos      uint32  // position inside the selector's index structure
	Rate     float64 // cached propensity
	Next     float64 // absolute next firing time (Gibson-Bruck)
}

// KProc is one elementary process bound to one spatial element. Records live
// in a single arena (System.KProcs) addressed by KProcID.
type KProc struct {
	ID     KProcID
	Kind   KProcKind
	Elem   ElementID
	Rule   int     // index of the rule in its region's slice for Kind
	Kcst   float64 // macroscopic constant (diffusion constant for Diff)
	Ccst   float64 // scaled constant; total direction weight for Diff
	Extent uint64
	Active bool
	Sched  SchedData

	dirs  [4]float64 // diffusion weight per link direction
	dst   [4]int32   // destination local species index per direction, -1 if absent
	ndirs uint8
}

// Branches is the number of distinct update outcomes; diffusion has one per
// link direction, every other kind has one.
func (k *KProc) Branches() int {
	if k.Kind == KindDiff {
		return int(k.ndirs)
	}
	return 1
}

// DirWeight returns the rate weight of diffusion direction d.
func (k *KProc) DirWeight(d int) float64 { return k.dirs[d] }

// compCcst scales a macroscopic volume constant to a per-element stochastic
// constant. Orders below one are floored to one, so zero-order reactions fire
// at a constant rate independent of volume.
func compCcst(kcst, vol float64, order uint32) float64 {
	vscale := 1.0e3 * vol * Avogadro
	o1 := int(order) - 1
	if o1 < 0 {
		o1 = 0
	}
	return kcst * math.Pow(vscale, float64(-o1))
}

// compSurfaceCcst scales a surface-only constant by triangle area.
func compSurfaceCcst(kcst, area float64, order uint32) float64 {
	ascale := area * Avogadro
	o1 := int(order) - 1
	if o1 < 0 {
		o1 = 0
	}
	return kcst * math.Pow(ascale, float64(-o1))
}
