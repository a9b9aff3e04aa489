package sim

import (
	"fmt"
	"math"
)

// hmu is the number of distinct reactant combinations: the product over
// species of the falling factorial n(n-1)...(n-lhs+1). It returns the first
// species whose multiplicity is out of range as bad, -1 otherwise.
func hmu(pools, lhs []uint32) (h float64, bad int) {
	h = 1
	for i, l := range lhs {
		if l == 0 {
			continue
		}
		n := pools[i]
		if n < l {
			return 0, -1
		}
		switch l {
		case 4:
			h *= float64(n - 3)
			fallthrough
		case 3:
			h *= float64(n - 2)
			fallthrough
		case 2:
			h *= float64(n - 1)
			fallthrough
		case 1:
			h *= float64(n)
		default:
			return 0, i
		}
	}
	return h, -1
}

// Rate computes the current propensity of process pid from the pools it reads.
// The result is non-negative; anything else panics with an *InvariantViolation.
func (s *System) Rate(pid KProcID) float64 {
	k := &s.KProcs[pid]
	if !k.Active {
		return 0
	}
	e := &s.Elements[k.Elem]
	r := e.Region

	var rate float64
	switch k.Kind {
	case KindReac:
		rate = s.massAction(k, e, &r.Reacs[k.Rule].side) * k.Ccst
	case KindSReac:
		rate = s.surfaceMassAction(k, e, &r.SReacs[k.Rule].surfaceRule) * k.Ccst
	case KindDiff:
		rate = float64(e.pools[r.Diffs[k.Rule].lidx]) * k.Ccst
	case KindVDepTrans:
		d := r.VDepTrans[k.Rule]
		n := e.pools[d.src]
		if n == 0 {
			return 0
		}
		rate = float64(n) * s.tableAt(k, e, d.Rate)
	case KindVDepSReac:
		d := r.VDepSReacs[k.Rule]
		h := s.surfaceMassAction(k, e, &d.surfaceRule)
		if h == 0 {
			return 0
		}
		rate = h * k.Ccst * s.tableAt(k, e, d.K)
	case KindGHKCurr:
		d := r.GHKCurrs[k.Rule]
		n := e.pools[d.chanIdx]
		if n == 0 {
			return 0
		}
		rate = float64(n) * math.Abs(s.ghkSingleFlux(k, e, d))
	default:
		violate("unknown process kind", pid, k.Kind, k.Elem, -1)
	}
	if !(rate >= 0) || math.IsInf(rate, 0) {
		violate(fmt.Sprintf("propensity %g", rate), pid, k.Kind, k.Elem, -1)
	}
	return rate
}

func (s *System) massAction(k *KProc, e *Element, sd *side) float64 {
	h, bad := hmu(e.pools, sd.lhs)
	if bad >= 0 {
		violate(fmt.Sprintf("reactant multiplicity %d above %d", sd.lhs[bad], MaxSpeciesStoich), k.ID, k.Kind, e.ID, bad)
	}
	return h
}

func (s *System) surfaceMassAction(k *KProc, e *Element, sr *surfaceRule) float64 {
	h := s.massAction(k, e, &sr.s)
	if h == 0 {
		return 0
	}
	if sr.inner {
		h *= s.massAction(k, &s.Elements[e.Inner], &sr.i)
	} else if sr.outer {
		h *= s.massAction(k, &s.Elements[e.Outer], &sr.o)
	}
	return h
}

func (s *System) surfaceV(k *KProc, e *Element) float64 {
	if s.voltage == nil {
		violate("voltage-dependent rate without a voltage source", k.ID, k.Kind, e.ID, -1)
	}
	return s.voltage.SurfaceV(e.Index)
}

func (s *System) tableAt(k *KProc, e *Element, t RateTable) float64 {
	f, err := t.At(s.surfaceV(k, e))
	if err != nil {
		violate(err.Error(), k.ID, k.Kind, e.ID, -1)
	}
	return f
}

// concentration converts a count to mol/m^3.
func concentration(n uint32, vol float64) float64 {
	return float64(n) / (Avogadro * vol)
}

// ghkSingleFlux is the signed single-channel ion flux of a GHK current at the
// surface element's present potential and ion concentrations.
func (s *System) ghkSingleFlux(k *KProc, e *Element, d *GHKCurrDef) float64 {
	in := &s.Elements[e.Inner]
	cin := concentration(in.pools[d.ionInner], in.Volume)
	var cout float64
	switch {
	case d.VirtualOuter:
		cout = d.VirtualOuterConc * 1e3
	case e.Outer != NoElement && d.ionOuter >= 0:
		out := &s.Elements[e.Outer]
		cout = concentration(out.pools[d.ionOuter], out.Volume)
	}
	return ghkFlux(d, s.surfaceV(k, e), cin, cout)
}
