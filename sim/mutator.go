package sim

import (
	"fmt"
	"math"
	"math/rand"
)

// CountChange is a count delta destined for a pool owned by another rank.
type CountChange struct {
	Rank    int
	Elem    ElementID
	Species int // local species index in the destination element
	Delta   int32
}

// Update is the result of applying one firing: local processes whose cached
// propensity must be refreshed, and count changes for remote ranks.
type Update struct {
	Local  []KProcID
	Remote []CountChange
}

// Mutator is the only writer of element pools. It applies fired processes,
// external count/clamp settings and remote count changes, and reports the
// processes whose propensity must be refreshed.
type Mutator struct {
	sys   *System
	graph *DependencyGraph
}

// NewMutator returns a mutator over sys using graph for dependency lookup.
func NewMutator(sys *System, graph *DependencyGraph) *Mutator {
	return &Mutator{sys: sys, graph: graph}
}

// Branch draws the outcome branch of pid: a diffusion direction in proportion
// to its weight, 0 for every other kind.
func (m *Mutator) Branch(pid KProcID, rng *rand.Rand) int {
	k := &m.sys.KProcs[pid]
	if k.Kind != KindDiff {
		return 0
	}
	target := uniform(rng) * k.Ccst
	last := -1
	var cum float64
	for d := 0; d < int(k.ndirs); d++ {
		if k.dirs[d] == 0 {
			continue
		}
		last = d
		cum += k.dirs[d]
		if target < cum {
			return d
		}
	}
	if last < 0 {
		violate("diffusion fired with no open direction", pid, k.Kind, k.Elem, -1)
	}
	return last
}

// Apply fires branch br of pid at time now.
func (m *Mutator) Apply(pid KProcID, br int, now float64) Update {
	s := m.sys
	k := &s.KProcs[pid]
	e := &s.Elements[k.Elem]
	r := e.Region
	var remote []CountChange

	switch k.Kind {
	case KindReac:
		m.applySide(k, e, &r.Reacs[k.Rule].side, now)
	case KindSReac, KindVDepSReac:
		sr := s.rule(k)
		m.applySide(k, e, &sr.s, now)
		m.applySide(k, &s.Elements[e.Inner], &sr.i, now)
		if e.Outer != NoElement {
			m.applySide(k, &s.Elements[e.Outer], &sr.o, now)
		}
	case KindDiff:
		lidx := r.Diffs[k.Rule].lidx
		m.add(k, e, lidx, -1, now)
		link := e.Links[br]
		dst := int(k.dst[br])
		if dst < 0 {
			violate(fmt.Sprintf("diffusion direction %d has no destination pool", br), pid, k.Kind, k.Elem, lidx)
		}
		to := &s.Elements[link.Elem]
		if s.isLocal(to.ID) {
			m.add(k, to, dst, 1, now)
		} else {
			remote = append(remote, CountChange{Rank: to.Rank, Elem: to.ID, Species: dst, Delta: 1})
		}
	case KindVDepTrans:
		d := r.VDepTrans[k.Rule]
		m.add(k, e, d.src, -1, now)
		m.add(k, e, d.dst, 1, now)
	case KindGHKCurr:
		m.applyGHK(k, e, r.GHKCurrs[k.Rule], now)
	default:
		violate("unknown process kind", pid, k.Kind, k.Elem, -1)
	}
	k.Extent++
	return Update{Local: m.graph.Deps(pid, br), Remote: remote}
}

func (m *Mutator) applySide(k *KProc, e *Element, sd *side, now float64) {
	for _, i := range sd.upds {
		m.add(k, e, i, sd.upd[i], now)
	}
}

func (m *Mutator) applyGHK(k *KProc, e *Element, d *GHKCurrDef, now float64) {
	s := m.sys
	flux := s.ghkSingleFlux(k, e, d)
	var dir int32 = 1
	if flux < 0 {
		dir = -1
	}
	e.membrane.ghkCharge[k.Rule] += int64(d.valence) * int64(dir)
	if !d.RealFlux {
		return
	}
	m.add(k, &s.Elements[e.Inner], d.ionInner, -dir, now)
	if !d.VirtualOuter && e.Outer != NoElement && d.ionOuter >= 0 {
		m.add(k, &s.Elements[e.Outer], d.ionOuter, dir, now)
	}
}

// add changes pool i of e by delta unless the species is clamped. Ohmic
// integrals reading the pool are brought up to date first.
func (m *Mutator) add(k *KProc, e *Element, i int, delta int32, now float64) {
	if e.clamped[i] {
		return
	}
	n := int64(e.pools[i]) + int64(delta)
	if n < 0 {
		violate(fmt.Sprintf("count %d after update", n), k.ID, k.Kind, e.ID, i)
	}
	if n > math.MaxUint32 {
		violate(fmt.Sprintf("count %d overflows", n), k.ID, k.Kind, e.ID, i)
	}
	m.touchMembrane(e, i, now)
	e.pools[i] = uint32(n)
}

func (m *Mutator) touchMembrane(e *Element, i int, now float64) {
	if e.membrane == nil {
		return
	}
	for oc, d := range e.Region.OhmicCurrs {
		if d.chanIdx == i {
			e.membrane.integrate(oc, e.pools[i], now)
		}
	}
}

// SetCount overwrites a pool of a local element, bypassing the clamped flag,
// and returns the processes reading it.
func (m *Mutator) SetCount(id ElementID, i int, n uint32, now float64) ([]KProcID, error) {
	if !m.sys.isLocal(id) {
		e := &m.sys.Elements[id]
		return nil, fmt.Errorf("%w: %s is owned by rank %d", ErrNotLocal, e, e.Rank)
	}
	e := &m.sys.Elements[id]
	m.touchMembrane(e, i, now)
	e.pools[i] = n
	return m.graph.Readers(id, i), nil
}

// SetClamped sets the clamped flag of a pool.
func (m *Mutator) SetClamped(id ElementID, i int, clamped bool) {
	m.sys.Elements[id].clamped[i] = clamped
}

// ApplyRemote applies count changes received from other ranks. The whole
// batch is checked before any pool is written: changes for unknown or
// non-local elements or unknown species reject the batch with an error, and a
// running count leaving [0, MaxUint32] is an invariant violation. Clamped
// pools are left unchanged.
func (m *Mutator) ApplyRemote(changes []CountChange, now float64) ([]KProcID, error) {
	s := m.sys
	type poolKey struct {
		elem    ElementID
		species int
	}
	running := make(map[poolKey]int64)
	for _, c := range changes {
		if c.Elem < 0 || int(c.Elem) >= len(s.Elements) {
			return nil, fmt.Errorf("remote change for unknown element %d", c.Elem)
		}
		e := &s.Elements[c.Elem]
		if !s.isLocal(c.Elem) {
			return nil, fmt.Errorf("remote change for element %s owned by rank %d", e, e.Rank)
		}
		if c.Species < 0 || c.Species >= len(e.pools) {
			return nil, fmt.Errorf("remote change for unknown species %d in %s", c.Species, e)
		}
	}
	for _, c := range changes {
		e := &s.Elements[c.Elem]
		if e.clamped[c.Species] {
			continue
		}
		key := poolKey{c.Elem, c.Species}
		n, ok := running[key]
		if !ok {
			n = int64(e.pools[c.Species])
		}
		n += int64(c.Delta)
		if n < 0 {
			violate(fmt.Sprintf("count %d after remote update", n), -1, KindDiff, e.ID, c.Species)
		}
		if n > math.MaxUint32 {
			violate(fmt.Sprintf("count %d overflows after remote update", n), -1, KindDiff, e.ID, c.Species)
		}
		running[key] = n
	}

	seen := make(map[KProcID]struct{})
	var refresh []KProcID
	for _, c := range changes {
		key := poolKey{c.Elem, c.Species}
		n, ok := running[key]
		if !ok {
			continue
		}
		delete(running, key)
		e := &s.Elements[c.Elem]
		m.touchMembrane(e, c.Species, now)
		e.pools[c.Species] = uint32(n)
		for _, q := range m.graph.Readers(c.Elem, c.Species) {
			if _, dup := seen[q]; !dup {
				seen[q] = struct{}{}
				refresh = append(refresh, q)
			}
		}
	}
	return refresh, nil
}
