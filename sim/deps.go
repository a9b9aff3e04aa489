package sim

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// poolRef addresses one molecule pool: a local species of an element.
type poolRef struct {
	elem    ElementID
	species int
}

// DependencyGraph is the immutable product of a DependencyGraphBuilder. For
// every (process, branch) it lists the local processes whose propensity may
// change when that branch fires, sorted by id and including the process
// itself, plus the remote elements the branch writes to.
type DependencyGraph struct {
	branchStart []int32 // per process, first branch slot; len = #kprocs+1
	depOff      []int32 // per branch slot; len = #slots+1
	deps        []KProcID
	remoteOff   []int32
	remote      []ElementID

	poolStart []int32 // per element, first pool slot; len = #elems+1
	readerOff []int32 // per pool slot; len = #pools+1
	readers   []KProcID
	writerOff []int32
	writers   []KProcID
}

// DependencyGraphBuilder wires dependencies once every element and process
// exists. A builder can be built only once.
type DependencyGraphBuilder struct {
	sys      *System
	consumed bool
}

// NewDependencyGraphBuilder returns a builder for sys.
func NewDependencyGraphBuilder(sys *System) *DependencyGraphBuilder {
	return &DependencyGraphBuilder{sys: sys}
}

// Build computes the dependency graph. It returns ErrBuilderConsumed on a
// second call.
func (b *DependencyGraphBuilder) Build() (*DependencyGraph, error) {
	if b.consumed {
		return nil, ErrBuilderConsumed
	}
	b.consumed = true
	s := b.sys
	g := &DependencyGraph{}

	g.poolStart = make([]int32, len(s.Elements)+1)
	for i := range s.Elements {
		g.poolStart[i+1] = g.poolStart[i] + int32(len(s.Elements[i].pools))
	}
	npools := int(g.poolStart[len(s.Elements)])

	// Collate readers and writers per pool.
	readers := make([][]KProcID, npools)
	writers := make([][]KProcID, npools)
	for pid := range s.KProcs {
		id := KProcID(pid)
		for _, p := range s.reads(id) {
			slot := g.slot(p)
			readers[slot] = append(readers[slot], id)
		}
		for br := 0; br < s.KProcs[pid].Branches(); br++ {
			for _, p := range s.writes(id, br) {
				if !s.isLocal(p.elem) {
					continue
				}
				slot := g.slot(p)
				writers[slot] = appendUnique(writers[slot], id)
			}
		}
	}
	g.readerOff, g.readers = flatten(readers)
	g.writerOff, g.writers = flatten(writers)

	// Each branch depends on the readers of every pool it writes.
	g.branchStart = make([]int32, len(s.KProcs)+1)
	for pid := range s.KProcs {
		g.branchStart[pid+1] = g.branchStart[pid] + int32(s.KProcs[pid].Branches())
	}
	nslots := int(g.branchStart[len(s.KProcs)])
	deps := make([][]KProcID, nslots)
	remote := make([][]ElementID, nslots)
	seen := make(map[KProcID]struct{})
	var edges int
	for pid := range s.KProcs {
		id := KProcID(pid)
		for br := 0; br < s.KProcs[pid].Branches(); br++ {
			clear(seen)
			slot := g.branchStart[pid] + int32(br)
			list := []KProcID{id}
			seen[id] = struct{}{}
			for _, p := range s.writes(id, br) {
				if !s.isLocal(p.elem) {
					remote[slot] = appendUnique(remote[slot], p.elem)
					continue
				}
				for _, q := range g.Readers(p.elem, p.species) {
					if _, dup := seen[q]; dup {
						continue
					}
					seen[q] = struct{}{}
					list = append(list, q)
				}
			}
			sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
			deps[slot] = list
			edges += len(list)
		}
	}
	g.depOff, g.deps = flatten(deps)
	g.remoteOff, g.remote = flatten(remote)

	if err := g.verify(s); err != nil {
		return nil, err
	}
	logrus.Infof("dependency graph: %d processes, %d branches, %d edges", len(s.KProcs), nslots, edges)
	return g, nil
}

// verify checks that every dependency list is sorted, duplicate-free and
// names existing processes.
func (g *DependencyGraph) verify(s *System) error {
	for slot := 0; slot+1 < len(g.depOff); slot++ {
		list := g.deps[g.depOff[slot]:g.depOff[slot+1]]
		for i, q := range list {
			if q < 0 || int(q) >= len(s.KProcs) {
				return configErrorf("dependency graph", "branch slot %d references unknown process %d", slot, q)
			}
			if i > 0 && list[i-1] >= q {
				return configErrorf("dependency graph", "branch slot %d is not strictly sorted", slot)
			}
		}
	}
	return nil
}

func (g *DependencyGraph) slot(p poolRef) int32 {
	return g.poolStart[p.elem] + int32(p.species)
}

// Deps returns the processes to refresh after branch br of pid fires.
func (g *DependencyGraph) Deps(pid KProcID, br int) []KProcID {
	slot := g.branchStart[pid] + int32(br)
	return g.deps[g.depOff[slot]:g.depOff[slot+1]]
}

// Remote returns the non-local elements written by branch br of pid.
func (g *DependencyGraph) Remote(pid KProcID, br int) []ElementID {
	slot := g.branchStart[pid] + int32(br)
	return g.remote[g.remoteOff[slot]:g.remoteOff[slot+1]]
}

// Readers returns the processes whose propensity reads pool (elem, species).
func (g *DependencyGraph) Readers(elem ElementID, species int) []KProcID {
	slot := g.slot(poolRef{elem, species})
	return g.readers[g.readerOff[slot]:g.readerOff[slot+1]]
}

// Writers returns the local processes that may change pool (elem, species).
func (g *DependencyGraph) Writers(elem ElementID, species int) []KProcID {
	slot := g.slot(poolRef{elem, species})
	return g.writers[g.writerOff[slot]:g.writerOff[slot+1]]
}

// Branches returns the number of branches recorded for pid.
func (g *DependencyGraph) Branches(pid KProcID) int {
	return int(g.branchStart[pid+1] - g.branchStart[pid])
}

// Edges calls fn once for each distinct (src, dst) pair with src != dst.
func (g *DependencyGraph) Edges(fn func(src, dst KProcID)) {
	n := len(g.branchStart) - 1
	seen := make(map[KProcID]struct{})
	for pid := 0; pid < n; pid++ {
		clear(seen)
		src := KProcID(pid)
		for br := 0; br < g.Branches(src); br++ {
			for _, q := range g.Deps(src, br) {
				if q == src {
					continue
				}
				if _, dup := seen[q]; dup {
					continue
				}
				seen[q] = struct{}{}
				fn(src, q)
			}
		}
	}
}

func (s *System) isLocal(id ElementID) bool {
	return s.Elements[id].Rank == s.partition.local()
}

// reads lists the pools a process's propensity depends on.
func (s *System) reads(pid KProcID) []poolRef {
	k := &s.KProcs[pid]
	e := &s.Elements[k.Elem]
	r := e.Region
	var out []poolRef
	sideReads := func(el ElementID, sd *side) {
		for i, d := range sd.dep {
			if d {
				out = append(out, poolRef{el, i})
			}
		}
	}
	switch k.Kind {
	case KindReac:
		sideReads(e.ID, &r.Reacs[k.Rule].side)
	case KindSReac, KindVDepSReac:
		sr := s.rule(k)
		sideReads(e.ID, &sr.s)
		if sr.inner {
			sideReads(e.Inner, &sr.i)
		}
		if sr.outer {
			sideReads(e.Outer, &sr.o)
		}
	case KindDiff:
		out = append(out, poolRef{e.ID, r.Diffs[k.Rule].lidx})
	case KindVDepTrans:
		out = append(out, poolRef{e.ID, r.VDepTrans[k.Rule].src})
	case KindGHKCurr:
		d := r.GHKCurrs[k.Rule]
		out = append(out, poolRef{e.ID, d.chanIdx}, poolRef{e.Inner, d.ionInner})
		if !d.VirtualOuter && e.Outer != NoElement && d.ionOuter >= 0 {
			out = append(out, poolRef{e.Outer, d.ionOuter})
		}
	default:
		panic(fmt.Sprintf("reads: unknown kind %d", k.Kind))
	}
	return out
}

// writes lists the pools branch br of a process may change.
func (s *System) writes(pid KProcID, br int) []poolRef {
	k := &s.KProcs[pid]
	e := &s.Elements[k.Elem]
	r := e.Region
	var out []poolRef
	sideWrites := func(el ElementID, sd *side) {
		for _, i := range sd.upds {
			out = append(out, poolRef{el, i})
		}
	}
	switch k.Kind {
	case KindReac:
		sideWrites(e.ID, &r.Reacs[k.Rule].side)
	case KindSReac, KindVDepSReac:
		sr := s.rule(k)
		sideWrites(e.ID, &sr.s)
		sideWrites(e.Inner, &sr.i)
		if e.Outer != NoElement {
			sideWrites(e.Outer, &sr.o)
		}
	case KindDiff:
		out = append(out, poolRef{e.ID, r.Diffs[k.Rule].lidx})
		if dst := k.dst[br]; dst >= 0 {
			out = append(out, poolRef{e.Links[br].Elem, int(dst)})
		}
	case KindVDepTrans:
		d := r.VDepTrans[k.Rule]
		out = append(out, poolRef{e.ID, d.src}, poolRef{e.ID, d.dst})
	case KindGHKCurr:
		d := r.GHKCurrs[k.Rule]
		if d.RealFlux {
			out = append(out, poolRef{e.Inner, d.ionInner})
			if !d.VirtualOuter && e.Outer != NoElement && d.ionOuter >= 0 {
				out = append(out, poolRef{e.Outer, d.ionOuter})
			}
		}
	default:
		panic(fmt.Sprintf("writes: unknown kind %d", k.Kind))
	}
	return out
}

// rule returns the surface rule of a SReac or VDepSReac process.
func (s *System) rule(k *KProc) *surfaceRule {
	r := s.Elements[k.Elem].Region
	if k.Kind == KindSReac {
		return &r.SReacs[k.Rule].surfaceRule
	}
	return &r.VDepSReacs[k.Rule].surfaceRule
}

func appendUnique[T comparable](list []T, v T) []T {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func flatten[T any](lists [][]T) ([]int32, []T) {
	off := make([]int32, len(lists)+1)
	for i, l := range lists {
		off[i+1] = off[i] + int32(len(l))
	}
	flat := make([]T, 0, off[len(lists)])
	for _, l := range lists {
		flat = append(flat, l...)
	}
	return off, flat
}
