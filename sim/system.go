package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SystemOptions controls which processes are created during setup.
type SystemOptions struct {
	// EField creates voltage-dependent transitions, voltage-dependent surface
	// reactions and GHK current processes.
	EField    bool
	Partition *Partition
}

// System holds the spatial elements, their pools and the arena of elementary
// processes. It is created by NewSystem (allocation phase); dependencies are
// wired afterwards by a DependencyGraphBuilder.
type System struct {
	Model    *Model
	Elements []Element
	KProcs   []KProc

	volumes    []ElementID // by Geometry.Volumes index
	surfaces   []ElementID // by Geometry.Surfaces index
	boundaries []diffBoundary
	partition  *Partition
	efield     bool
	voltage    VoltageSource
}

type diffBoundary struct {
	name   string
	active map[SpeciesID]bool
}

// NewSystem validates the geometry against the model and allocates every
// element and every process bound to a locally owned element.
func NewSystem(m *Model, g *Geometry, opts SystemOptions) (*System, error) {
	if err := m.Finalize(); err != nil {
		return nil, err
	}
	if p := opts.Partition; p != nil {
		if len(p.VolumeOwner) != len(g.Volumes) || len(p.SurfaceOwner) != len(g.Surfaces) {
			return nil, configErrorf("partition", "ownership map does not cover the geometry (%d/%d volumes, %d/%d surfaces)",
				len(p.VolumeOwner), len(g.Volumes), len(p.SurfaceOwner), len(g.Surfaces))
		}
	}
	s := &System{
		Model:     m,
		Elements:  make([]Element, 0, len(g.Volumes)+len(g.Surfaces)),
		volumes:   make([]ElementID, len(g.Volumes)),
		surfaces:  make([]ElementID, len(g.Surfaces)),
		partition: opts.Partition,
		efield:    opts.EField,
	}
	if err := s.addVolumes(g); err != nil {
		return nil, err
	}
	if err := s.addSurfaces(g); err != nil {
		return nil, err
	}
	if err := s.addBoundaries(g); err != nil {
		return nil, err
	}
	for i := range s.Elements {
		if s.Elements[i].Rank != s.partition.local() {
			continue
		}
		if err := s.addKProcs(ElementID(i)); err != nil {
			return nil, err
		}
	}
	logrus.Infof("kinetic system: %d elements, %d processes", len(s.Elements), len(s.KProcs))
	return s, nil
}

func newPools(r *Region) ([]uint32, []bool) {
	return make([]uint32, r.CountSpecies()), make([]bool, r.CountSpecies())
}

func (s *System) region(name string, kind RegionKind, subject string) (*Region, error) {
	r, ok := s.Model.Region(name)
	if !ok {
		return nil, configErrorf(subject, "unknown region %q", name)
	}
	if r.Kind != kind {
		return nil, configErrorf(subject, "region %q is a %s", name, r.Kind)
	}
	return r, nil
}

func (s *System) addVolumes(g *Geometry) error {
	for i, vg := range g.Volumes {
		subject := fmt.Sprintf("volume %d", i)
		r, err := s.region(vg.Region, RegionVolume, subject)
		if err != nil {
			return err
		}
		if vg.Volume <= 0 {
			return configErrorf(subject, "non-positive volume %g", vg.Volume)
		}
		kind := ElemTet
		if vg.WellMixed {
			kind = ElemWellMixed
		}
		id := ElementID(len(s.Elements))
		pools, clamped := newPools(r)
		s.Elements = append(s.Elements, Element{
			ID: id, Kind: kind, Index: i, Region: r, Volume: vg.Volume,
			Rank: s.partition.volumeRank(i), Inner: NoElement, Outer: NoElement,
			pools: pools, clamped: clamped,
		})
		s.volumes[i] = id
	}
	for i, vg := range g.Volumes {
		e := &s.Elements[s.volumes[i]]
		if vg.WellMixed {
			continue
		}
		for f, n := range vg.Neighbors {
			if n < 0 {
				continue
			}
			if n >= len(g.Volumes) {
				return configErrorf(fmt.Sprintf("volume %d", i), "neighbour %d out of range", n)
			}
			if vg.FaceAreas[f] <= 0 || vg.Dists[f] <= 0 {
				return configErrorf(fmt.Sprintf("volume %d", i), "face %d has non-positive area or distance", f)
			}
			e.Links[e.NLinks] = Link{Elem: s.volumes[n], Contact: vg.FaceAreas[f], Dist: vg.Dists[f], Boundary: -1}
			e.NLinks++
		}
	}
	return nil
}

func (s *System) addSurfaces(g *Geometry) error {
	for i, sg := range g.Surfaces {
		subject := fmt.Sprintf("surface %d", i)
		r, err := s.region(sg.Region, RegionSurface, subject)
		if err != nil {
			return err
		}
		if sg.Area <= 0 {
			return configErrorf(subject, "non-positive area %g", sg.Area)
		}
		if sg.Inner < 0 || sg.Inner >= len(g.Volumes) {
			return configErrorf(subject, "inner volume %d out of range", sg.Inner)
		}
		id := ElementID(len(s.Elements))
		inner := s.volumes[sg.Inner]
		if s.Elements[inner].Region != r.Inner {
			return configErrorf(subject, "inner volume belongs to %q, patch expects %q", s.Elements[inner].Region.Name, r.Inner.Name)
		}
		outer := NoElement
		if sg.Outer >= 0 {
			if sg.Outer >= len(g.Volumes) {
				return configErrorf(subject, "outer volume %d out of range", sg.Outer)
			}
			outer = s.volumes[sg.Outer]
			if r.Outer != nil && s.Elements[outer].Region != r.Outer {
				return configErrorf(subject, "outer volume belongs to %q, patch expects %q", s.Elements[outer].Region.Name, r.Outer.Name)
			}
		} else if r.Outer != nil {
			return configErrorf(subject, "patch %q expects an outer volume", r.Name)
		}
		pools, clamped := newPools(r)
		el := Element{
			ID: id, Kind: ElemTri, Index: i, Region: r, Area: sg.Area,
			Rank: s.partition.surfaceRank(i), Inner: inner, Outer: outer,
			pools: pools, clamped: clamped,
		}
		if len(r.OhmicCurrs)+len(r.GHKCurrs) > 0 {
			el.membrane = newMembrane(r)
		}
		s.Elements = append(s.Elements, el)
		s.surfaces[i] = id
		s.Elements[inner].Tris = append(s.Elements[inner].Tris, id)
		if outer != NoElement {
			s.Elements[outer].Tris = append(s.Elements[outer].Tris, id)
		}
	}
	for i, sg := range g.Surfaces {
		e := &s.Elements[s.surfaces[i]]
		for d, n := range sg.Neighbors {
			if n < 0 {
				continue
			}
			if n >= len(g.Surfaces) {
				return configErrorf(fmt.Sprintf("surface %d", i), "neighbour %d out of range", n)
			}
			if sg.Lengths[d] <= 0 || sg.Dists[d] <= 0 {
				return configErrorf(fmt.Sprintf("surface %d", i), "edge %d has non-positive length or distance", d)
			}
			e.Links[e.NLinks] = Link{Elem: s.surfaces[n], Contact: sg.Lengths[d], Dist: sg.Dists[d], Boundary: -1}
			e.NLinks++
		}
	}
	return nil
}

func (s *System) addBoundaries(g *Geometry) error {
	for b, bg := range g.DiffBoundaries {
		s.boundaries = append(s.boundaries, diffBoundary{name: bg.Name, active: make(map[SpeciesID]bool)})
		for _, f := range bg.Faces {
			if f.Volume < 0 || f.Volume >= len(g.Volumes) || f.Face < 0 || f.Face > 3 {
				return configErrorf(bg.Name, "face %+v out of range", f)
			}
			vg := g.Volumes[f.Volume]
			n := vg.Neighbors[f.Face]
			if n < 0 {
				return configErrorf(bg.Name, "face %+v has no neighbour", f)
			}
			if g.Volumes[n].Region == vg.Region {
				return configErrorf(bg.Name, "face %+v does not separate two compartments", f)
			}
			// mark both directions
			for _, pair := range [][2]int{{f.Volume, n}, {n, f.Volume}} {
				e := &s.Elements[s.volumes[pair[0]]]
				for l := 0; l < e.NLinks; l++ {
					if e.Links[l].Elem == s.volumes[pair[1]] {
						e.Links[l].Boundary = b
					}
				}
			}
		}
	}
	return nil
}

// addKProcs creates the processes of one element in a fixed order: reactions
// (or surface reactions), diffusion, then the voltage-dependent kinds.
func (s *System) addKProcs(id ElementID) error {
	e := &s.Elements[id]
	r := e.Region
	add := func(kind KProcKind, rule int) *KProc {
		pid := KProcID(len(s.KProcs))
		s.KProcs = append(s.KProcs, KProc{ID: pid, Kind: kind, Elem: id, Rule: rule, Active: true})
		e.KProcs = append(e.KProcs, pid)
		return &s.KProcs[pid]
	}
	if !e.IsSurface() {
		for i := range r.Reacs {
			add(KindReac, i)
		}
	} else {
		if s.partition != nil {
			for _, v := range []ElementID{e.Inner, e.Outer} {
				if v != NoElement && s.Elements[v].Rank != e.Rank {
					return configErrorf(e.String(), "surface element and its volume %s belong to different ranks (%d, %d)",
						s.Elements[v].String(), e.Rank, s.Elements[v].Rank)
				}
			}
		}
		for i := range r.SReacs {
			add(KindSReac, i)
		}
	}
	if e.Kind != ElemWellMixed {
		for i := range r.Diffs {
			add(KindDiff, i)
		}
	}
	if e.IsSurface() && s.efield {
		for i := range r.VDepTrans {
			add(KindVDepTrans, i)
		}
		for i := range r.VDepSReacs {
			add(KindVDepSReac, i)
		}
		for i := range r.GHKCurrs {
			add(KindGHKCurr, i)
		}
	}
	for _, pid := range e.KProcs {
		s.resetConstants(pid)
	}
	return nil
}

// resetConstants restores the macroscopic constant from the rule definition
// and recomputes the scaled constant from the current geometry.
func (s *System) resetConstants(pid KProcID) {
	k := &s.KProcs[pid]
	r := s.Elements[k.Elem].Region
	switch k.Kind {
	case KindReac:
		k.Kcst = r.Reacs[k.Rule].Kcst
	case KindSReac:
		k.Kcst = r.SReacs[k.Rule].Kcst
	case KindDiff:
		k.Kcst = r.Diffs[k.Rule].Dcst
	default:
		k.Kcst = 0
	}
	s.rescale(pid)
}

// rescale recomputes Ccst from Kcst and geometry.
func (s *System) rescale(pid KProcID) {
	k := &s.KProcs[pid]
	e := &s.Elements[k.Elem]
	r := e.Region
	switch k.Kind {
	case KindReac:
		k.Ccst = compCcst(k.Kcst, e.Volume, r.Reacs[k.Rule].side.order())
	case KindSReac:
		k.Ccst = s.surfaceScale(e, &r.SReacs[k.Rule].surfaceRule, k.Kcst)
	case KindVDepSReac:
		k.Ccst = s.surfaceScale(e, &r.VDepSReacs[k.Rule].surfaceRule, 1)
	case KindDiff:
		s.rescaleDiff(k, e)
	default:
		k.Ccst = 1
	}
	if k.Ccst < 0 || k.Ccst != k.Ccst {
		violate(fmt.Sprintf("scaled constant %g", k.Ccst), pid, k.Kind, k.Elem, -1)
	}
}

func (s *System) surfaceScale(e *Element, sr *surfaceRule, kcst float64) float64 {
	switch {
	case sr.inner:
		return compCcst(kcst, s.Elements[e.Inner].Volume, sr.order)
	case sr.outer:
		return compCcst(kcst, s.Elements[e.Outer].Volume, sr.order)
	}
	return compSurfaceCcst(kcst, e.Area, sr.order)
}

func (s *System) rescaleDiff(k *KProc, e *Element) {
	d := e.Region.Diffs[k.Rule]
	k.ndirs = uint8(e.NLinks)
	k.Ccst = 0
	for l := 0; l < e.NLinks; l++ {
		k.dirs[l] = 0
		k.dst[l] = -1
		link := e.Links[l]
		to := &s.Elements[link.Elem]
		di, ok := to.Region.LocalIndex(d.Species)
		if !ok {
			continue
		}
		k.dst[l] = int32(di)
		if to.Region != e.Region && (link.Boundary < 0 || !s.boundaries[link.Boundary].active[d.Species]) {
			continue
		}
		size := e.Volume
		if e.IsSurface() {
			size = e.Area
		}
		w := k.Kcst * link.Contact / (size * link.Dist)
		k.dirs[l] = w
		k.Ccst += w
	}
}

// Surface returns the element id of surface geometry index i.
func (s *System) Surface(i int) ElementID { return s.surfaces[i] }

// Volume returns the element id of volume geometry index i.
func (s *System) Volume(i int) ElementID { return s.volumes[i] }

// CountSurfaces returns the number of surface elements.
func (s *System) CountSurfaces() int { return len(s.surfaces) }

// LocalRank is the rank this system runs on.
func (s *System) LocalRank() int { return s.partition.local() }

// HasVoltageDependence reports whether any process reads the membrane potential.
func (s *System) HasVoltageDependence() bool {
	for i := range s.KProcs {
		if s.KProcs[i].Kind.VoltageDependent() {
			return true
		}
	}
	return false
}

// SetVoltageSource installs the potential lookup used by voltage-dependent rates.
func (s *System) SetVoltageSource(v VoltageSource) { s.voltage = v }

// Boundary returns the index of the named diffusion boundary.
func (s *System) Boundary(name string) (int, bool) {
	for i, b := range s.boundaries {
		if b.name == name {
			return i, true
		}
	}
	return -1, false
}

// KProcOf returns the process of the given kind and rule in element id.
func (s *System) KProcOf(id ElementID, kind KProcKind, rule int) (KProcID, bool) {
	for _, pid := range s.Elements[id].KProcs {
		k := &s.KProcs[pid]
		if k.Kind == kind && k.Rule == rule {
			return pid, true
		}
	}
	return -1, false
}

// Describe renders a process for logs and graph labels.
func (s *System) Describe(pid KProcID) string {
	k := &s.KProcs[pid]
	return fmt.Sprintf("%s:%s@%s", k.Kind, s.RuleName(pid), s.Elements[k.Elem].String())
}

// RuleName returns the name of the rule a process instantiates.
func (s *System) RuleName(pid KProcID) string {
	k := &s.KProcs[pid]
	r := s.Elements[k.Elem].Region
	switch k.Kind {
	case KindReac:
		return r.Reacs[k.Rule].Name
	case KindSReac:
		return r.SReacs[k.Rule].Name
	case KindDiff:
		return r.Diffs[k.Rule].Name
	case KindVDepTrans:
		return r.VDepTrans[k.Rule].Name
	case KindVDepSReac:
		return r.VDepSReacs[k.Rule].Name
	case KindGHKCurr:
		return r.GHKCurrs[k.Rule].Name
	}
	return "?"
}

// FindKProcs returns the processes of kind instantiating the rule named name,
// in creation order.
func (s *System) FindKProcs(kind KProcKind, name string) []KProcID {
	var out []KProcID
	for pid := range s.KProcs {
		if s.KProcs[pid].Kind == kind && s.RuleName(KProcID(pid)) == name {
			out = append(out, KProcID(pid))
		}
	}
	return out
}

// reset zeroes pools, clamps, membranes and extents and restores every
// process to its rule constants.
func (s *System) reset() {
	for i := range s.Elements {
		e := &s.Elements[i]
		clear(e.pools)
		clear(e.clamped)
		if e.membrane != nil {
			e.membrane.reset()
		}
	}
	for pid := range s.KProcs {
		k := &s.KProcs[pid]
		k.Extent = 0
		k.Active = true
		k.Sched = SchedData{}
		s.resetConstants(KProcID(pid))
	}
}
