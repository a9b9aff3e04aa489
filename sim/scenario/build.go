package scenario

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/kprocsim/kprocsim/sim"
	"github.com/kprocsim/kprocsim/sim/efield"
	"github.com/kprocsim/kprocsim/sim/mesh"
	"github.com/kprocsim/kprocsim/sim/trace"
)

// Default grid for exponential rate tables, V.
const (
	defaultVMin = -0.15
	defaultVMax = 0.15
	defaultDV   = 1e-4
)

// Instance is a scenario built into a ready-to-run solver.
type Instance struct {
	Model    *sim.Model
	Geometry *sim.Geometry
	System   *sim.System
	Solver   *sim.Solver
	Field    sim.FieldSolver // nil without an electric field
	EFieldDT float64
	End      float64
}

// Build validates the scenario and constructs model, geometry, system, field
// and solver, then applies boundaries and initial counts. A nil partition
// makes every element local.
func (sc *Scenario) Build(partition *sim.Partition) (*Instance, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	m, err := sc.BuildModel()
	if err != nil {
		return nil, err
	}
	g, err := sc.BuildGeometry()
	if err != nil {
		return nil, err
	}
	sys, err := sim.NewSystem(m, g, sim.SystemOptions{EField: sc.EField != nil, Partition: partition})
	if err != nil {
		return nil, err
	}
	inst := &Instance{Model: m, Geometry: g, System: sys}
	if sc.Solver.End != nil {
		inst.End = *sc.Solver.End
	}
	cfg := sc.SolverConfig()
	if sc.EField != nil {
		if inst.Field, err = sc.buildField(g); err != nil {
			return nil, err
		}
		inst.EFieldDT = *sc.EField.DT
		cfg.Voltage = inst.Field
	}
	if inst.Solver, err = sim.NewSolver(sys, cfg); err != nil {
		return nil, err
	}
	for _, gate := range sc.Boundaries {
		sp, _ := m.SpeciesByName(gate.Species)
		if err := inst.Solver.SetDiffBoundaryActive(gate.Name, sp, gate.Active); err != nil {
			return nil, fmt.Errorf("boundary %q: %w", gate.Name, err)
		}
	}
	if err := sc.applyInitial(inst); err != nil {
		return nil, err
	}
	logrus.Infof("scenario %q built: %d species, %d volumes, %d surfaces", sc.Name, len(m.Species), len(g.Volumes), len(g.Surfaces))
	return inst, nil
}

// SolverConfig returns the solver options of the scenario without a voltage
// source.
func (sc *Scenario) SolverConfig() sim.SolverConfig {
	cfg := sim.SolverConfig{
		SchedulingConfig: sim.NewSchedulingConfig(sim.Method(sc.Solver.Method), deref(sc.Solver.Independent), deref(sc.Solver.Parallel)),
		Trace:            trace.TraceConfig{Level: trace.TraceLevel(sc.Solver.Trace), Limit: sc.Solver.TraceLimit},
	}
	if sc.Solver.Seed != nil {
		cfg.Seed = *sc.Solver.Seed
	}
	return cfg
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// BuildModel declares every species, region and rule.
func (sc *Scenario) BuildModel() (*sim.Model, error) {
	m := sim.NewModel()
	for _, sp := range sc.Species {
		m.AddSpecies(sp.Name, sp.Valence)
	}
	ids := func(names []string) []sim.SpeciesID {
		out := make([]sim.SpeciesID, len(names))
		for i, n := range names {
			out[i], _ = m.SpeciesByName(n)
		}
		return out
	}
	id := func(name string) sim.SpeciesID {
		sp, _ := m.SpeciesByName(name)
		return sp
	}
	terms := func(names []string) []sim.Term { return sim.Terms(ids(names)...) }

	for _, c := range sc.Compartments {
		r := m.AddCompartment(c.Name)
		r.Declare(ids(c.Species)...)
		for _, x := range c.Reactions {
			r.AddReac(sim.ReacDef{Name: x.Name, LHS: terms(x.LHS), RHS: terms(x.RHS), Kcst: x.Kcst})
		}
		for _, x := range c.Diffusion {
			r.AddDiff(sim.DiffDef{Name: x.Name, Species: id(x.Species), Dcst: x.Dcst})
		}
	}
	for _, p := range sc.Patches {
		inner, _ := m.Region(p.Inner)
		var outer *sim.Region
		if p.Outer != "" {
			outer, _ = m.Region(p.Outer)
		}
		r := m.AddPatch(p.Name, inner, outer)
		r.Declare(ids(p.Species)...)
		for _, x := range p.Diffusion {
			r.AddDiff(sim.DiffDef{Name: x.Name, Species: id(x.Species), Dcst: x.Dcst})
		}
		for _, x := range p.SurfaceReacs {
			r.AddSReac(sim.NewSReac(x.Name, x.Kcst,
				terms(x.LHS.Surface), terms(x.LHS.Inner), terms(x.LHS.Outer),
				terms(x.RHS.Surface), terms(x.RHS.Inner), terms(x.RHS.Outer)))
		}
		for _, x := range p.VDepSReacs {
			k, err := x.Rate.Table(x.Name)
			if err != nil {
				return nil, err
			}
			r.AddVDepSReac(sim.NewVDepSReac(x.Name, k,
				terms(x.LHS.Surface), terms(x.LHS.Inner), terms(x.LHS.Outer),
				terms(x.RHS.Surface), terms(x.RHS.Inner), terms(x.RHS.Outer)))
		}
		for _, x := range p.VDepTrans {
			k, err := x.Rate.Table(x.Name)
			if err != nil {
				return nil, err
			}
			r.AddVDepTrans(sim.VDepTransDef{Name: x.Name, Src: id(x.Src), Dst: id(x.Dst), Rate: k})
		}
		for _, x := range p.GHKCurrents {
			r.AddGHKCurr(sim.GHKCurrDef{
				Name: x.Name, ChanState: id(x.Channel), Ion: id(x.Ion),
				Permeability: x.Permeability, Temperature: x.Temperature, RealFlux: x.RealFlux,
				VirtualOuter: x.VirtualOuterConc != nil, VirtualOuterConc: deref(x.VirtualOuterConc),
				VShift: x.VShift,
			})
		}
		for _, x := range p.OhmicCurrents {
			r.AddOhmicCurr(sim.OhmicCurrDef{Name: x.Name, ChanState: id(x.Channel), G: x.G, ERev: x.ERev})
		}
	}
	if err := m.Finalize(); err != nil {
		return nil, err
	}
	return m, nil
}

// Table converts the rate description to a rate table.
func (rs *RateSpec) Table(name string) (sim.RateTable, error) {
	set := 0
	if rs.Constant != nil {
		set++
	}
	if rs.Exp != nil {
		set++
	}
	if len(rs.Rates) > 0 {
		set++
	}
	if set != 1 {
		return sim.RateTable{}, fmt.Errorf("%s: exactly one of constant, exp and rates must be set", name)
	}
	switch {
	case rs.Constant != nil:
		return sim.ConstantRate(*rs.Constant), nil
	case rs.Exp != nil:
		a, b := rs.Exp.A, rs.Exp.B
		return sim.TabulateRate(func(v float64) float64 { return a * math.Exp(b*v) },
			orDefault(rs.VMin, defaultVMin), orDefault(rs.VMax, defaultVMax), orDefault(rs.DV, defaultDV)), nil
	}
	if rs.VMin == nil || rs.VMax == nil || rs.DV == nil {
		return sim.RateTable{}, fmt.Errorf("%s: rates need vmin, vmax and dv", name)
	}
	return sim.RateTable{VMin: *rs.VMin, VMax: *rs.VMax, DV: *rs.DV, Rates: rs.Rates}, nil
}

func orDefault(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// BuildGeometry builds the configured synthetic geometry.
func (sc *Scenario) BuildGeometry() (*sim.Geometry, error) {
	if wm := sc.Geometry.WellMixed; wm != nil {
		comps := make([]mesh.Compartment, len(wm.Volumes))
		for i, v := range wm.Volumes {
			comps[i] = mesh.Compartment{Region: v.Region, Volume: v.Volume}
		}
		patches := make([]mesh.Patch, len(wm.Patches))
		for i, p := range wm.Patches {
			outer := -1
			if p.Outer != nil {
				outer = *p.Outer
			}
			patches[i] = mesh.Patch{Region: p.Region, Area: p.Area, Inner: p.Inner, Outer: outer}
		}
		return mesh.WellMixed(comps, patches)
	}
	c := sc.Geometry.Chain
	chain := &mesh.Chain{
		Region: c.Region, Cells: c.Cells, Pitch: c.Pitch,
		Split: c.Split, SplitRegion: c.SplitRegion, SplitBoundary: c.SplitBoundary,
	}
	if mb := c.Membrane; mb != nil {
		chain.Membrane = &mesh.Membrane{Outer: mb.Outer, Patch: mb.Patch, Boundary: mb.Boundary}
	}
	return chain.Build()
}

func (sc *Scenario) buildField(g *sim.Geometry) (sim.FieldSolver, error) {
	ef := sc.EField
	if ef.Capacitance == nil {
		return efield.NewFixed(ef.Potential, len(g.Surfaces)), nil
	}
	include := make(map[string]bool, len(ef.Patches))
	for _, p := range ef.Patches {
		include[p] = true
	}
	areas := make([]float64, len(g.Surfaces))
	for i, s := range g.Surfaces {
		if len(include) == 0 || include[s.Region] {
			areas[i] = s.Area
		}
	}
	c, err := efield.NewCapacitor(ef.Potential, *ef.Capacitance, areas)
	if err != nil {
		return nil, fmt.Errorf("efield: %w", err)
	}
	if st := ef.Stimulus; st != nil {
		c.Stimulus = efield.ConstantStimulus(st.Amps, st.Start)
	}
	return c, nil
}

type placement struct {
	elem sim.ElementID
	size float64
}

// regionElements returns the elements of a region in geometry order.
func regionElements(inst *Instance, region string) []placement {
	var out []placement
	for i, v := range inst.Geometry.Volumes {
		if v.Region == region {
			out = append(out, placement{elem: inst.System.Volume(i), size: v.Volume})
		}
	}
	for i, s := range inst.Geometry.Surfaces {
		if s.Region == region {
			out = append(out, placement{elem: inst.System.Surface(i), size: s.Area})
		}
	}
	return out
}

func (sc *Scenario) applyInitial(inst *Instance) error {
	for _, in := range sc.Initial {
		sp, _ := inst.Model.SpeciesByName(in.Species)
		elems := regionElements(inst, in.Region)
		if len(elems) == 0 {
			return fmt.Errorf("initial: region %q has no elements", in.Region)
		}
		var counts []uint32
		if in.Element != nil {
			i := *in.Element
			if i < 0 || i >= len(elems) {
				return fmt.Errorf("initial: element %d out of range for region %q (%d elements)", i, in.Region, len(elems))
			}
			elems = elems[i : i+1]
			counts = []uint32{in.Count}
		} else {
			counts = Distribute(in.Count, sizes(elems))
		}
		rank := inst.System.LocalRank()
		for k, p := range elems {
			// counts are split over the whole region so every rank agrees;
			// each rank seeds only the pools it owns
			if !inst.System.Elements[p.elem].Local(rank) {
				continue
			}
			if err := inst.Solver.SetCount(p.elem, sp, counts[k]); err != nil {
				return fmt.Errorf("initial %s in %s: %w", in.Species, in.Region, err)
			}
			if in.Clamped {
				if err := inst.Solver.SetClamped(p.elem, sp, true); err != nil {
					return fmt.Errorf("initial %s in %s: %w", in.Species, in.Region, err)
				}
			}
		}
	}
	return nil
}

func sizes(ps []placement) []float64 {
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = p.size
	}
	return out
}

// Distribute splits n in proportion to weights by the largest-remainder
// method. Ties go to the lower index.
func Distribute(n uint32, weights []float64) []uint32 {
	out := make([]uint32, len(weights))
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 || len(weights) == 0 {
		return out
	}
	type rem struct {
		i    int
		frac float64
	}
	rems := make([]rem, len(weights))
	var assigned uint32
	for i, w := range weights {
		share := float64(n) * w / total
		out[i] = uint32(share)
		assigned += out[i]
		rems[i] = rem{i: i, frac: share - float64(out[i])}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for k := 0; assigned < n; k++ {
		out[rems[k%len(rems)].i]++
		assigned++
	}
	return out
}
