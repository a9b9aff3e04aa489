// Package scenario loads a complete simulation description from YAML: the
// reaction-diffusion model, a synthetic geometry, initial state, solver
// options and the electric field.
package scenario

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kprocsim/kprocsim/sim"
	"github.com/kprocsim/kprocsim/sim/trace"
)

// Scenario is the top-level YAML document. Nil pointer fields mean "not set
// in YAML" and leave defaults or command-line values in place.
type Scenario struct {
	Name         string        `yaml:"name"`
	Species      []SpeciesSpec `yaml:"species"`
	Compartments []RegionSpec  `yaml:"compartments"`
	Patches      []RegionSpec  `yaml:"patches"`
	Geometry     GeometrySpec  `yaml:"geometry"`
	Initial      []InitSpec    `yaml:"initial"`
	Boundaries   []GateSpec    `yaml:"boundaries"`
	Solver       SolverSpec    `yaml:"solver"`
	EField       *EFieldSpec   `yaml:"efield"`
}

// SpeciesSpec declares a species or channel state.
type SpeciesSpec struct {
	Name    string `yaml:"name"`
	Valence int    `yaml:"valence"`
}

// RegionSpec is a compartment or, with Inner set, a patch.
type RegionSpec struct {
	Name          string          `yaml:"name"`
	Inner         string          `yaml:"inner"`
	Outer         string          `yaml:"outer"`
	Species       []string        `yaml:"species"`
	Reactions     []ReacSpec      `yaml:"reactions"`
	Diffusion     []DiffSpec      `yaml:"diffusion"`
	SurfaceReacs  []SReacSpec     `yaml:"surface_reactions"`
	VDepSReacs    []SReacSpec     `yaml:"vdep_surface_reactions"`
	VDepTrans     []VDepTransSpec `yaml:"vdep_transitions"`
	GHKCurrents   []GHKSpec       `yaml:"ghk_currents"`
	OhmicCurrents []OhmicSpec     `yaml:"ohmic_currents"`
}

// ReacSpec is a volume reaction. Repeated species names raise the
// stoichiometry.
type ReacSpec struct {
	Name string   `yaml:"name"`
	LHS  []string `yaml:"lhs"`
	RHS  []string `yaml:"rhs"`
	Kcst float64  `yaml:"kcst"`
}

// DiffSpec is a diffusion rule.
type DiffSpec struct {
	Name    string  `yaml:"name"`
	Species string  `yaml:"species"`
	Dcst    float64 `yaml:"dcst"`
}

// SideSpec lists the surface, inner-volume and outer-volume terms of one side
// of a surface reaction.
type SideSpec struct {
	Surface []string `yaml:"surface"`
	Inner   []string `yaml:"inner"`
	Outer   []string `yaml:"outer"`
}

// SReacSpec is a surface reaction. Kcst applies to plain surface reactions,
// Rate to voltage-dependent ones.
type SReacSpec struct {
	Name string    `yaml:"name"`
	LHS  SideSpec  `yaml:"lhs"`
	RHS  SideSpec  `yaml:"rhs"`
	Kcst float64   `yaml:"kcst"`
	Rate *RateSpec `yaml:"rate"`
}

// VDepTransSpec is a voltage-dependent channel transition.
type VDepTransSpec struct {
	Name string   `yaml:"name"`
	Src  string   `yaml:"src"`
	Dst  string   `yaml:"dst"`
	Rate RateSpec `yaml:"rate"`
}

// RateSpec is a rate as a function of membrane potential. Exactly one of
// Constant, Exp or Rates is set. Exp tabulates A*exp(B*V) over the grid.
type RateSpec struct {
	Constant *float64  `yaml:"constant"`
	Exp      *ExpRate  `yaml:"exp"`
	Rates    []float64 `yaml:"rates"`
	VMin     *float64  `yaml:"vmin"`
	VMax     *float64  `yaml:"vmax"`
	DV       *float64  `yaml:"dv"`
}

// ExpRate is A*exp(B*V).
type ExpRate struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
}

// GHKSpec is a GHK current.
type GHKSpec struct {
	Name             string   `yaml:"name"`
	Channel          string   `yaml:"channel"`
	Ion              string   `yaml:"ion"`
	Permeability     float64  `yaml:"permeability"`
	Temperature      float64  `yaml:"temperature"`
	RealFlux         bool     `yaml:"real_flux"`
	VirtualOuterConc *float64 `yaml:"virtual_outer_conc"`
	VShift           float64  `yaml:"vshift"`
}

// OhmicSpec is an ohmic current.
type OhmicSpec struct {
	Name    string  `yaml:"name"`
	Channel string  `yaml:"channel"`
	G       float64 `yaml:"g"`
	ERev    float64 `yaml:"erev"`
}

// GeometrySpec selects exactly one synthetic geometry.
type GeometrySpec struct {
	WellMixed *WellMixedSpec `yaml:"well_mixed"`
	Chain     *ChainSpec     `yaml:"chain"`
}

// WellMixedSpec lists well-mixed compartments and the patches joining them.
type WellMixedSpec struct {
	Volumes []VolumeSpec `yaml:"volumes"`
	Patches []PatchSpec  `yaml:"patches"`
}

// VolumeSpec is one well-mixed volume.
type VolumeSpec struct {
	Region string  `yaml:"region"`
	Volume float64 `yaml:"volume"`
}

// PatchSpec joins two volumes of a WellMixedSpec by index. A nil Outer means
// no outer volume.
type PatchSpec struct {
	Region string  `yaml:"region"`
	Area   float64 `yaml:"area"`
	Inner  int     `yaml:"inner"`
	Outer  *int    `yaml:"outer"`
}

// ChainSpec is a chain of cells with an optional membrane.
type ChainSpec struct {
	Region        string        `yaml:"region"`
	Cells         int           `yaml:"cells"`
	Pitch         float64       `yaml:"pitch"`
	Split         int           `yaml:"split"`
	SplitRegion   string        `yaml:"split_region"`
	SplitBoundary string        `yaml:"split_boundary"`
	Membrane      *MembraneSpec `yaml:"membrane"`
}

// MembraneSpec adds an outer chain joined by a patch.
type MembraneSpec struct {
	Outer    string `yaml:"outer"`
	Patch    string `yaml:"patch"`
	Boundary string `yaml:"boundary"`
}

// InitSpec places Count molecules of a species in a region. Without Element
// the count is spread over the region's elements in proportion to their size;
// with Element it goes to that geometry index only.
type InitSpec struct {
	Species string `yaml:"species"`
	Region  string `yaml:"region"`
	Count   uint32 `yaml:"count"`
	Element *int   `yaml:"element"`
	Clamped bool   `yaml:"clamped"`
}

// GateSpec opens a diffusion boundary for one species.
type GateSpec struct {
	Name    string `yaml:"name"`
	Species string `yaml:"species"`
	Active  bool   `yaml:"active"`
}

// SolverSpec holds solver options.
type SolverSpec struct {
	Method      string   `yaml:"method"`
	Seed        *int64   `yaml:"seed"`
	Independent *bool    `yaml:"independent"`
	Parallel    *bool    `yaml:"parallel"`
	End         *float64 `yaml:"end"`
	Trace       string   `yaml:"trace"`
	TraceLimit  int      `yaml:"trace_limit"`
}

// EFieldSpec configures the field solver. With Capacitance set the membrane is
// a lumped capacitor starting at Potential; otherwise the potential is fixed.
type EFieldSpec struct {
	DT          *float64      `yaml:"dt"`
	Potential   float64       `yaml:"potential"`
	Capacitance *float64      `yaml:"capacitance"`
	Patches     []string      `yaml:"patches"`
	Stimulus    *StimulusSpec `yaml:"stimulus"`
}

// StimulusSpec is a constant current injection starting at Start.
type StimulusSpec struct {
	Amps  float64 `yaml:"amps"`
	Start float64 `yaml:"start"`
}

// Load reads a scenario file with strict field checking.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario document. Unknown fields are errors.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks names, references and parameter ranges without building
// anything.
func (sc *Scenario) Validate() error {
	species := make(map[string]bool)
	for _, sp := range sc.Species {
		if sp.Name == "" {
			return fmt.Errorf("species with empty name")
		}
		if species[sp.Name] {
			return fmt.Errorf("duplicate species %q", sp.Name)
		}
		species[sp.Name] = true
	}
	regions := make(map[string]bool)
	for _, r := range sc.Compartments {
		if err := addRegion(regions, r.Name); err != nil {
			return err
		}
		if r.Inner != "" || r.Outer != "" || len(r.SurfaceReacs)+len(r.VDepSReacs)+len(r.VDepTrans)+len(r.GHKCurrents)+len(r.OhmicCurrents) > 0 {
			return fmt.Errorf("compartment %q declares patch-only fields", r.Name)
		}
	}
	comps := make(map[string]bool, len(regions))
	for name := range regions {
		comps[name] = true
	}
	for _, p := range sc.Patches {
		if err := addRegion(regions, p.Name); err != nil {
			return err
		}
		if !comps[p.Inner] {
			return fmt.Errorf("patch %q: unknown inner compartment %q", p.Name, p.Inner)
		}
		if p.Outer != "" && !comps[p.Outer] {
			return fmt.Errorf("patch %q: unknown outer compartment %q", p.Name, p.Outer)
		}
		if len(p.Reactions) > 0 {
			return fmt.Errorf("patch %q declares volume reactions", p.Name)
		}
		for _, r := range p.VDepSReacs {
			if r.Rate == nil {
				return fmt.Errorf("%s: voltage-dependent surface reaction without rate", r.Name)
			}
		}
	}
	for _, r := range append(append([]RegionSpec(nil), sc.Compartments...), sc.Patches...) {
		if err := r.checkSpecies(species); err != nil {
			return err
		}
	}
	if (sc.Geometry.WellMixed == nil) == (sc.Geometry.Chain == nil) {
		return fmt.Errorf("geometry: exactly one of well_mixed and chain must be set")
	}
	for _, in := range sc.Initial {
		if !species[in.Species] {
			return fmt.Errorf("initial: unknown species %q", in.Species)
		}
		if !regions[in.Region] {
			return fmt.Errorf("initial: unknown region %q", in.Region)
		}
	}
	for _, g := range sc.Boundaries {
		if g.Name == "" || !species[g.Species] {
			return fmt.Errorf("boundary %q: unknown species %q", g.Name, g.Species)
		}
	}
	if !sim.IsValidMethod(sc.Solver.Method) {
		return fmt.Errorf("unknown method %q", sc.Solver.Method)
	}
	if !trace.IsValidTraceLevel(sc.Solver.Trace) {
		return fmt.Errorf("unknown trace level %q", sc.Solver.Trace)
	}
	if sc.Solver.TraceLimit < 0 {
		return fmt.Errorf("trace_limit must be non-negative, got %d", sc.Solver.TraceLimit)
	}
	if sc.Solver.End != nil && *sc.Solver.End < 0 {
		return fmt.Errorf("end must be non-negative, got %g", *sc.Solver.End)
	}
	if sc.Solver.Parallel != nil && *sc.Solver.Parallel && (sc.Solver.Independent == nil || !*sc.Solver.Independent) {
		return fmt.Errorf("parallel requires independent")
	}
	if ef := sc.EField; ef != nil {
		if ef.DT == nil || *ef.DT <= 0 {
			return fmt.Errorf("efield: dt must be positive")
		}
		if ef.Capacitance != nil && *ef.Capacitance <= 0 {
			return fmt.Errorf("efield: capacitance must be positive, got %g", *ef.Capacitance)
		}
		for _, p := range ef.Patches {
			if !regions[p] || comps[p] {
				return fmt.Errorf("efield: unknown patch %q", p)
			}
		}
	}
	return nil
}

func addRegion(regions map[string]bool, name string) error {
	if name == "" {
		return fmt.Errorf("region with empty name")
	}
	if regions[name] {
		return fmt.Errorf("duplicate region %q", name)
	}
	regions[name] = true
	return nil
}

func (r *RegionSpec) checkSpecies(known map[string]bool) error {
	check := func(rule string, names ...string) error {
		for _, n := range names {
			if !known[n] {
				return fmt.Errorf("%s %q: unknown species %q", r.Name, rule, n)
			}
		}
		return nil
	}
	if err := check("species", r.Species...); err != nil {
		return err
	}
	for _, x := range r.Reactions {
		if err := check(x.Name, append(append([]string(nil), x.LHS...), x.RHS...)...); err != nil {
			return err
		}
	}
	for _, x := range r.Diffusion {
		if err := check(x.Name, x.Species); err != nil {
			return err
		}
	}
	for _, x := range append(append([]SReacSpec(nil), r.SurfaceReacs...), r.VDepSReacs...) {
		for _, s := range []SideSpec{x.LHS, x.RHS} {
			if err := check(x.Name, append(append(append([]string(nil), s.Surface...), s.Inner...), s.Outer...)...); err != nil {
				return err
			}
		}
	}
	for _, x := range r.VDepTrans {
		if err := check(x.Name, x.Src, x.Dst); err != nil {
			return err
		}
	}
	for _, x := range r.GHKCurrents {
		if err := check(x.Name, x.Channel, x.Ion); err != nil {
			return err
		}
	}
	for _, x := range r.OhmicCurrents {
		if err := check(x.Name, x.Channel); err != nil {
			return err
		}
	}
	return nil
}
