package sim

import (
	"errors"
	"fmt"
)

// MaxSpeciesStoich is the largest per-species reactant multiplicity the
// propensity code handles (falling factorial unrolled to four terms).
const MaxSpeciesStoich = 4

// SpeciesID is a model-global species index.
type SpeciesID int

// Species is a chemical species or channel state.
type Species struct {
	Name    string
	Valence int
}

// Term is one stoichiometric entry of a rule side.
type Term struct {
	Species SpeciesID
	N       uint32
}

// Terms builds a stoichiometry list from a species multiset: repeated ids
// accumulate into one term.
func Terms(ids ...SpeciesID) []Term {
	var out []Term
	for _, id := range ids {
		found := false
		for i := range out {
			if out[i].Species == id {
				out[i].N++
				found = true
				break
			}
		}
		if !found {
			out = append(out, Term{Species: id, N: 1})
		}
	}
	return out
}

// RegionKind distinguishes compartments (volume) from patches (surface).
type RegionKind uint8

const (
	RegionVolume RegionKind = iota
	RegionSurface
)

func (k RegionKind) String() string {
	if k == RegionSurface {
		return "patch"
	}
	return "compartment"
}

// Region is a compartment or patch together with the rules declared in it.
// Species are addressed inside the region by a dense local index.
type Region struct {
	Name  string
	Kind  RegionKind
	Inner *Region // patches only
	Outer *Region // patches only, may be nil

	Reacs      []*ReacDef
	Diffs      []*DiffDef
	SReacs     []*SReacDef
	VDepTrans  []*VDepTransDef
	VDepSReacs []*VDepSReacDef
	GHKCurrs   []*GHKCurrDef
	OhmicCurrs []*OhmicCurrDef

	species []SpeciesID
	local   map[SpeciesID]int
}

// Declare adds species to the region's pool table.
func (r *Region) Declare(ids ...SpeciesID) {
	for _, id := range ids {
		r.include(id)
	}
}

func (r *Region) include(id SpeciesID) {
	if r.local == nil {
		r.local = make(map[SpeciesID]int)
	}
	if _, ok := r.local[id]; ok {
		return
	}
	r.local[id] = len(r.species)
	r.species = append(r.species, id)
}

// CountSpecies returns the size of the region's pool table.
func (r *Region) CountSpecies() int { return len(r.species) }

// Species returns the global id of local species index i.
func (r *Region) Species(i int) SpeciesID { return r.species[i] }

// LocalIndex maps a global species id to the region-local index.
func (r *Region) LocalIndex(id SpeciesID) (int, bool) {
	i, ok := r.local[id]
	return i, ok
}

// AddReac declares a volume reaction. Only valid on compartments.
func (r *Region) AddReac(d ReacDef) *ReacDef {
	p := &d
	r.Reacs = append(r.Reacs, p)
	return p
}

// AddDiff declares a diffusion rule (volume or surface, following the region kind).
func (r *Region) AddDiff(d DiffDef) *DiffDef {
	p := &d
	r.Diffs = append(r.Diffs, p)
	return p
}

// AddSReac declares a surface reaction. Only valid on patches.
func (r *Region) AddSReac(d SReacDef) *SReacDef {
	p := &d
	r.SReacs = append(r.SReacs, p)
	return p
}

// AddVDepTrans declares a voltage-dependent channel-state transition.
func (r *Region) AddVDepTrans(d VDepTransDef) *VDepTransDef {
	p := &d
	r.VDepTrans = append(r.VDepTrans, p)
	return p
}

// AddVDepSReac declares a voltage-dependent surface reaction.
func (r *Region) AddVDepSReac(d VDepSReacDef) *VDepSReacDef {
	p := &d
	r.VDepSReacs = append(r.VDepSReacs, p)
	return p
}

// AddGHKCurr declares a GHK flux current.
func (r *Region) AddGHKCurr(d GHKCurrDef) *GHKCurrDef {
	p := &d
	r.GHKCurrs = append(r.GHKCurrs, p)
	return p
}

// AddOhmicCurr declares an ohmic current through a channel state.
func (r *Region) AddOhmicCurr(d OhmicCurrDef) *OhmicCurrDef {
	p := &d
	r.OhmicCurrs = append(r.OhmicCurrs, p)
	return p
}

// Model is the static rule universe handed to the kinetic core.
type Model struct {
	Species []Species
	Regions []*Region

	speciesByName map[string]SpeciesID
	regionByName  map[string]*Region
	finalized     bool
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{
		speciesByName: make(map[string]SpeciesID),
		regionByName:  make(map[string]*Region),
	}
}

// AddSpecies registers a species (or channel state) and returns its id.
// Registering an existing name returns the existing id.
func (m *Model) AddSpecies(name string, valence int) SpeciesID {
	if id, ok := m.speciesByName[name]; ok {
		return id
	}
	id := SpeciesID(len(m.Species))
	m.Species = append(m.Species, Species{Name: name, Valence: valence})
	m.speciesByName[name] = id
	return id
}

// SpeciesByName looks up a species id.
func (m *Model) SpeciesByName(name string) (SpeciesID, bool) {
	id, ok := m.speciesByName[name]
	return id, ok
}

// AddCompartment registers a volume region.
func (m *Model) AddCompartment(name string) *Region {
	r := &Region{Name: name, Kind: RegionVolume}
	m.Regions = append(m.Regions, r)
	m.regionByName[name] = r
	return r
}

// AddPatch registers a surface region between an inner and an optional outer compartment.
func (m *Model) AddPatch(name string, inner, outer *Region) *Region {
	r := &Region{Name: name, Kind: RegionSurface, Inner: inner, Outer: outer}
	m.Regions = append(m.Regions, r)
	m.regionByName[name] = r
	return r
}

// Region looks up a region by name.
func (m *Model) Region(name string) (*Region, bool) {
	r, ok := m.regionByName[name]
	return r, ok
}

// Finalize resolves every rule against the regions' local species tables.
// It is idempotent; the kinetic core calls it during system setup.
func (m *Model) Finalize() error {
	if m.finalized {
		return nil
	}
	for _, r := range m.Regions {
		if err := m.collectSpecies(r); err != nil {
			return err
		}
	}
	for _, r := range m.Regions {
		if err := m.compileRegion(r); err != nil {
			return err
		}
	}
	m.finalized = true
	return nil
}

func (m *Model) checkSpecies(subject string, ids ...SpeciesID) error {
	for _, id := range ids {
		if id < 0 || int(id) >= len(m.Species) {
			return configErrorf(subject, "unknown species id %d", id)
		}
	}
	return nil
}

func termIDs(sides ...[]Term) []SpeciesID {
	var ids []SpeciesID
	for _, s := range sides {
		for _, t := range s {
			ids = append(ids, t.Species)
		}
	}
	return ids
}

// collectSpecies makes every species referenced by a rule part of the pool
// table of the region that holds it.
func (m *Model) collectSpecies(r *Region) error {
	if r.Kind == RegionVolume {
		if len(r.SReacs)+len(r.VDepTrans)+len(r.VDepSReacs)+len(r.GHKCurrs)+len(r.OhmicCurrs) > 0 {
			return configErrorf(r.Name, "surface rules declared on a compartment")
		}
		for _, d := range r.Reacs {
			ids := termIDs(d.LHS, d.RHS)
			if err := m.checkSpecies(d.Name, ids...); err != nil {
				return err
			}
			r.Declare(ids...)
		}
		for _, d := range r.Diffs {
			if err := m.checkSpecies(d.Name, d.Species); err != nil {
				return err
			}
			r.Declare(d.Species)
		}
		return nil
	}

	if len(r.Reacs) > 0 {
		return configErrorf(r.Name, "volume reactions declared on a patch")
	}
	if r.Inner == nil {
		return configErrorf(r.Name, "patch has no inner compartment")
	}
	addSides := func(name string, sr *surfaceRule) error {
		if err := m.checkSpecies(name, termIDs(sr.LHSSurf, sr.RHSSurf, sr.LHSIn, sr.RHSIn, sr.LHSOut, sr.RHSOut)...); err != nil {
			return err
		}
		r.Declare(termIDs(sr.LHSSurf, sr.RHSSurf)...)
		r.Inner.Declare(termIDs(sr.LHSIn, sr.RHSIn)...)
		if out := termIDs(sr.LHSOut, sr.RHSOut); len(out) > 0 {
			if r.Outer == nil {
				return configErrorf(name, "outer-volume species on patch %q without outer compartment", r.Name)
			}
			r.Outer.Declare(out...)
		}
		return nil
	}
	for _, d := range r.SReacs {
		if err := addSides(d.Name, &d.surfaceRule); err != nil {
			return err
		}
	}
	for _, d := range r.VDepSReacs {
		if err := addSides(d.Name, &d.surfaceRule); err != nil {
			return err
		}
	}
	for _, d := range r.Diffs {
		if err := m.checkSpecies(d.Name, d.Species); err != nil {
			return err
		}
		r.Declare(d.Species)
	}
	for _, d := range r.VDepTrans {
		if err := m.checkSpecies(d.Name, d.Src, d.Dst); err != nil {
			return err
		}
		r.Declare(d.Src, d.Dst)
	}
	for _, d := range r.GHKCurrs {
		if err := m.checkSpecies(d.Name, d.ChanState, d.Ion); err != nil {
			return err
		}
		r.Declare(d.ChanState)
		r.Inner.Declare(d.Ion)
		switch {
		case r.Outer != nil:
			r.Outer.Declare(d.Ion)
		case !d.VirtualOuter:
			return configErrorf(d.Name, "GHK current needs an outer compartment or a virtual outer concentration")
		}
	}
	for _, d := range r.OhmicCurrs {
		if err := m.checkSpecies(d.Name, d.ChanState); err != nil {
			return err
		}
		r.Declare(d.ChanState)
	}
	return nil
}

func (m *Model) compileRegion(r *Region) error {
	for _, d := range r.Reacs {
		if err := d.compile(r); err != nil {
			return err
		}
	}
	for _, d := range r.Diffs {
		if d.Dcst < 0 {
			return configErrorf(d.Name, "negative diffusion constant %g", d.Dcst)
		}
		d.lidx, _ = r.LocalIndex(d.Species)
	}
	for _, d := range r.SReacs {
		if err := d.surfaceRule.compile(d.Name, r, d.Kcst); err != nil {
			return err
		}
	}
	for _, d := range r.VDepSReacs {
		if err := d.surfaceRule.compile(d.Name, r, 0); err != nil {
			return err
		}
		if err := d.K.validate(d.Name); err != nil {
			return err
		}
	}
	for _, d := range r.VDepTrans {
		if d.Src == d.Dst {
			return configErrorf(d.Name, "source and destination channel state are identical")
		}
		if err := d.Rate.validate(d.Name); err != nil {
			return err
		}
		d.src, _ = r.LocalIndex(d.Src)
		d.dst, _ = r.LocalIndex(d.Dst)
	}
	for _, d := range r.GHKCurrs {
		if err := d.compile(m, r); err != nil {
			return err
		}
	}
	for _, d := range r.OhmicCurrs {
		if d.G < 0 {
			return configErrorf(d.Name, "negative conductance %g", d.G)
		}
		d.chanIdx, _ = r.LocalIndex(d.ChanState)
	}
	return nil
}

// side is a rule side resolved against one region's pool table.
type side struct {
	lhs  []uint32 // reactant multiplicity per local species
	upd  []int32  // net change per local species
	dep  []bool   // rate depends on the species
	upds []int    // local indices with non-zero upd
}

func newSide(name string, r *Region, lhs, rhs []Term) (side, error) {
	n := r.CountSpecies()
	s := side{lhs: make([]uint32, n), upd: make([]int32, n), dep: make([]bool, n)}
	for _, t := range lhs {
		i, ok := r.LocalIndex(t.Species)
		if !ok {
			return side{}, configErrorf(name, "species %d not defined in %s %q", t.Species, r.Kind, r.Name)
		}
		s.lhs[i] += t.N
		s.upd[i] -= int32(t.N)
	}
	for _, t := range rhs {
		i, ok := r.LocalIndex(t.Species)
		if !ok {
			return side{}, configErrorf(name, "species %d not defined in %s %q", t.Species, r.Kind, r.Name)
		}
		s.upd[i] += int32(t.N)
	}
	for i := range s.lhs {
		if s.lhs[i] > MaxSpeciesStoich {
			return side{}, configErrorf(name, "reactant multiplicity %d exceeds supported maximum %d", s.lhs[i], MaxSpeciesStoich)
		}
		s.dep[i] = s.lhs[i] > 0
		if s.upd[i] != 0 {
			s.upds = append(s.upds, i)
		}
	}
	return s, nil
}

func (s side) order() uint32 {
	var o uint32
	for _, l := range s.lhs {
		o += l
	}
	return o
}

// ReacDef is a volume reaction.
type ReacDef struct {
	Name string
	LHS  []Term
	RHS  []Term
	Kcst float64 // macroscopic constant, (M^(1-order))/s

	side side
}

// Order is the total reactant count.
func (d *ReacDef) Order() uint32 {
	var o uint32
	for _, t := range d.LHS {
		o += t.N
	}
	return o
}

func (d *ReacDef) compile(r *Region) error {
	if d.Kcst < 0 {
		return configErrorf(d.Name, "negative rate constant %g", d.Kcst)
	}
	s, err := newSide(d.Name, r, d.LHS, d.RHS)
	if err != nil {
		return err
	}
	d.side = s
	return nil
}

// DiffDef is a diffusion rule for one species in a compartment or patch.
type DiffDef struct {
	Name    string
	Species SpeciesID
	Dcst    float64 // m^2/s

	lidx int
}

// surfaceRule is the shared shape of SReacDef and VDepSReacDef.
type surfaceRule struct {
	LHSSurf, LHSIn, LHSOut []Term
	RHSSurf, RHSIn, RHSOut []Term

	s, i, o side
	inner   bool // volume reactants sit in the inner compartment
	outer   bool // volume reactants sit in the outer compartment
	order   uint32
}

func (sr *surfaceRule) compile(name string, r *Region, kcst float64) error {
	if kcst < 0 {
		return configErrorf(name, "negative rate constant %g", kcst)
	}
	if len(sr.LHSIn) > 0 && len(sr.LHSOut) > 0 {
		return configErrorf(name, "reactants on both inner and outer volume")
	}
	var err error
	if sr.s, err = newSide(name, r, sr.LHSSurf, sr.RHSSurf); err != nil {
		return err
	}
	if sr.i, err = newSide(name, r.Inner, sr.LHSIn, sr.RHSIn); err != nil {
		return err
	}
	if r.Outer != nil {
		if sr.o, err = newSide(name, r.Outer, sr.LHSOut, sr.RHSOut); err != nil {
			return err
		}
	}
	sr.inner = len(sr.LHSIn) > 0
	sr.outer = len(sr.LHSOut) > 0
	sr.order = sr.s.order() + sr.i.order() + sr.o.order()
	if sr.order == 0 {
		return configErrorf(name, "zero-order surface reactions are not supported, use a zero-order volume reaction")
	}
	return nil
}

// SurfaceOnly reports whether all reactants live on the surface.
func (sr *surfaceRule) SurfaceOnly() bool { return !sr.inner && !sr.outer }

// SReacDef is a surface reaction. Volume reactants may come from the inner or
// the outer compartment, not both.
type SReacDef struct {
	Name string
	surfaceRule
	Kcst float64
}

// NewSReac returns a surface reaction definition.
func NewSReac(name string, kcst float64, lhsS, lhsI, lhsO, rhsS, rhsI, rhsO []Term) SReacDef {
	return SReacDef{Name: name, Kcst: kcst, surfaceRule: surfaceRule{
		LHSSurf: lhsS, LHSIn: lhsI, LHSOut: lhsO, RHSSurf: rhsS, RHSIn: rhsI, RHSOut: rhsO,
	}}
}

// VDepSReacDef is a surface reaction whose constant is a function of the
// local membrane potential.
type VDepSReacDef struct {
	Name string
	surfaceRule
	K RateTable
}

// NewVDepSReac returns a voltage-dependent surface reaction definition.
func NewVDepSReac(name string, k RateTable, lhsS, lhsI, lhsO, rhsS, rhsI, rhsO []Term) VDepSReacDef {
	return VDepSReacDef{Name: name, K: k, surfaceRule: surfaceRule{
		LHSSurf: lhsS, LHSIn: lhsI, LHSOut: lhsO, RHSSurf: rhsS, RHSIn: rhsI, RHSOut: rhsO,
	}}
}

// VDepTransDef moves one channel from Src to Dst at rate Rate(V) per channel.
type VDepTransDef struct {
	Name string
	Src  SpeciesID
	Dst  SpeciesID
	Rate RateTable

	src, dst int
}

// GHKCurrDef is a Goldman-Hodgkin-Katz flux through open channels.
type GHKCurrDef struct {
	Name         string
	ChanState    SpeciesID
	Ion          SpeciesID
	Permeability float64 // single-channel permeability, m^3/s
	Temperature  float64 // K; zero means 293.15
	// RealFlux moves an ion between inner and outer pools on each firing.
	RealFlux bool
	// VirtualOuter replaces the outer compartment concentration by VirtualOuterConc (mol/L).
	VirtualOuter     bool
	VirtualOuterConc float64
	VShift           float64 // V

	valence  int
	chanIdx  int
	ionInner int
	ionOuter int // -1 when there is no outer compartment
}

func (d *GHKCurrDef) compile(m *Model, r *Region) error {
	if d.Permeability < 0 {
		return configErrorf(d.Name, "negative permeability %g", d.Permeability)
	}
	d.valence = m.Species[d.Ion].Valence
	if d.valence == 0 {
		return configErrorf(d.Name, "GHK ion %q has zero valence", m.Species[d.Ion].Name)
	}
	if d.Temperature == 0 {
		d.Temperature = 293.15
	}
	d.chanIdx, _ = r.LocalIndex(d.ChanState)
	d.ionInner, _ = r.Inner.LocalIndex(d.Ion)
	d.ionOuter = -1
	if r.Outer != nil {
		if i, ok := r.Outer.LocalIndex(d.Ion); ok {
			d.ionOuter = i
		}
	}
	if d.VirtualOuter && d.VirtualOuterConc < 0 {
		return configErrorf(d.Name, "negative virtual outer concentration %g", d.VirtualOuterConc)
	}
	return nil
}

// OhmicCurrDef is a linear current g(V - ERev) per open channel.
type OhmicCurrDef struct {
	Name      string
	ChanState SpeciesID
	G         float64 // S per channel
	ERev      float64 // V

	chanIdx int
}

// RateTable is a rate sampled on a uniform voltage grid and linearly interpolated.
type RateTable struct {
	VMin  float64
	VMax  float64
	DV    float64
	Rates []float64
}

var errVoltageRange = errors.New("voltage outside rate table range")

// TabulateRate samples f on [vmin, vmax] with step dv.
func TabulateRate(f func(v float64) float64, vmin, vmax, dv float64) RateTable {
	n := int((vmax-vmin)/dv+0.5) + 1
	rates := make([]float64, n)
	for i := range rates {
		rates[i] = f(vmin + float64(i)*dv)
	}
	return RateTable{VMin: vmin, VMax: vmax, DV: dv, Rates: rates}
}

// ConstantRate is a table that returns k at every voltage.
func ConstantRate(k float64) RateTable {
	return RateTable{VMin: -1, VMax: 1, DV: 2, Rates: []float64{k, k}}
}

func (t RateTable) validate(name string) error {
	if t.DV <= 0 || t.VMax <= t.VMin || len(t.Rates) < 2 {
		return configErrorf(name, "malformed rate table (vmin=%g vmax=%g dv=%g n=%d)", t.VMin, t.VMax, t.DV, len(t.Rates))
	}
	for _, r := range t.Rates {
		if r < 0 {
			return configErrorf(name, "negative rate %g in table", r)
		}
	}
	return nil
}

// At interpolates the table at v.
func (t RateTable) At(v float64) (float64, error) {
	if v < t.VMin || v > t.VMax {
		return 0, fmt.Errorf("%w: %g not in [%g, %g]", errVoltageRange, v, t.VMin, t.VMax)
	}
	x := (v - t.VMin) / t.DV
	i := int(x)
	if i >= len(t.Rates)-1 {
		return t.Rates[len(t.Rates)-1], nil
	}
	frac := x - float64(i)
	return t.Rates[i] + frac*(t.Rates[i+1]-t.Rates[i]), nil
}
