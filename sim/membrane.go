package sim

import "math"

// Physical constants used by membrane currents.
const (
	ElementaryCharge = 1.602176634e-19 // C
	Faraday          = 96485.33212     // C/mol
	GasConstant      = 8.314462618     // J/(mol K)
)

// VoltageSource reports the membrane potential (inner minus outer, V) of a
// surface element, addressed by its index in Geometry.Surfaces.
type VoltageSource interface {
	SurfaceV(surface int) float64
}

// FieldSolver is the electric-field collaborator. At each electrical time step
// boundary the core reports every membrane triangle's current, then asks the
// solver to advance its potentials.
type FieldSolver interface {
	VoltageSource
	SetSurfaceCurrent(surface int, amps float64)
	Advance(dt float64)
}

// Membrane is the electrical bookkeeping of one surface element: charge moved
// by GHK events and the time-weighted open-channel integral of each ohmic
// current since the last electrical boundary.
type Membrane struct {
	ghkCharge     []int64   // elementary charges moved outward, per GHK current
	ohmicIntegral []float64 // channel-seconds, per ohmic current
	ohmicUpdated  []float64 // time of last integral update, per ohmic current
}

func newMembrane(r *Region) *Membrane {
	return &Membrane{
		ghkCharge:     make([]int64, len(r.GHKCurrs)),
		ohmicIntegral: make([]float64, len(r.OhmicCurrs)),
		ohmicUpdated:  make([]float64, len(r.OhmicCurrs)),
	}
}

// GHKCharge returns the elementary charges moved outward by GHK current i
// since the last electrical boundary.
func (m *Membrane) GHKCharge(i int) int64 { return m.ghkCharge[i] }

// OhmicIntegral returns the open-channel time integral of ohmic current i.
func (m *Membrane) OhmicIntegral(i int) float64 { return m.ohmicIntegral[i] }

// integrate accumulates open*(t - last) into ohmic current oc. It is called
// before a count change of the current's channel state.
func (m *Membrane) integrate(oc int, open uint32, t float64) {
	span := t - m.ohmicUpdated[oc]
	if span < 0 {
		violate("ohmic integral update moved backwards in time", -1, KindVDepTrans, NoElement, -1)
	}
	m.ohmicIntegral[oc] += float64(open) * span
	m.ohmicUpdated[oc] = t
}

func (m *Membrane) reset() {
	for i := range m.ghkCharge {
		m.ghkCharge[i] = 0
	}
	for i := range m.ohmicIntegral {
		m.ohmicIntegral[i] = 0
		m.ohmicUpdated[i] = 0
	}
}

// MembraneCurrent closes the electrical step ending at time t with length dt
// for surface element id and returns its current in amperes (outward
// positive). Ohmic integrals and GHK charge accumulators are reset.
func (s *System) MembraneCurrent(id ElementID, v, dt, t float64) float64 {
	e := &s.Elements[id]
	m := e.membrane
	if m == nil || dt <= 0 {
		return 0
	}
	var current float64
	for i, oc := range e.Region.OhmicCurrs {
		m.integrate(i, e.pools[oc.chanIdx], t)
		n := m.ohmicIntegral[i] / dt
		current += n * oc.G * (v - oc.ERev)
		m.ohmicIntegral[i] = 0
	}
	var charge int64
	for i := range m.ghkCharge {
		charge += m.ghkCharge[i]
		m.ghkCharge[i] = 0
	}
	current += float64(charge) * ElementaryCharge / dt
	return current
}

// ghkFlux returns the single-channel ion flux (ions/s, outward positive) of a
// GHK current at potential v with inner and outer concentrations in mol/m^3.
func ghkFlux(d *GHKCurrDef, v, cin, cout float64) float64 {
	v += d.VShift
	u := float64(d.valence) * Faraday * v / (GasConstant * d.Temperature)
	var g float64
	if math.Abs(u) < 1e-9 {
		// limit u -> 0 of u/(1-exp(-u))
		g = 1 + u/2
	} else {
		g = u / -math.Expm1(-u)
	}
	return d.Permeability * Avogadro * g * (cin - cout*math.Exp(-u))
}
