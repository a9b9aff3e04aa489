// Package efield provides reference field solvers for the kinetic core's
// electrical step loop.
package efield

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Stimulus returns an injected current in amperes (inward positive) at time t.
type Stimulus func(t float64) float64

// Fixed holds every membrane at a constant potential and records the
// currents reported to it.
type Fixed struct {
	V        float64
	currents []float64
	elapsed  float64
}

// NewFixed returns a fixed-potential solver for n surfaces.
func NewFixed(v float64, n int) *Fixed {
	return &Fixed{V: v, currents: make([]float64, n)}
}

func (f *Fixed) SurfaceV(int) float64 { return f.V }

func (f *Fixed) SetSurfaceCurrent(i int, amps float64) { f.currents[i] = amps }

func (f *Fixed) Advance(dt float64) { f.elapsed += dt }

// Current returns the total membrane current of the last step, A.
func (f *Fixed) Current() float64 { return floats.Sum(f.currents) }

// Elapsed returns the time advanced so far.
func (f *Fixed) Elapsed() float64 { return f.elapsed }

// Capacitor is an isopotential membrane: one potential shared by every
// surface, integrated with forward Euler from
//
//	C dV/dt = I_stim - sum(I_surface)
//
// where C is the specific capacitance times the total membrane area.
type Capacitor struct {
	Stimulus Stimulus

	v        float64
	c        float64 // F
	currents []float64
	t        float64
}

// NewCapacitor returns a lumped capacitor at potential v0 (V) with specific
// capacitance cm (F/m^2) over surfaces of the given areas (m^2). Surfaces
// that are not part of the membrane carry area zero.
func NewCapacitor(v0, cm float64, areas []float64) (*Capacitor, error) {
	if cm <= 0 {
		return nil, fmt.Errorf("specific capacitance %g must be positive", cm)
	}
	total := floats.Sum(areas)
	if total <= 0 {
		return nil, fmt.Errorf("membrane area %g must be positive", total)
	}
	logrus.Debugf("capacitor: %.4g F over %.4g m^2", cm*total, total)
	return &Capacitor{v: v0, c: cm * total, currents: make([]float64, len(areas))}, nil
}

func (c *Capacitor) SurfaceV(int) float64 { return c.v }

func (c *Capacitor) SetSurfaceCurrent(i int, amps float64) { c.currents[i] = amps }

// Advance integrates the potential over dt using the currents reported for
// the step just closed.
func (c *Capacitor) Advance(dt float64) {
	i := -floats.Sum(c.currents)
	if c.Stimulus != nil {
		i += c.Stimulus(c.t)
	}
	c.v += i * dt / c.c
	c.t += dt
	for k := range c.currents {
		c.currents[k] = 0
	}
}

// V returns the membrane potential.
func (c *Capacitor) V() float64 { return c.v }

// Capacitance returns the lumped capacitance, F.
func (c *Capacitor) Capacitance() float64 { return c.c }

// Time returns the time advanced so far.
func (c *Capacitor) Time() float64 { return c.t }

// ConstantStimulus injects amps from start onwards.
func ConstantStimulus(amps, start float64) Stimulus {
	return func(t float64) float64 {
		if t < start {
			return 0
		}
		return amps
	}
}
