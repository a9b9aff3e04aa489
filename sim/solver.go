package sim

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kprocsim/kprocsim/sim/trace"
)

// group is one independent scheduling domain with its own selector and
// random stream. No two groups read or write a common pool.
type group struct {
	id      int
	members []KProcID
	entries []*SchedData
	sel     Selector
	rng     *rand.Rand
	metrics Metrics
	remote  []CountChange

	proposed bool
	ok       bool
	next     float64
	cand     int
}

type membership struct {
	group int32
	index int32
}

// RunStatus reports how a call to Run ended.
type RunStatus struct {
	Steps     uint64 // firings during this call
	Exhausted bool   // total propensity reached zero before the end time
}

// Solver drives the select/apply/refresh loop over a System.
type Solver struct {
	sys     *System
	graph   *DependencyGraph
	mut     *Mutator
	cfg     SolverConfig
	groups  []*group
	members []membership // by process id

	clock     float64
	exhausted bool
	metrics   Metrics // run-level counters; per-group counters live in groups
	trace     *trace.SimulationTrace
}

// NewSolver wires the dependency graph of sys, partitions processes into
// scheduling groups and initialises every selector at time zero.
func NewSolver(sys *System, cfg SolverConfig) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Voltage != nil {
		sys.SetVoltageSource(cfg.Voltage)
	}
	if sys.HasVoltageDependence() && sys.voltage == nil {
		return nil, configErrorf("voltage", "voltage-dependent processes exist but no voltage source is configured")
	}
	if cfg.Parallel && cfg.Trace.Level == trace.TraceLevelFirings {
		logrus.Warnf("firing trace is not recorded in parallel mode")
		cfg.Trace.Level = trace.TraceLevelNone
	}
	graph, err := NewDependencyGraphBuilder(sys).Build()
	if err != nil {
		return nil, err
	}
	s := &Solver{
		sys:     sys,
		graph:   graph,
		mut:     NewMutator(sys, graph),
		cfg:     cfg,
		members: make([]membership, len(sys.KProcs)),
	}
	if cfg.Trace.Level == trace.TraceLevelFirings {
		s.trace = trace.NewSimulationTrace(cfg.Trace)
	}
	rngs := NewGroupStreams(NewSimulationKey(cfg.Seed))
	for gid, pids := range graph.Components(len(sys.KProcs), cfg.Independent) {
		g := &group{id: gid, members: pids, entries: make([]*SchedData, len(pids)), rng: rngs.ForGroup(gid)}
		for i, pid := range pids {
			g.entries[i] = &sys.KProcs[pid].Sched
			s.members[pid] = membership{group: int32(gid), index: int32(i)}
		}
		if g.sel, err = NewSelector(cfg.Method, g.entries, g.rng); err != nil {
			return nil, err
		}
		s.groups = append(s.groups, g)
	}
	s.refreshAll()
	logrus.Infof("solver ready: %s, %d scheduling groups", cfg, len(s.groups))
	return s, nil
}

// System returns the simulated system.
func (s *Solver) System() *System { return s.sys }

// Graph returns the dependency graph.
func (s *Solver) Graph() *DependencyGraph { return s.graph }

// Time returns the simulation clock in seconds.
func (s *Solver) Time() float64 { return s.clock }

// Exhausted reports whether the last Step or Run found zero total propensity.
func (s *Solver) Exhausted() bool { return s.exhausted }

// Trace returns the firing trace, nil when tracing is off.
func (s *Solver) Trace() *trace.SimulationTrace { return s.trace }

// Groups returns the number of scheduling groups.
func (s *Solver) Groups() int { return len(s.groups) }

// GroupOf returns the scheduling group of pid.
func (s *Solver) GroupOf(pid KProcID) int { return int(s.members[pid].group) }

// refreshAll recomputes every propensity and rebuilds all selectors.
func (s *Solver) refreshAll() {
	for pid := range s.sys.KProcs {
		s.sys.KProcs[pid].Sched.Rate = s.sys.Rate(KProcID(pid))
	}
	for _, g := range s.groups {
		g.sel.Rebuild(s.clock)
		g.proposed = false
	}
}

// refresh recomputes the propensities of pids after an external change and
// invalidates the affected groups' proposals.
func (s *Solver) refresh(pids []KProcID) {
	for _, q := range pids {
		m := s.members[q]
		g := s.groups[m.group]
		g.sel.Update(s.clock, int(m.index), s.sys.Rate(q))
		g.proposed = false
	}
}

func (s *Solver) propose(g *group, now float64) {
	if g.proposed {
		return
	}
	g.cand, g.next, g.ok = g.sel.Select(now)
	g.proposed = true
}

// earliest returns the group holding the earliest proposal, nil when every
// group is exhausted. Ties go to the lowest group id.
func (s *Solver) earliest() *group {
	var best *group
	for _, g := range s.groups {
		s.propose(g, s.clock)
		if g.ok && (best == nil || g.next < best.next) {
			best = g
		}
	}
	return best
}

// fire applies g's proposed process at now and refreshes its dependents.
func (s *Solver) fire(g *group, now, dt float64) KProcID {
	pid := g.members[g.cand]
	k := &s.sys.KProcs[pid]
	br := s.mut.Branch(pid, g.rng)
	upd := s.mut.Apply(pid, br, now)
	for _, q := range upd.Local {
		m := s.members[q]
		if int(m.group) != g.id {
			violate(fmt.Sprintf("dependent process %d belongs to group %d, not %d", q, m.group, g.id), pid, k.Kind, k.Elem, -1)
		}
		rate := s.sys.Rate(q)
		if q == pid {
			g.sel.Fired(now, int(m.index), rate)
		} else {
			g.sel.Update(now, int(m.index), rate)
		}
	}
	g.proposed = false
	g.remote = append(g.remote, upd.Remote...)
	g.metrics.Steps++
	g.metrics.Firings[k.Kind]++
	g.metrics.Refreshes += uint64(len(upd.Local))
	g.metrics.RemoteChanges += uint64(len(upd.Remote))

	if s.trace.Enabled() {
		s.trace.RecordFiring(trace.FiringRecord{
			Step: s.steps(), Clock: now, DT: dt, KProc: int32(pid), Kind: k.Kind.String(),
			Element: int32(k.Elem), Branch: br, Group: g.id,
		})
	}
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.Tracef("t=%.9g fired %s branch %d", now, s.sys.Describe(pid), br)
	}
	return pid
}

func (s *Solver) steps() uint64 {
	var n uint64
	for _, g := range s.groups {
		n += g.metrics.Steps
	}
	return n
}

// Step fires the next process. ok is false when the total propensity is zero;
// the clock is then left unchanged.
func (s *Solver) Step() (pid KProcID, dt float64, ok bool) {
	g := s.earliest()
	if g == nil {
		s.exhausted = true
		return -1, 0, false
	}
	s.exhausted = false
	dt = g.next - s.clock
	s.clock = g.next
	return s.fire(g, s.clock, dt), dt, true
}

// Run advances the clock to end, firing every process scheduled before it.
// On exhaustion the clock still advances to end.
func (s *Solver) Run(end float64) (RunStatus, error) {
	if end < s.clock {
		return RunStatus{}, fmt.Errorf("end time %g is before the current time %g", end, s.clock)
	}
	if s.cfg.Parallel && len(s.groups) > 1 {
		return s.runParallel(end)
	}
	start := s.steps()
	for {
		g := s.earliest()
		if g == nil {
			s.exhausted = true
			s.metrics.Exhaustions++
			break
		}
		s.exhausted = false
		if g.next > end {
			break
		}
		dt := g.next - s.clock
		s.clock = g.next
		s.fire(g, s.clock, dt)
	}
	s.clock = end
	return RunStatus{Steps: s.steps() - start, Exhausted: s.exhausted}, nil
}

// runParallel advances every group to end on its own goroutine. Groups share
// no pools, so their trajectories are independent; each keeps its own clock.
func (s *Solver) runParallel(end float64) (RunStatus, error) {
	start := s.steps()
	exhausted := make([]bool, len(s.groups))
	panics := make([]any, len(s.groups))
	var eg errgroup.Group
	for _, g := range s.groups {
		eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panics[g.id] = r
				}
			}()
			now := s.clock
			for {
				s.propose(g, now)
				if !g.ok {
					exhausted[g.id] = true
					return nil
				}
				if g.next > end {
					return nil
				}
				dt := g.next - now
				now = g.next
				s.fire(g, now, dt)
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return RunStatus{}, err
	}
	for _, p := range panics {
		if p != nil {
			panic(p)
		}
	}
	s.exhausted = true
	for _, x := range exhausted {
		s.exhausted = s.exhausted && x
	}
	if s.exhausted {
		s.metrics.Exhaustions++
	}
	s.clock = end
	return RunStatus{Steps: s.steps() - start, Exhausted: s.exhausted}, nil
}

// RunEField advances to end in electrical steps of dt. At every step boundary
// each local membrane triangle reports its current to field, the field
// advances, and voltage-dependent propensities are refreshed.
func (s *Solver) RunEField(end, dt float64, field FieldSolver) error {
	if dt <= 0 {
		return fmt.Errorf("electrical time step %g must be positive", dt)
	}
	if end < s.clock {
		return fmt.Errorf("end time %g is before the current time %g", end, s.clock)
	}
	s.sys.SetVoltageSource(field)
	s.refresh(s.voltageDependent())
	for s.clock < end {
		t0 := s.clock
		t1 := t0 + dt
		if end-t1 < dt*1e-6 {
			// absorb rounding left over from accumulating dt
			t1 = end
		}
		if _, err := s.Run(t1); err != nil {
			return err
		}
		span := t1 - t0
		for i := 0; i < s.sys.CountSurfaces(); i++ {
			id := s.sys.Surface(i)
			if s.sys.Elements[id].membrane == nil || !s.sys.isLocal(id) {
				continue
			}
			field.SetSurfaceCurrent(i, s.sys.MembraneCurrent(id, field.SurfaceV(i), span, t1))
		}
		field.Advance(span)
		s.refresh(s.voltageDependent())
		s.metrics.FieldSteps++
	}
	return nil
}

func (s *Solver) voltageDependent() []KProcID {
	var out []KProcID
	for pid := range s.sys.KProcs {
		if s.sys.KProcs[pid].Kind.VoltageDependent() {
			out = append(out, KProcID(pid))
		}
	}
	return out
}

// Reset zeroes all pools and extents, reactivates every process, restores
// rule constants and rewinds the clock to zero.
func (s *Solver) Reset() {
	s.sys.reset()
	s.clock = 0
	s.exhausted = false
	s.metrics = Metrics{}
	for _, g := range s.groups {
		g.metrics = Metrics{}
		g.remote = nil
	}
	if s.trace != nil {
		s.trace = trace.NewSimulationTrace(s.cfg.Trace)
	}
	s.refreshAll()
}

// Metrics returns a snapshot of run statistics.
func (s *Solver) Metrics() *Metrics {
	m := s.metrics
	for _, g := range s.groups {
		m.merge(&g.metrics)
		m.TotalRate += g.sel.Total()
	}
	m.SimTime = s.clock
	return &m
}

// RemoteChanges drains the count changes produced for other ranks since the
// last call. Changes are ordered by group, then by firing.
func (s *Solver) RemoteChanges() []CountChange {
	var out []CountChange
	for _, g := range s.groups {
		out = append(out, g.remote...)
		g.remote = nil
	}
	return out
}

// ApplyRemoteChanges applies count changes received from other ranks and
// refreshes the processes reading the changed pools.
func (s *Solver) ApplyRemoteChanges(changes []CountChange) error {
	refresh, err := s.mut.ApplyRemote(changes, s.clock)
	if err != nil {
		return err
	}
	s.refresh(refresh)
	s.metrics.RemoteApplied += uint64(len(changes))
	return nil
}

func (s *Solver) pool(id ElementID, sp SpeciesID) (*Element, int, error) {
	if id < 0 || int(id) >= len(s.sys.Elements) {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownElement, id)
	}
	e := &s.sys.Elements[id]
	i, ok := e.Region.LocalIndex(sp)
	if !ok {
		return nil, 0, fmt.Errorf("%w: species %d in %s", ErrUnknownSpecies, sp, e)
	}
	return e, i, nil
}

// Count returns the molecule count of species sp in element id.
func (s *Solver) Count(id ElementID, sp SpeciesID) (uint32, error) {
	e, i, err := s.pool(id, sp)
	if err != nil {
		return 0, err
	}
	return e.pools[i], nil
}

// SetCount sets the molecule count of species sp in element id, clamped or not.
func (s *Solver) SetCount(id ElementID, sp SpeciesID, n uint32) error {
	_, i, err := s.pool(id, sp)
	if err != nil {
		return err
	}
	refresh, err := s.mut.SetCount(id, i, n, s.clock)
	if err != nil {
		return err
	}
	s.refresh(refresh)
	return nil
}

// SetClamped holds species sp in element id at its present count.
func (s *Solver) SetClamped(id ElementID, sp SpeciesID, clamped bool) error {
	_, i, err := s.pool(id, sp)
	if err != nil {
		return err
	}
	s.mut.SetClamped(id, i, clamped)
	return nil
}

func (s *Solver) kproc(pid KProcID) (*KProc, error) {
	if pid < 0 || int(pid) >= len(s.sys.KProcs) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKProc, pid)
	}
	return &s.sys.KProcs[pid], nil
}

// Extent returns the number of times pid has fired.
func (s *Solver) Extent(pid KProcID) (uint64, error) {
	k, err := s.kproc(pid)
	if err != nil {
		return 0, err
	}
	return k.Extent, nil
}

// Rate returns the cached propensity of pid.
func (s *Solver) Rate(pid KProcID) (float64, error) {
	k, err := s.kproc(pid)
	if err != nil {
		return 0, err
	}
	return k.Sched.Rate, nil
}

// SetKcst sets the macroscopic constant of a reaction or surface reaction
// process and rescales it.
func (s *Solver) SetKcst(pid KProcID, kcst float64) error {
	k, err := s.kproc(pid)
	if err != nil {
		return err
	}
	if k.Kind != KindReac && k.Kind != KindSReac {
		return fmt.Errorf("%w: set kcst on %s", ErrWrongKind, k.Kind)
	}
	if kcst < 0 {
		return fmt.Errorf("negative rate constant %g", kcst)
	}
	k.Kcst = kcst
	s.sys.rescale(pid)
	s.refresh([]KProcID{pid})
	return nil
}

// SetDcst sets the diffusion constant of a diffusion process.
func (s *Solver) SetDcst(pid KProcID, dcst float64) error {
	k, err := s.kproc(pid)
	if err != nil {
		return err
	}
	if k.Kind != KindDiff {
		return fmt.Errorf("%w: set dcst on %s", ErrWrongKind, k.Kind)
	}
	if dcst < 0 {
		return fmt.Errorf("negative diffusion constant %g", dcst)
	}
	k.Kcst = dcst
	s.sys.rescale(pid)
	s.refresh([]KProcID{pid})
	return nil
}

// SetActive enables or disables pid. Inactive processes have zero propensity.
func (s *Solver) SetActive(pid KProcID, active bool) error {
	k, err := s.kproc(pid)
	if err != nil {
		return err
	}
	k.Active = active
	s.refresh([]KProcID{pid})
	return nil
}

// SetDiffBoundaryActive opens or closes a diffusion boundary for species sp.
func (s *Solver) SetDiffBoundaryActive(name string, sp SpeciesID, active bool) error {
	b, ok := s.sys.Boundary(name)
	if !ok {
		return fmt.Errorf("unknown diffusion boundary %q", name)
	}
	s.sys.boundaries[b].active[sp] = active
	var touched []KProcID
	for pid := range s.sys.KProcs {
		k := &s.sys.KProcs[pid]
		if k.Kind != KindDiff {
			continue
		}
		e := &s.sys.Elements[k.Elem]
		if e.Region.Diffs[k.Rule].Species != sp {
			continue
		}
		for l := 0; l < e.NLinks; l++ {
			if e.Links[l].Boundary == b {
				s.sys.rescale(KProcID(pid))
				touched = append(touched, KProcID(pid))
				break
			}
		}
	}
	s.refresh(touched)
	return nil
}
