package sim

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

var checkpointMagic = [4]byte{'K', 'P', 'C', 'K'}

const checkpointVersion = 1

// ErrCheckpointMismatch is returned when a checkpoint does not fit the
// system it is restored into.
var ErrCheckpointMismatch = errors.New("checkpoint does not match system")

// CheckpointHeader is the fixed prefix of a checkpoint.
type CheckpointHeader struct {
	Version    uint16
	Method     Method
	Groups     uint32
	Elements   uint32
	KProcs     uint32
	Boundaries uint32
	Clock      float64
}

type cpWriter struct {
	w   *bufio.Writer
	buf [8]byte
	err error
}

func (c *cpWriter) write(b []byte) {
	if c.err == nil {
		_, c.err = c.w.Write(b)
	}
}

func (c *cpWriter) u8(v uint8) { c.buf[0] = v; c.write(c.buf[:1]) }
func (c *cpWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(c.buf[:2], v)
	c.write(c.buf[:2])
}
func (c *cpWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[:4], v)
	c.write(c.buf[:4])
}
func (c *cpWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(c.buf[:8], v)
	c.write(c.buf[:8])
}
func (c *cpWriter) f64(v float64) { c.u64(math.Float64bits(v)) }
func (c *cpWriter) flag(v bool) {
	if v {
		c.u8(1)
	} else {
		c.u8(0)
	}
}
func (c *cpWriter) str(s string) {
	c.u8(uint8(len(s)))
	c.write([]byte(s))
}

type cpReader struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (c *cpReader) read(n int) []byte {
	if c.err != nil {
		return c.buf[:n]
	}
	if _, err := io.ReadFull(c.r, c.buf[:n]); err != nil {
		c.err = fmt.Errorf("read checkpoint: %w", err)
	}
	return c.buf[:n]
}

func (c *cpReader) u8() uint8   { return c.read(1)[0] }
func (c *cpReader) u16() uint16 { return binary.LittleEndian.Uint16(c.read(2)) }
func (c *cpReader) u32() uint32 { return binary.LittleEndian.Uint32(c.read(4)) }
func (c *cpReader) u64() uint64 { return binary.LittleEndian.Uint64(c.read(8)) }
func (c *cpReader) f64() float64 {
	return math.Float64frombits(c.u64())
}
func (c *cpReader) flag() bool { return c.u8() != 0 }
func (c *cpReader) str() string {
	n := int(c.u8())
	if c.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		c.err = fmt.Errorf("read checkpoint: %w", err)
	}
	return string(b)
}

func (s *Solver) header() CheckpointHeader {
	m := s.cfg.Method
	if m == "" {
		m = MethodDirect
	}
	return CheckpointHeader{
		Version:    checkpointVersion,
		Method:     m,
		Groups:     uint32(len(s.groups)),
		Elements:   uint32(len(s.sys.Elements)),
		KProcs:     uint32(len(s.sys.KProcs)),
		Boundaries: uint32(len(s.sys.boundaries)),
		Clock:      s.clock,
	}
}

func writeHeader(c *cpWriter, h CheckpointHeader) {
	c.write(checkpointMagic[:])
	c.u16(h.Version)
	c.str(string(h.Method))
	c.u32(h.Groups)
	c.u32(h.Elements)
	c.u32(h.KProcs)
	c.u32(h.Boundaries)
	c.f64(h.Clock)
}

// ReadCheckpointHeader decodes the header at the start of r.
func ReadCheckpointHeader(r io.Reader) (CheckpointHeader, error) {
	c := &cpReader{r: r}
	return readHeader(c)
}

func readHeader(c *cpReader) (CheckpointHeader, error) {
	var magic [4]byte
	copy(magic[:], c.read(4))
	if c.err != nil {
		return CheckpointHeader{}, c.err
	}
	if magic != checkpointMagic {
		return CheckpointHeader{}, fmt.Errorf("not a checkpoint: bad magic %q", magic[:])
	}
	h := CheckpointHeader{Version: c.u16()}
	if c.err == nil && h.Version != checkpointVersion {
		return h, fmt.Errorf("unsupported checkpoint version %d", h.Version)
	}
	h.Method = Method(c.str())
	h.Groups = c.u32()
	h.Elements = c.u32()
	h.KProcs = c.u32()
	h.Boundaries = c.u32()
	h.Clock = c.f64()
	return h, c.err
}

// Checkpoint writes the complete kinetic state: pools, clamps, membrane
// accumulators, boundary flags and, per process in creation order, extent,
// active flag, constants and scheduler bookkeeping.
func (s *Solver) Checkpoint(w io.Writer) error {
	bw := bufio.NewWriter(w)
	c := &cpWriter{w: bw}
	writeHeader(c, s.header())
	c.flag(s.exhausted)

	for i := range s.sys.Elements {
		e := &s.sys.Elements[i]
		c.u8(uint8(e.Kind))
		c.u32(uint32(len(e.pools)))
		for _, n := range e.pools {
			c.u32(n)
		}
		for _, cl := range e.clamped {
			c.flag(cl)
		}
		c.flag(e.membrane != nil)
		if m := e.membrane; m != nil {
			c.u32(uint32(len(m.ghkCharge)))
			for _, q := range m.ghkCharge {
				c.u64(uint64(q))
			}
			c.u32(uint32(len(m.ohmicIntegral)))
			for j := range m.ohmicIntegral {
				c.f64(m.ohmicIntegral[j])
				c.f64(m.ohmicUpdated[j])
			}
		}
	}

	for _, b := range s.sys.boundaries {
		ids := make([]int, 0, len(b.active))
		for sp := range b.active {
			ids = append(ids, int(sp))
		}
		sort.Ints(ids)
		c.u32(uint32(len(ids)))
		for _, sp := range ids {
			c.u32(uint32(sp))
			c.flag(b.active[SpeciesID(sp)])
		}
	}

	for pid := range s.sys.KProcs {
		k := &s.sys.KProcs[pid]
		c.u8(uint8(k.Kind))
		c.u32(uint32(k.Elem))
		c.u32(uint32(k.Rule))
		c.u64(k.Extent)
		c.flag(k.Active)
		c.f64(k.Kcst)
		c.f64(k.Ccst)
		c.u8(k.ndirs)
		for d := range k.dirs {
			c.f64(k.dirs[d])
		}
		c.flag(k.Sched.Recorded)
		c.u32(uint32(k.Sched.Pow))
		c.u32(k.Sched.Pos)
		c.f64(k.Sched.Rate)
		c.f64(k.Sched.Next)
	}
	if c.err != nil {
		return fmt.Errorf("write checkpoint: %w", c.err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

type elementState struct {
	pools   []uint32
	clamped []bool
	ghk     []int64
	ohmic   []float64
	updated []float64
}

// Restore replaces the kinetic state with a checkpoint written by a solver
// over the same model, geometry and configuration. The state is only
// committed after the whole checkpoint decoded and matched the system.
// Pending random draws are not restored.
func (s *Solver) Restore(r io.Reader) error {
	c := &cpReader{r: bufio.NewReader(r)}
	h, err := readHeader(c)
	if err != nil {
		return err
	}
	want := s.header()
	want.Clock = h.Clock
	if h != want {
		return fmt.Errorf("%w: header %+v, system %+v", ErrCheckpointMismatch, h, want)
	}
	exhausted := c.flag()

	elems := make([]elementState, len(s.sys.Elements))
	for i := range s.sys.Elements {
		e := &s.sys.Elements[i]
		if kind := ElementKind(c.u8()); c.err == nil && kind != e.Kind {
			return fmt.Errorf("%w: element %d is %s, checkpoint has %s", ErrCheckpointMismatch, i, e.Kind, kind)
		}
		if n := c.u32(); c.err == nil && int(n) != len(e.pools) {
			return fmt.Errorf("%w: element %d has %d pools, checkpoint has %d", ErrCheckpointMismatch, i, len(e.pools), n)
		}
		st := elementState{pools: make([]uint32, len(e.pools)), clamped: make([]bool, len(e.pools))}
		for j := range st.pools {
			st.pools[j] = c.u32()
		}
		for j := range st.clamped {
			st.clamped[j] = c.flag()
		}
		if has := c.flag(); c.err == nil && has != (e.membrane != nil) {
			return fmt.Errorf("%w: element %d membrane presence differs", ErrCheckpointMismatch, i)
		}
		if m := e.membrane; m != nil {
			if n := c.u32(); c.err == nil && int(n) != len(m.ghkCharge) {
				return fmt.Errorf("%w: element %d GHK current count", ErrCheckpointMismatch, i)
			}
			st.ghk = make([]int64, len(m.ghkCharge))
			for j := range st.ghk {
				st.ghk[j] = int64(c.u64())
			}
			if n := c.u32(); c.err == nil && int(n) != len(m.ohmicIntegral) {
				return fmt.Errorf("%w: element %d ohmic current count", ErrCheckpointMismatch, i)
			}
			st.ohmic = make([]float64, len(m.ohmicIntegral))
			st.updated = make([]float64, len(m.ohmicIntegral))
			for j := range st.ohmic {
				st.ohmic[j] = c.f64()
				st.updated[j] = c.f64()
			}
		}
		if c.err != nil {
			return c.err
		}
		elems[i] = st
	}

	bounds := make([]map[SpeciesID]bool, len(s.sys.boundaries))
	for b := range bounds {
		n := c.u32()
		if c.err != nil {
			return c.err
		}
		bounds[b] = make(map[SpeciesID]bool, n)
		for j := uint32(0); j < n && c.err == nil; j++ {
			sp := SpeciesID(c.u32())
			bounds[b][sp] = c.flag()
		}
	}

	kprocs := make([]KProc, len(s.sys.KProcs))
	for pid := range s.sys.KProcs {
		cur := &s.sys.KProcs[pid]
		k := *cur
		kind := KProcKind(c.u8())
		elem := ElementID(c.u32())
		rule := int(c.u32())
		if c.err == nil && (kind != cur.Kind || elem != cur.Elem || rule != cur.Rule) {
			return fmt.Errorf("%w: process %d is %s, checkpoint has %s@%d rule %d", ErrCheckpointMismatch, pid, s.sys.Describe(KProcID(pid)), kind, elem, rule)
		}
		k.Extent = c.u64()
		k.Active = c.flag()
		k.Kcst = c.f64()
		k.Ccst = c.f64()
		k.ndirs = c.u8()
		for d := range k.dirs {
			k.dirs[d] = c.f64()
		}
		k.Sched.Recorded = c.flag()
		k.Sched.Pow = int32(c.u32())
		k.Sched.Pos = c.u32()
		k.Sched.Rate = c.f64()
		k.Sched.Next = c.f64()
		if c.err != nil {
			return c.err
		}
		if int(k.Sched.Pos) >= len(s.groups[s.members[pid].group].members) {
			return fmt.Errorf("%w: process %d scheduler position %d out of range", ErrCheckpointMismatch, pid, k.Sched.Pos)
		}
		kprocs[pid] = k
	}
	for _, g := range s.groups {
		if err := checkLayout(g, kprocs); err != nil {
			return fmt.Errorf("%w: group %d: %v", ErrCheckpointMismatch, g.id, err)
		}
	}

	// commit
	for i := range s.sys.Elements {
		e := &s.sys.Elements[i]
		copy(e.pools, elems[i].pools)
		copy(e.clamped, elems[i].clamped)
		if m := e.membrane; m != nil {
			copy(m.ghkCharge, elems[i].ghk)
			copy(m.ohmicIntegral, elems[i].ohmic)
			copy(m.ohmicUpdated, elems[i].updated)
		}
	}
	for b := range bounds {
		s.sys.boundaries[b].active = bounds[b]
	}
	copy(s.sys.KProcs, kprocs)
	s.clock = h.Clock
	s.exhausted = exhausted
	for _, g := range s.groups {
		g.sel.Restore()
		g.proposed = false
	}
	return nil
}

// checkLayout verifies that the decoded scheduler positions of a group's
// members describe a structure its selector can rebuild: every heap slot or
// bin slot is held by exactly one member and no slot is left empty.
func checkLayout(g *group, kprocs []KProc) error {
	switch g.sel.Method() {
	case MethodCompositionRejection:
		type slot struct {
			pow int32
			pos uint32
		}
		taken := make(map[slot]KProcID)
		size := make(map[int32]int)
		for _, pid := range g.members {
			sd := kprocs[pid].Sched
			if !sd.Recorded {
				continue
			}
			at := slot{sd.Pow, sd.Pos}
			if other, dup := taken[at]; dup {
				return fmt.Errorf("processes %d and %d share bin %d position %d", other, pid, sd.Pow, sd.Pos)
			}
			taken[at] = pid
			size[sd.Pow]++
		}
		for at := range taken {
			if int(at.pos) >= size[at.pow] {
				return fmt.Errorf("bin %d position %d leaves a gap in %d members", at.pow, at.pos, size[at.pow])
			}
		}
	case MethodGibsonBruck:
		seen := make([]bool, len(g.members))
		for _, pid := range g.members {
			pos := kprocs[pid].Sched.Pos
			if seen[pos] {
				return fmt.Errorf("heap position %d held twice", pos)
			}
			seen[pos] = true
		}
	default:
		for i, pid := range g.members {
			if pos := kprocs[pid].Sched.Pos; int(pos) != i {
				return fmt.Errorf("process %d at position %d, want %d", pid, pos, i)
			}
		}
	}
	return nil
}
