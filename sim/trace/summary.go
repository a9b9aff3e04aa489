package trace

import (
	"math"
	"sort"
)

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalFirings     int
	Duration         float64
	MeanDT           float64
	MaxDT            float64
	MedianDT         float64
	P99DT            float64
	UniqueProcesses  int
	KindDistribution map[string]int // process kind → firings
	GroupFirings     map[int]int    // scheduling group → firings
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		KindDistribution: make(map[string]int),
		GroupFirings:     make(map[int]int),
	}
	if st == nil || len(st.Firings) == 0 {
		return summary
	}

	seen := make(map[int32]bool)
	totalDT := 0.0
	dts := make([]float64, 0, len(st.Firings))
	for _, f := range st.Firings {
		dts = append(dts, f.DT)
		summary.KindDistribution[f.Kind]++
		summary.GroupFirings[f.Group]++
		seen[f.KProc] = true
		totalDT += f.DT
		if f.DT > summary.MaxDT {
			summary.MaxDT = f.DT
		}
	}
	summary.TotalFirings = len(st.Firings)
	summary.MeanDT = totalDT / float64(len(st.Firings))
	sort.Float64s(dts)
	summary.MedianDT = Percentile(dts, 50)
	summary.P99DT = Percentile(dts, 99)
	summary.Duration = st.Firings[len(st.Firings)-1].Clock - st.Firings[0].Clock + st.Firings[0].DT
	summary.UniqueProcesses = len(seen)

	return summary
}

// Percentile returns the p-th percentile of sorted data, interpolating
// linearly between the two nearest ranks. Empty data yields zero.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := p / 100.0 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if hi >= n {
		return sorted[n-1]
	}
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}
