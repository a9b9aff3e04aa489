// Package trace provides firing-trace recording for run analysis and replay checks.
// This package has no dependencies on sim/; it stores pure data types.
package trace

// FiringRecord captures a single fired process.
type FiringRecord struct {
	Step    uint64
	Clock   float64 // simulation time after the firing, s
	DT      float64 // waiting time since the previous firing, s
	KProc   int32
	Kind    string
	Element int32
	Branch  int // diffusion direction; 0 otherwise
	Group   int // scheduling group
}
