package sim

import (
	"fmt"

	"github.com/kprocsim/kprocsim/sim/trace"
)

// SchedulingConfig groups event-selection parameters.
type SchedulingConfig struct {
	Method      Method // "direct" (default), "gibson-bruck", "composition-rejection"
	Independent bool   // schedule connected components of the dependency graph separately
	Parallel    bool   // advance independent groups concurrently in Run (requires Independent)
}

// NewSchedulingConfig creates a SchedulingConfig.
func NewSchedulingConfig(method Method, independent, parallel bool) SchedulingConfig {
	return SchedulingConfig{Method: method, Independent: independent, Parallel: parallel}
}

// SolverConfig groups everything NewSolver needs besides the system.
type SolverConfig struct {
	SchedulingConfig
	Seed    int64
	Trace   trace.TraceConfig
	Voltage VoltageSource // required when voltage-dependent processes exist
}

// Validate checks option combinations. It does not inspect the system.
func (c *SolverConfig) Validate() error {
	if !IsValidMethod(string(c.Method)) {
		return configErrorf("method", "unknown selection method %q", c.Method)
	}
	if c.Parallel && !c.Independent {
		return configErrorf("parallel", "parallel execution requires independent groups")
	}
	if !trace.IsValidTraceLevel(string(c.Trace.Level)) {
		return configErrorf("trace", "unknown trace level %q", c.Trace.Level)
	}
	if c.Trace.Limit < 0 {
		return configErrorf("trace", "negative record limit %d", c.Trace.Limit)
	}
	return nil
}

func (c SolverConfig) String() string {
	m := c.Method
	if m == "" {
		m = MethodDirect
	}
	return fmt.Sprintf("method=%s independent=%t parallel=%t seed=%d trace=%s", m, c.Independent, c.Parallel, c.Seed, c.Trace.Level)
}
