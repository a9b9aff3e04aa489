// Package sim provides the kinetic-process engine for stochastic spatial
// reaction-diffusion simulation.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - kproc.go: the elementary process record (KProc) and its kinds
//   - propensity.go: rate computation per kind (falling-factorial mass action, tabulated voltage rates, GHK flux)
//   - deps.go: DependencyGraphBuilder and the immutable DependencyGraph
//   - solver.go: the select/apply/refresh loop
//
// # Architecture
//
// Setup is two-phase. NewSystem allocates every element and every process
// bound to a locally owned element; NewDependencyGraphBuilder(sys).Build()
// then wires dependencies once the whole process universe exists. NewSolver
// performs the second phase itself.
//
// Processes live in a single arena (System.KProcs) addressed by KProcID.
// Element pools are written only by the Mutator. Each scheduling group owns a
// Selector and a random stream:
//   - direct: flat recompute-all Gillespie method
//   - gibson-bruck: indexed priority queue of absolute firing times
//   - composition-rejection: power-of-two bins with rejection sampling
//
// Sub-packages:
//   - sim/mesh/: synthetic geometry builders
//   - sim/scenario/: YAML scenario loading
//   - sim/efield/: reference FieldSolver implementations
//   - sim/checkpoint/: checkpoint blob stores (filesystem, memory, S3)
//   - sim/results/: SQLite recording of counts and extents
//   - sim/telemetry/: Prometheus collector
//   - sim/trace/: firing trace recording
//
// # Errors
//
// Setup problems are returned as *ConfigError. Conditions that would corrupt
// statistics (negative propensity, negative count, cross-group dependency)
// panic with *InvariantViolation. Exhaustion is reported by Step's ok result
// and RunStatus.Exhausted.
package sim
