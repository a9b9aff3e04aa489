package sim

import (
	"errors"
	"fmt"
)

// ErrBuilderConsumed is returned when a DependencyGraphBuilder is built twice.
var ErrBuilderConsumed = errors.New("dependency graph builder already consumed")

// ConfigError reports a setup-time problem: malformed stoichiometry, unknown
// identifiers, unsupported reaction order or a topology that crosses a
// partition boundary. Setup never hands a partially built system to the caller
// when a ConfigError is returned.
type ConfigError struct {
	Subject string // rule, element or option the error refers to
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Subject, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(subject, format string, args ...any) error {
	return &ConfigError{Subject: subject, Err: fmt.Errorf(format, args...)}
}

// InvariantViolation is the panic value raised when continuing would corrupt
// simulation statistics: a negative propensity, a negative molecule count or an
// inconsistent dependency graph.
type InvariantViolation struct {
	What    string
	Process KProcID // -1 when not tied to a process
	Kind    KProcKind
	Element ElementID // -1 when not tied to an element
	Species int       // local species index, -1 when not applicable
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s (process=%d kind=%s element=%d species=%d)",
		v.What, v.Process, v.Kind, v.Element, v.Species)
}

func violate(what string, pid KProcID, kind KProcKind, elem ElementID, species int) {
	panic(&InvariantViolation{What: what, Process: pid, Kind: kind, Element: elem, Species: species})
}

// Lookup errors returned by Solver setters and getters.
var (
	ErrUnknownKProc   = errors.New("unknown process")
	ErrUnknownElement = errors.New("unknown element")
	ErrUnknownSpecies = errors.New("species not defined in element")
	ErrWrongKind      = errors.New("operation not supported by process kind")
	ErrNotLocal       = errors.New("element not owned by this rank")
)
