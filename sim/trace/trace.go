package trace

// TraceLevel controls the verbosity of firing tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelFirings captures every fired process with its time step.
	TraceLevelFirings TraceLevel = "firings"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:    true,
	TraceLevelFirings: true,
	"":                true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
	Limit int // maximum records kept; 0 keeps everything
}

// SimulationTrace collects firing records during a run.
type SimulationTrace struct {
	Config  TraceConfig
	Firings []FiringRecord
	Dropped int // records beyond Config.Limit
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config:  config,
		Firings: make([]FiringRecord, 0),
	}
}

// Enabled reports whether records are kept at all.
func (st *SimulationTrace) Enabled() bool {
	return st != nil && st.Config.Level == TraceLevelFirings
}

// RecordFiring appends a firing record.
func (st *SimulationTrace) RecordFiring(record FiringRecord) {
	if st.Config.Limit > 0 && len(st.Firings) >= st.Config.Limit {
		st.Dropped++
		return
	}
	st.Firings = append(st.Firings, record)
}
