// Tracks run-wide kinetic statistics such as firings per process kind,
// selection steps, exhaustion events and remote traffic.

package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Metrics aggregates statistics about a run for final reporting and for the
// telemetry collector.
type Metrics struct {
	Steps         uint64                // processes fired
	Firings       [numKProcKinds]uint64 // firings per kind
	Refreshes     uint64                // propensity recomputations after firings
	Exhaustions   uint64                // runs that ended with zero total propensity
	RemoteChanges uint64                // count changes emitted for other ranks
	RemoteApplied uint64                // count changes received from other ranks
	FieldSteps    uint64                // electrical step boundaries crossed
	SimTime       float64               // simulation clock, s
	TotalRate     float64               // total propensity at the last report, 1/s
}

// FiringsOf returns the number of firings of kind.
func (m *Metrics) FiringsOf(kind KProcKind) uint64 {
	return m.Firings[kind]
}

func (m *Metrics) merge(o *Metrics) {
	m.Steps += o.Steps
	for i := range m.Firings {
		m.Firings[i] += o.Firings[i]
	}
	m.Refreshes += o.Refreshes
	m.RemoteChanges += o.RemoteChanges
}

// Print displays aggregated metrics at the end of the run.
func (m *Metrics) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Metrics ===")
	fmt.Fprintf(w, "Simulated Time       : %.6g s\n", m.SimTime)
	fmt.Fprintf(w, "Steps                : %d\n", m.Steps)
	for _, k := range AllKProcKinds() {
		if m.Firings[k] > 0 {
			fmt.Fprintf(w, "  %-18s : %d\n", k, m.Firings[k])
		}
	}
	if m.Steps > 0 {
		fmt.Fprintf(w, "Refreshes per Step   : %.2f\n", float64(m.Refreshes)/float64(m.Steps))
	}
	fmt.Fprintf(w, "Total Propensity     : %.6g 1/s\n", m.TotalRate)
	if m.Exhaustions > 0 {
		fmt.Fprintf(w, "Exhaustions          : %d\n", m.Exhaustions)
	}
	if m.RemoteChanges+m.RemoteApplied > 0 {
		fmt.Fprintf(w, "Remote Changes       : %d sent, %d applied\n", m.RemoteChanges, m.RemoteApplied)
	}
	if m.FieldSteps > 0 {
		fmt.Fprintf(w, "Field Steps          : %d\n", m.FieldSteps)
	}
}

// MetricsOutput is the JSON form of Metrics written by SaveResults.
type MetricsOutput struct {
	Rank          int               `json:"rank"`
	SimTime       float64           `json:"sim_time_s"`
	Steps         uint64            `json:"steps"`
	Firings       map[string]uint64 `json:"firings"`
	Refreshes     uint64            `json:"refreshes"`
	Exhaustions   uint64            `json:"exhaustions"`
	RemoteChanges uint64            `json:"remote_changes"`
	RemoteApplied uint64            `json:"remote_applied"`
	FieldSteps    uint64            `json:"field_steps"`
	TotalRate     float64           `json:"total_rate"`
}

// Output converts m to its JSON form.
func (m *Metrics) Output(rank int) MetricsOutput {
	out := MetricsOutput{
		Rank:          rank,
		SimTime:       m.SimTime,
		Steps:         m.Steps,
		Firings:       make(map[string]uint64),
		Refreshes:     m.Refreshes,
		Exhaustions:   m.Exhaustions,
		RemoteChanges: m.RemoteChanges,
		RemoteApplied: m.RemoteApplied,
		FieldSteps:    m.FieldSteps,
		TotalRate:     m.TotalRate,
	}
	for _, k := range AllKProcKinds() {
		out.Firings[k.String()] = m.Firings[k]
	}
	return out
}

// SaveResults writes the metrics as indented JSON to path.
func (m *Metrics) SaveResults(rank int, path string) error {
	data, err := json.MarshalIndent(m.Output(rank), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	logrus.Infof("metrics written to %s", path)
	return nil
}
