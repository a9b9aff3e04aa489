// Package telemetry exposes solver statistics as Prometheus metrics.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kprocsim/kprocsim/sim"
)

const namespace = "kprocsim"

// Source supplies a metrics snapshot. *sim.Solver satisfies it.
type Source interface {
	Metrics() *sim.Metrics
}

// Collector reads a fresh snapshot from its source on every scrape.
type Collector struct {
	src  Source
	rank string

	steps         *prometheus.Desc
	firings       *prometheus.Desc
	refreshes     *prometheus.Desc
	exhaustions   *prometheus.Desc
	remoteSent    *prometheus.Desc
	remoteApplied *prometheus.Desc
	fieldSteps    *prometheus.Desc
	simTime       *prometheus.Desc
	totalRate     *prometheus.Desc
}

// NewCollector returns a collector for src labelled with rank.
func NewCollector(src Source, rank int) *Collector {
	labels := []string{"rank"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append(extra, labels...), nil)
	}
	return &Collector{
		src:           src,
		rank:          strconv.Itoa(rank),
		steps:         desc("steps_total", "Processes fired."),
		firings:       desc("firings_total", "Processes fired, by kind.", "kind"),
		refreshes:     desc("refreshes_total", "Propensity recomputations after firings."),
		exhaustions:   desc("exhaustions_total", "Runs that ended with zero total propensity."),
		remoteSent:    desc("remote_changes_sent_total", "Count changes emitted for other ranks."),
		remoteApplied: desc("remote_changes_applied_total", "Count changes received from other ranks."),
		fieldSteps:    desc("field_steps_total", "Electrical step boundaries crossed."),
		simTime:       desc("sim_time_seconds", "Simulation clock."),
		totalRate:     desc("total_propensity", "Total propensity of all scheduling groups, 1/s."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.steps
	ch <- c.firings
	ch <- c.refreshes
	ch <- c.exhaustions
	ch <- c.remoteSent
	ch <- c.remoteApplied
	ch <- c.fieldSteps
	ch <- c.simTime
	ch <- c.totalRate
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.src.Metrics()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append(labels, c.rank)...)
	}
	counter(c.steps, m.Steps)
	for _, k := range sim.AllKProcKinds() {
		counter(c.firings, m.FiringsOf(k), k.String())
	}
	counter(c.refreshes, m.Refreshes)
	counter(c.exhaustions, m.Exhaustions)
	counter(c.remoteSent, m.RemoteChanges)
	counter(c.remoteApplied, m.RemoteApplied)
	counter(c.fieldSteps, m.FieldSteps)
	ch <- prometheus.MustNewConstMetric(c.simTime, prometheus.GaugeValue, m.SimTime, c.rank)
	ch <- prometheus.MustNewConstMetric(c.totalRate, prometheus.GaugeValue, m.TotalRate, c.rank)
}

// WriteTextfile registers a collector for src in a fresh registry and writes
// it to path in the Prometheus text format.
func WriteTextfile(src Source, rank int, path string) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src, rank)); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, reg)
}
