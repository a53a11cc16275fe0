// Package metrics exposes the per-volume counters and rebuild gauges spec
// §3 and §4.E describe, via github.com/prometheus/client_golang. It is a
// leaf package: worker, rebuild, and checkpoint depend on the small Recorder
// interface below rather than this package depending on them, avoiding an
// import cycle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the subset of prometheus operations the data-plane packages
// need. Production code uses *Metrics (below); tests can use a no-op or
// fake implementation.
type Recorder interface {
	ObserveRequest(volumeName, op string)
	ObserveRebuildOutcome(volumeName string, failed bool)
	SetRebuildGauges(volumeName string, cnt, done, failed int)
	ObserveCheckpoint(volumeName string, ionum uint64)
}

// Metrics is the production Recorder, registered once at daemon startup.
type Metrics struct {
	requests       *prometheus.CounterVec
	rebuildOutcome *prometheus.CounterVec
	rebuildCnt     *prometheus.GaugeVec
	rebuildDone    *prometheus.GaugeVec
	rebuildFailed  *prometheus.GaugeVec
	checkpointIO   *prometheus.GaugeVec
}

// New constructs and registers the replica-engine metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	var m = &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Name:      "requests_total",
			Help:      "Total requests served per volume and operation.",
		}, []string{"volume", "op"}),
		rebuildOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Name:      "rebuild_outcomes_total",
			Help:      "Total rebuild-recipient task completions per volume and outcome.",
		}, []string{"volume", "outcome"}),
		rebuildCnt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "rebuild_cnt",
			Help:      "Configured rebuild-recipient task count for the volume's active rebuild.",
		}, []string{"volume"}),
		rebuildDone: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "rebuild_done_cnt",
			Help:      "Completed rebuild-recipient tasks for the volume's active rebuild.",
		}, []string{"volume"}),
		rebuildFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "rebuild_failed_cnt",
			Help:      "Failed rebuild-recipient tasks for the volume's active rebuild.",
		}, []string{"volume"}),
		checkpointIO: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "checkpointed_ionum",
			Help:      "Last io-num durably checkpointed per volume.",
		}, []string{"volume"}),
	}
	reg.MustRegister(m.requests, m.rebuildOutcome, m.rebuildCnt, m.rebuildDone, m.rebuildFailed, m.checkpointIO)
	return m
}

// ObserveRequest implements Recorder.
func (m *Metrics) ObserveRequest(volumeName, op string) {
	m.requests.WithLabelValues(volumeName, op).Inc()
}

// ObserveRebuildOutcome implements Recorder.
func (m *Metrics) ObserveRebuildOutcome(volumeName string, failed bool) {
	var outcome = "ok"
	if failed {
		outcome = "failed"
	}
	m.rebuildOutcome.WithLabelValues(volumeName, outcome).Inc()
}

// SetRebuildGauges implements Recorder.
func (m *Metrics) SetRebuildGauges(volumeName string, cnt, done, failed int) {
	m.rebuildCnt.WithLabelValues(volumeName).Set(float64(cnt))
	m.rebuildDone.WithLabelValues(volumeName).Set(float64(done))
	m.rebuildFailed.WithLabelValues(volumeName).Set(float64(failed))
}

// ObserveCheckpoint implements Recorder.
func (m *Metrics) ObserveCheckpoint(volumeName string, ionum uint64) {
	m.checkpointIO.WithLabelValues(volumeName).Set(float64(ionum))
}

// Noop is a Recorder that discards everything, used by components under
// test that don't care about metrics wiring.
type Noop struct{}

func (Noop) ObserveRequest(string, string)                {}
func (Noop) ObserveRebuildOutcome(string, bool)            {}
func (Noop) SetRebuildGauges(string, int, int, int)        {}
func (Noop) ObserveCheckpoint(string, uint64)              {}
