package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CreddMetrics exposes Prometheus collectors for the certificate daemon:
// the submission pipeline and the event sync engine.
type CreddMetrics struct {
	submissionAttempts *prometheus.CounterVec
	submissionOutcomes *prometheus.CounterVec
	feeEscalations     *prometheus.CounterVec
	syncPasses         *prometheus.CounterVec
	syncEvents         *prometheus.CounterVec
	checkpointHeight   prometheus.Gauge
}

var (
	creddMetricsOnce sync.Once
	creddRegistry    *CreddMetrics
)

// Credd returns the lazily-initialised metrics registry for the certificate
// daemon.
func Credd() *CreddMetrics {
	creddMetricsOnce.Do(func() {
		creddRegistry = &CreddMetrics{
			submissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockcreds",
				Subsystem: "submit",
				Name:      "attempts_total",
				Help:      "Ledger submission attempts segmented by operation.",
			}, []string{"op"}),
			submissionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockcreds",
				Subsystem: "submit",
				Name:      "outcomes_total",
				Help:      "Terminal submission outcomes segmented by operation and status.",
			}, []string{"op", "status"}),
			feeEscalations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockcreds",
				Subsystem: "submit",
				Name:      "fee_escalations_total",
				Help:      "Fee bumps applied after submission contention.",
			}, []string{"op"}),
			syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockcreds",
				Subsystem: "sync",
				Name:      "passes_total",
				Help:      "Event sync passes segmented by outcome.",
			}, []string{"outcome"}),
			syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockcreds",
				Subsystem: "sync",
				Name:      "events_total",
				Help:      "Ledger events processed segmented by kind and result.",
			}, []string{"kind", "result"}),
			checkpointHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "blockcreds",
				Subsystem: "sync",
				Name:      "checkpoint_height",
				Help:      "Last block height fully reconciled into the local mirror.",
			}),
		}
		prometheus.MustRegister(
			creddRegistry.submissionAttempts,
			creddRegistry.submissionOutcomes,
			creddRegistry.feeEscalations,
			creddRegistry.syncPasses,
			creddRegistry.syncEvents,
			creddRegistry.checkpointHeight,
		)
	})
	return creddRegistry
}

// SubmissionAttempt counts one ledger submission attempt.
func (m *CreddMetrics) SubmissionAttempt(op string) {
	if m == nil {
		return
	}
	m.submissionAttempts.WithLabelValues(op).Inc()
}

// SubmissionOutcome counts a terminal submission outcome.
func (m *CreddMetrics) SubmissionOutcome(op, status string) {
	if m == nil {
		return
	}
	m.submissionOutcomes.WithLabelValues(op, status).Inc()
}

// FeeEscalation counts one replacement fee bump.
func (m *CreddMetrics) FeeEscalation(op string) {
	if m == nil {
		return
	}
	m.feeEscalations.WithLabelValues(op).Inc()
}

// SyncPass counts one sync pass with its outcome label.
func (m *CreddMetrics) SyncPass(outcome string) {
	if m == nil {
		return
	}
	m.syncPasses.WithLabelValues(outcome).Inc()
}

// SyncEvent counts one processed ledger event.
func (m *CreddMetrics) SyncEvent(kind, result string) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(kind, result).Inc()
}

// SetCheckpoint records the latest reconciled block height.
func (m *CreddMetrics) SetCheckpoint(height uint64) {
	if m == nil {
		return
	}
	m.checkpointHeight.Set(float64(height))
}
