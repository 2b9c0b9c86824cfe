// Package metrics exposes Prometheus instrumentation for the coordinator,
// following this lineage's promauto-based GaugeVec/CounterVec/HistogramVec
// construction pattern.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the coordinator's counters, gauges and histograms.
// ActiveClaims, StageDuration and AuditWriteFailures are registered but
// no code path updates them.
type Metrics struct {
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	ClaimsTotal        *prometheus.CounterVec
	ActiveClaims       prometheus.Gauge
	StageDuration      *prometheus.HistogramVec
	StageTransitions   *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
}

var (
	once     sync.Once
	instance *Metrics
)

// New constructs (once per process) and registers the coordinator's
// metrics against the default registry.
func New() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "beadswarm",
				Name:      "commands_total",
				Help:      "Total dispatched commands by name and outcome.",
			}, []string{"command", "ok"}),
			CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "beadswarm",
				Name:      "command_duration_ms",
				Help:      "Command handling duration in milliseconds.",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			}, []string{"command"}),
			ClaimsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "beadswarm",
				Name:      "claims_total",
				Help:      "Total claim acquisitions by result.",
			}, []string{"result"}),
			ActiveClaims: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "beadswarm",
				Name:      "active_claims",
				Help:      "Current count of in-progress claims.",
			}),
			StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "beadswarm",
				Name:      "stage_duration_ms",
				Help:      "Stage execution duration in milliseconds.",
				Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 30000, 60000},
			}, []string{"stage"}),
			StageTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "beadswarm",
				Name:      "stage_transitions_total",
				Help:      "Stage machine transitions by kind.",
			}, []string{"transition"}),
			AuditWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "beadswarm",
				Name:      "audit_write_failures_total",
				Help:      "Count of command_audit insert failures.",
			}),
		}
	})
	return instance
}
