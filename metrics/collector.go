// Package metrics exports routing outcomes to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/next-trace/scg-banker/router"
)

// Outcome label values for banker_withdrawals_total.
const (
	OutcomeRouted   = "routed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Collector implements router.Recorder using Prometheus
type Collector struct {
	withdrawals  *prometheus.CounterVec
	routed       *prometheus.CounterVec
	failures     *prometheus.CounterVec
	amlDuration  prometheus.Histogram
	checkResults prometheus.Counter
}

var _ router.Recorder = (*Collector)(nil)

// NewCollector registers the banker metrics on reg.
// Passing prometheus.DefaultRegisterer exposes them on the default handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		withdrawals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banker_withdrawals_total",
				Help: "Total number of withdrawal commands handled, by outcome",
			},
			[]string{"outcome"},
		),
		routed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banker_withdrawals_routed_total",
				Help: "Total number of withdrawal commands republished, by payment rail topic",
			},
			[]string{"topic"},
		),
		failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banker_withdrawal_failures_total",
				Help: "Total number of upstream failures while handling withdrawals, by stage",
			},
			[]string{"stage"},
		),
		amlDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "banker_aml_check_duration_seconds",
				Help:    "AML check latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		checkResults: f.NewCounter(
			prometheus.CounterOpts{
				Name: "banker_check_results_total",
				Help: "Total number of ledger check results observed",
			},
		),
	}
}

// WithdrawalRouted records a command republished to topic.
func (c *Collector) WithdrawalRouted(topic string) {
	c.withdrawals.WithLabelValues(OutcomeRouted).Inc()
	c.routed.WithLabelValues(topic).Inc()
}

// WithdrawalRejected records a command dropped by the AML gate.
func (c *Collector) WithdrawalRejected() {
	c.withdrawals.WithLabelValues(OutcomeRejected).Inc()
}

// WithdrawalFailed records an upstream failure at stage.
func (c *Collector) WithdrawalFailed(stage string) {
	c.withdrawals.WithLabelValues(OutcomeFailed).Inc()
	c.failures.WithLabelValues(stage).Inc()
}

// AMLChecked records the latency of one AML lookup.
func (c *Collector) AMLChecked(d time.Duration) {
	c.amlDuration.Observe(d.Seconds())
}

// CheckResultObserved records a ledger check result.
func (c *Collector) CheckResultObserved() {
	c.checkResults.Inc()
}
