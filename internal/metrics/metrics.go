// Package metrics holds all Prometheus metrics for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates every counter/gauge/histogram the gateway exposes.
type Metrics struct {
	AdmissionsTotal   *prometheus.CounterVec
	DenialsTotal      *prometheus.CounterVec
	CreditsCharged    prometheus.Counter
	CreditsRefunded   prometheus.Counter
	AdmissionDuration prometheus.Histogram

	// FallbackDeductions counts debits that fell back to the local path
	// because the shared cache was unreachable. While this counter moves,
	// double-spend across instances is possible.
	FallbackDeductions prometheus.Counter

	WebhookDeliveries *prometheus.CounterVec
	PaymentEvents     *prometheus.CounterVec

	ActiveKeys  prometheus.Gauge
	ActiveTasks prometheus.Gauge
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		AdmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_admissions_total",
				Help: "Tool-call admissions processed by the gate",
			},
			[]string{"result"}, // allowed, denied
		),
		DenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_denials_total",
				Help: "Denied admissions by stable deny reason",
			},
			[]string{"reason"},
		),
		CreditsCharged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_credits_charged_total",
				Help: "Total credits charged for admitted calls",
			},
		),
		CreditsRefunded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_credits_refunded_total",
				Help: "Total credits refunded after backend failures",
			},
		),
		AdmissionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paygate_admission_duration_seconds",
				Help:    "Time spent in the admission cascade",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		FallbackDeductions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_distributed_fallback_total",
				Help: "Atomic deductions that fell back to the local path because the shared cache was unreachable",
			},
		),
		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhook_deliveries_total",
				Help: "Outbound webhook delivery attempts by outcome",
			},
			[]string{"outcome"}, // delivered, failed, dropped, blocked
		),
		PaymentEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_payment_events_total",
				Help: "Payment intake events by provider and outcome",
			},
			[]string{"provider", "outcome"}, // stripe|x402, credited|rejected|error
		),
		ActiveKeys: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "paygate_keys",
				Help: "Number of records in the key store (including revoked)",
			},
		),
		ActiveTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "paygate_tasks",
				Help: "Number of retained async tasks",
			},
		),
	}
}

// RecordDecision feeds the admission counters from one gate decision.
func (m *Metrics) RecordDecision(allowed bool, reason string, credits int64, seconds float64) {
	if m == nil {
		return
	}
	if allowed {
		m.AdmissionsTotal.WithLabelValues("allowed").Inc()
		if credits > 0 {
			m.CreditsCharged.Add(float64(credits))
		}
	} else {
		m.AdmissionsTotal.WithLabelValues("denied").Inc()
		if reason != "" {
			m.DenialsTotal.WithLabelValues(reason).Inc()
		}
	}
	m.AdmissionDuration.Observe(seconds)
}
