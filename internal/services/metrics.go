package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters for subscription flows.
type Metrics struct {
	verifications   *prometheus.CounterVec
	purchases       *prometheus.CounterVec
	restores        *prometheus.CounterVec
	acknowledgments *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide metrics, registering them with the
// default registry on first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metricsInstance
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscription",
				Name:      "verifications_total",
				Help:      "Receipt verifications by app and outcome (valid, invalid, failed)",
			},
			[]string{"app", "outcome"},
		),
		purchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscription",
				Name:      "purchases_total",
				Help:      "Purchase attempts by app and outcome",
			},
			[]string{"app", "outcome"},
		),
		restores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscription",
				Name:      "restores_total",
				Help:      "Restore attempts by app and outcome",
			},
			[]string{"app", "outcome"},
		),
		acknowledgments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscription",
				Name:      "acknowledgments_total",
				Help:      "Transaction acknowledgments by app and result",
			},
			[]string{"app", "result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.verifications, m.purchases, m.restores, m.acknowledgments)
	}
	return m
}

func (m *Metrics) RecordVerification(app, outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(sanitizeLabel(app), outcome).Inc()
}

func (m *Metrics) RecordPurchase(app, outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(sanitizeLabel(app), outcome).Inc()
}

func (m *Metrics) RecordRestore(app, outcome string) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(sanitizeLabel(app), outcome).Inc()
}

func (m *Metrics) RecordAcknowledgment(app string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.acknowledgments.WithLabelValues(sanitizeLabel(app), result).Inc()
}

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
