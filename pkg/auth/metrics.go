package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "teamskills"

// Metrics counts authentication outcomes. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	verifications *prometheus.CounterVec
	keyFetches    *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
}

// NewMetrics creates the auth collectors and registers them with reg when
// reg is non-nil. It panics if they are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "token_verifications_total",
			Help:      "Bearer token verifications by result.",
		}, []string{"result"}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "jwks_fetches_total",
			Help:      "Signing key set loads by source and result.",
		}, []string{"source", "result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "identity_resolutions_total",
			Help:      "Identity resolutions by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "gate_decisions_total",
			Help:      "Authorization gate decisions by check and decision.",
		}, []string{"check", "decision"}),
	}
	if reg != nil {
		reg.MustRegister(m.verifications, m.keyFetches, m.resolutions, m.decisions)
	}
	return m
}

func (m *Metrics) verification(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) keyFetch(source, result string) {
	if m == nil {
		return
	}
	m.keyFetches.WithLabelValues(source, result).Inc()
}

func (m *Metrics) resolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) decision(check, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(check, decision).Inc()
}
