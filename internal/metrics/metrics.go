// Package metrics exposes the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ishtar"

type Metrics struct {
	Exchanges       *prometheus.CounterVec
	Tokens          *prometheus.CounterVec
	Summarizations  *prometheus.CounterVec
	SettingsFetches *prometheus.CounterVec
	PagesServed     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Chat exchanges by outcome.",
		}, []string{"result"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens added to conversation ledgers.",
		}, []string{"direction", "source"}),
		Summarizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarizations_total",
			Help:      "Summarization attempts by outcome.",
		}, []string{"result"}),
		SettingsFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_fetches_total",
			Help:      "Global settings fetches by outcome.",
		}, []string{"result"}),
		PagesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_pages_served_total",
			Help:      "Message history pages served.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Exchanges, m.Tokens, m.Summarizations, m.SettingsFetches, m.PagesServed)
	}
	return m
}

func (m *Metrics) ObserveExchange(result string) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(result).Inc()
}

// AddTokens records ledger increments. source is "exchange", "summary" or "title".
func (m *Metrics) AddTokens(source string, input, output int64) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues("input", source).Add(float64(input))
	m.Tokens.WithLabelValues("output", source).Add(float64(output))
}

func (m *Metrics) ObserveSummarization(result string) {
	if m == nil {
		return
	}
	m.Summarizations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSettingsFetch(result string) {
	if m == nil {
		return
	}
	m.SettingsFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePage() {
	if m == nil {
		return
	}
	m.PagesServed.Inc()
}
