package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"parley/internal/dispatch"
)

// Metrics counts query lifecycle events. It observes both the process
// supervisor and the dispatch service.
type Metrics struct {
	QueriesStarted  prometheus.Counter
	QueriesFinished *prometheus.CounterVec
	QueriesRejected *prometheus.CounterVec
	EmptyResponses  *prometheus.CounterVec
	Tokens          *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	Running         prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns metrics registered with the default registry.
func Global() *Metrics {
	once.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// New builds and registers a fresh set of collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "queries_started_total",
			Help:      "Total transport processes spawned",
		}),
		QueriesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "queries_finished_total",
			Help:      "Total transport processes exited, by outcome",
		}, []string{"outcome"}),
		QueriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "queries_rejected_total",
			Help:      "Total dispatches rejected before spawning",
		}, []string{"reason"}),
		EmptyResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "empty_responses_total",
			Help:      "Total queries that decoded no content",
		}, []string{"provider"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "tokens_total",
			Help:      "Tokens reported by providers",
		}, []string{"provider", "kind"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parley",
			Name:      "query_duration_seconds",
			Help:      "Wall time from dispatch to completion",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "queries_running",
			Help:      "Transport processes currently running",
		}),
	}
	reg.MustRegister(m.QueriesStarted, m.QueriesFinished, m.QueriesRejected, m.EmptyResponses, m.Tokens, m.QueryDuration, m.Running)
	return m
}

func (m *Metrics) QueryStarted(_, _ string, _ int) {
	m.QueriesStarted.Inc()
	m.Running.Inc()
}

func (m *Metrics) QueryFinished(_, _ string, code int) {
	m.Running.Dec()
	outcome := "ok"
	switch {
	case code < 0:
		outcome = "signaled"
	case code > 0:
		outcome = "failed"
	}
	m.QueriesFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueryRejected(_, reason string) {
	m.QueriesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueryCompleted(c dispatch.Completion) {
	if c.Empty {
		m.EmptyResponses.WithLabelValues(c.Provider).Inc()
	}
	m.QueryDuration.WithLabelValues(c.Provider).Observe(c.Duration.Seconds())
	if c.Usage == nil {
		return
	}
	add := func(kind string, v *int) {
		if v != nil && *v > 0 {
			m.Tokens.WithLabelValues(c.Provider, kind).Add(float64(*v))
		}
	}
	add("input", c.Usage.InputTokens)
	add("output", c.Usage.OutputTokens)
	add("cached", c.Usage.CachedTokens)
	add("cache_creation", c.Usage.CacheCreationTokens)
}
