// Package observability exposes Prometheus metrics for provider requests,
// continuation rounds and stream lifecycles.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inkflow/internal/continuation"
	"inkflow/internal/llmclient"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "inkflow"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	Rounds       *prometheus.CounterVec
	OverlapChars *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec

	StreamsActive   prometheus.Gauge
	StreamsFinished *prometheus.CounterVec
	StreamDuration  *prometheus.HistogramVec
	EmittedChars    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider HTTP requests by outcome",
		}, []string{"provider", "transport", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Time until provider response headers (streams) or full body (batch)",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "transport"}),
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Continuation rounds by transport and finish reason",
		}, []string{"provider", "transport", "finish"}),
		OverlapChars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlap_chars_total",
			Help:      "Redelivered characters dropped by the deduplicator",
		}, []string{"provider"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "In-round retries by reason",
		}, []string{"provider", "reason"}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Streams currently running",
		}),
		StreamsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_finished_total",
			Help:      "Finished streams by terminal status",
		}, []string{"provider", "status"}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Wall time from stream start to terminal notification",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"provider"}),
		EmittedChars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emitted_chars_total",
			Help:      "Characters delivered to live sinks after directive gating",
		}, []string{"provider"}),
	}

	m.registry.MustRegister(
		m.ProviderRequests, m.ProviderLatency,
		m.Rounds, m.OverlapChars, m.Fallbacks,
		m.StreamsActive, m.StreamsFinished, m.StreamDuration, m.EmittedChars,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func transportLabel(stream bool) string {
	if stream {
		return "stream"
	}
	return "batch"
}

// LLMHooks returns request hooks recording provider HTTP metrics.
func (m *Metrics) LLMHooks() llmclient.Hooks {
	return llmclient.Hooks{
		OnRequestEnd: func(_ context.Context, info llmclient.ResponseInfo) {
			transport := transportLabel(info.Stream)
			status := "error"
			if info.StatusCode > 0 {
				status = strconv.Itoa(info.StatusCode)
			}
			m.ProviderRequests.WithLabelValues(info.Provider, transport, status).Inc()
			m.ProviderLatency.WithLabelValues(info.Provider, transport).Observe(info.Duration.Seconds())
		},
	}
}

// ContinuationHooks returns hooks recording round and fallback metrics.
func (m *Metrics) ContinuationHooks() continuation.Hooks {
	return continuation.Hooks{
		OnRound: func(out continuation.RoundOutcome) {
			finish := out.RawFinish
			if finish == "" {
				finish = "none"
			}
			m.Rounds.WithLabelValues(out.Provider, string(out.Transport), finish).Inc()
			if out.Overlap > 0 {
				m.OverlapChars.WithLabelValues(out.Provider).Add(float64(out.Overlap))
			}
		},
		OnFallback: func(provider string, reason continuation.FallbackReason) {
			m.Fallbacks.WithLabelValues(provider, string(reason)).Inc()
		},
	}
}

// StreamStarted marks a stream as running.
func (m *Metrics) StreamStarted() {
	m.StreamsActive.Inc()
}

// StreamFinished records a terminal stream.
func (m *Metrics) StreamFinished(provider, status string, emitted int, d time.Duration) {
	m.StreamsActive.Dec()
	m.StreamsFinished.WithLabelValues(provider, status).Inc()
	m.StreamDuration.WithLabelValues(provider).Observe(d.Seconds())
	if emitted > 0 {
		m.EmittedChars.WithLabelValues(provider).Add(float64(emitted))
	}
}
