// Package metrics exports memory subsystem counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memory"

// Flush outcomes.
const (
	FlushOutcomeSuccess    = "success"
	FlushOutcomeEmpty      = "empty"
	FlushOutcomeContention = "contention"
	FlushOutcomeFailed     = "failed"
)

// Collector holds every memory metric. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	flushes         *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	artifacts       *prometheus.CounterVec
	embeddingErrors prometheus.Counter
	recallRounds    prometheus.Histogram
	recallTimeouts  prometheus.Counter
	bufferedTokens  prometheus.Counter
	cacheLookups    *prometheus.CounterVec
}

// New registers all collectors on registry, creating one when nil.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{registry: registry}

	c.flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "attempts_total",
			Help:      "Flush attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Time spent draining and extracting one buffer",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	c.artifacts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "artifacts_total",
			Help:      "Profile facts, events and gists written by extraction",
		},
		[]string{"type"},
	)

	c.embeddingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "embedding_failures_total",
			Help:      "Embedding requests that failed and degraded to null embeddings",
		},
	)

	c.recallRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recall",
			Name:      "rounds",
			Help:      "Tool-calling rounds used per recall",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
		},
	)

	c.recallTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recall",
			Name:      "timeouts_total",
			Help:      "Recalls that hit their deadline and returned an empty result",
		},
	)

	c.bufferedTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "tokens_total",
			Help:      "Approximate tokens appended to ingestion buffers",
		},
	)

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profile_cache",
			Name:      "lookups_total",
			Help:      "Profile cache lookups by result",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		c.flushes,
		c.flushDuration,
		c.artifacts,
		c.embeddingErrors,
		c.recallRounds,
		c.recallTimeouts,
		c.bufferedTokens,
		c.cacheLookups,
	)

	return c
}

func (c *Collector) RecordFlush(kind, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.flushes.WithLabelValues(kind, outcome).Inc()
	if outcome == FlushOutcomeSuccess || outcome == FlushOutcomeFailed {
		c.flushDuration.Observe(duration.Seconds())
	}
}

// RecordArtifacts counts written artifacts; artifactType is "profile", "event" or "gist".
func (c *Collector) RecordArtifacts(artifactType string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.artifacts.WithLabelValues(artifactType).Add(float64(n))
}

func (c *Collector) RecordEmbeddingFailure() {
	if c == nil {
		return
	}
	c.embeddingErrors.Inc()
}

func (c *Collector) RecordRecall(rounds int, timedOut bool) {
	if c == nil {
		return
	}
	c.recallRounds.Observe(float64(rounds))
	if timedOut {
		c.recallTimeouts.Inc()
	}
}

func (c *Collector) RecordBufferedTokens(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bufferedTokens.Add(float64(n))
}

func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
