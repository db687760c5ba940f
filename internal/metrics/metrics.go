// Package metrics exposes Prometheus instruments for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stripe_notion_sync"

// Metrics holds every instrument the service records.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PagesCreated      *prometheus.CounterVec
	PagesUpdated      *prometheus.CounterVec
	UpsertJoins       *prometheus.CounterVec
	EntityErrors      *prometheus.CounterVec
	BackfillTicks     *prometheus.CounterVec
	BackfillRecords   *prometheus.CounterVec
	BackfillCompleted prometheus.Counter
	EventsRouted      *prometheus.CounterVec
	APIRetries        *prometheus.CounterVec
	APIRequestSeconds *prometheus.HistogramVec
}

// New registers all instruments on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		PagesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_created_total",
			Help:      "Target pages created, by entity type.",
		}, []string{"entity_type"}),
		PagesUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_updated_total",
			Help:      "Target pages updated in place, by entity type.",
		}, []string{"entity_type"}),
		UpsertJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upsert_joins_total",
			Help:      "Upsert requests that joined an in-flight operation for the same entity.",
		}, []string{"entity_type"}),
		EntityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_errors_total",
			Help:      "Entity syncs that failed, by entity type and error category.",
		}, []string{"entity_type", "category"}),
		BackfillTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_ticks_total",
			Help:      "Backfill ticks processed, by outcome.",
		}, []string{"outcome"}),
		BackfillRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_records_total",
			Help:      "Entities written during backfill, by top-level entity type.",
		}, []string{"entity_type"}),
		BackfillCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_completed_total",
			Help:      "Backfill runs that reached the complete status.",
		}),
		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Webhook events received, by outcome.",
		}, []string{"outcome"}),
		APIRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Retried platform API calls, by provider and status.",
		}, []string{"provider", "status"}),
		APIRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Platform API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
	}

	reg.MustRegister(
		m.PagesCreated, m.PagesUpdated, m.UpsertJoins, m.EntityErrors,
		m.BackfillTicks, m.BackfillRecords, m.BackfillCompleted,
		m.EventsRouted, m.APIRetries, m.APIRequestSeconds,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// PageCreated records a created target page
func (m *Metrics) PageCreated(entityType string) {
	if m != nil {
		m.PagesCreated.WithLabelValues(entityType).Inc()
	}
}

// PageUpdated records an updated target page
func (m *Metrics) PageUpdated(entityType string) {
	if m != nil {
		m.PagesUpdated.WithLabelValues(entityType).Inc()
	}
}

// UpsertJoined records a caller that joined an in-flight upsert
func (m *Metrics) UpsertJoined(entityType string) {
	if m != nil {
		m.UpsertJoins.WithLabelValues(entityType).Inc()
	}
}

// EntityFailed records a failed entity sync
func (m *Metrics) EntityFailed(entityType, category string) {
	if m != nil {
		m.EntityErrors.WithLabelValues(entityType, category).Inc()
	}
}

// Tick records a backfill tick outcome: "ok", "stale", "failed" or "complete"
func (m *Metrics) Tick(outcome string) {
	if m == nil {
		return
	}
	m.BackfillTicks.WithLabelValues(outcome).Inc()
	if outcome == "complete" {
		m.BackfillCompleted.Inc()
	}
}

// RecordsProcessed adds to the backfill record counter
func (m *Metrics) RecordsProcessed(entityType string, n int) {
	if m != nil && n > 0 {
		m.BackfillRecords.WithLabelValues(entityType).Add(float64(n))
	}
}

// Event records a routed webhook outcome: "processed", "skipped" or "failed"
func (m *Metrics) Event(outcome string) {
	if m != nil {
		m.EventsRouted.WithLabelValues(outcome).Inc()
	}
}

// Retry records a retried API call
func (m *Metrics) Retry(provider, status string) {
	if m != nil {
		m.APIRetries.WithLabelValues(provider, status).Inc()
	}
}

// ObserveRequest records an API call duration in seconds
func (m *Metrics) ObserveRequest(provider, operation string, seconds float64) {
	if m != nil {
		m.APIRequestSeconds.WithLabelValues(provider, operation).Observe(seconds)
	}
}
