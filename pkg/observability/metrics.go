package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Run metrics
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	DueSubscriptions prometheus.Gauge

	// Subscription metrics
	SubscriptionsTotal     *prometheus.CounterVec
	ReconciliationRequired prometheus.Counter

	// Gateway metrics
	ChargeDuration *prometheus.HistogramVec

	// Cache metrics
	PriceCacheRequests *prometheus.CounterVec

	// Commerce backend metrics
	GraphQLRequestsTotal   *prometheus.CounterVec
	GraphQLRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_runs_total",
				Help: "Total number of billing runs",
			},
			[]string{"mode", "result"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_run_duration_seconds",
				Help:    "Billing run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"mode"},
		),
		DueSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recur_due_subscriptions",
				Help: "Subscriptions selected for billing by the last run",
			},
		),
		SubscriptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_subscriptions_total",
				Help: "Total number of processed subscriptions by outcome",
			},
			[]string{"outcome"},
		),
		ReconciliationRequired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recur_reconciliation_required_total",
				Help: "Charges taken without a matching order or schedule update",
			},
		),
		ChargeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_charge_duration_seconds",
				Help:    "Payment gateway call duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"result"},
		),
		PriceCacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_price_cache_requests_total",
				Help: "Variant price lookups by cache tier and result",
			},
			[]string{"tier", "result"},
		),
		GraphQLRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_graphql_requests_total",
				Help: "Total number of commerce backend GraphQL requests",
			},
			[]string{"operation", "status"},
		),
		GraphQLRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_graphql_request_duration_seconds",
				Help:    "Commerce backend GraphQL request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.DueSubscriptions,
		m.SubscriptionsTotal,
		m.ReconciliationRequired,
		m.ChargeDuration,
		m.PriceCacheRequests,
		m.GraphQLRequestsTotal,
		m.GraphQLRequestDuration,
	)

	return m
}

func runMode(dryRun bool) string {
	if dryRun {
		return "dry_run"
	}
	return "live"
}

// RecordRun records a finished run. result is "ok" or "error".
func (m *Metrics) RecordRun(dryRun bool, result string, duration time.Duration) {
	if m == nil {
		return
	}
	mode := runMode(dryRun)
	m.RunsTotal.WithLabelValues(mode, result).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetDueSubscriptions records how many subscriptions a run selected.
func (m *Metrics) SetDueSubscriptions(n int) {
	if m == nil {
		return
	}
	m.DueSubscriptions.Set(float64(n))
}

// RecordOutcome counts one subscription outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.SubscriptionsTotal.WithLabelValues(outcome).Inc()
}

// RecordReconciliation counts a charge that needs manual reconciliation.
func (m *Metrics) RecordReconciliation() {
	if m == nil {
		return
	}
	m.ReconciliationRequired.Inc()
}

// RecordCharge records one gateway call. result is "approved", "card" or "system".
func (m *Metrics) RecordCharge(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChargeDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordPriceCache counts n variant lookups against a cache tier.
func (m *Metrics) RecordPriceCache(tier, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PriceCacheRequests.WithLabelValues(tier, result).Add(float64(n))
}

// RecordGraphQL records one commerce backend request.
func (m *Metrics) RecordGraphQL(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GraphQLRequestsTotal.WithLabelValues(operation, status).Inc()
	m.GraphQLRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
