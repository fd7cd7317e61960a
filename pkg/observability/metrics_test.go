package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}

	metrics.RecordRun(false, "ok", time.Second)
	metrics.RecordOutcome("succeeded")
	metrics.RecordCharge("approved", time.Second)
	metrics.RecordPriceCache("memory", "hit", 1)
	metrics.RecordGraphQL("ListSubscriptions", "ok", time.Second)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"recur_runs_total",
		"recur_run_duration_seconds",
		"recur_due_subscriptions",
		"recur_subscriptions_total",
		"recur_charge_duration_seconds",
		"recur_price_cache_requests_total",
		"recur_graphql_requests_total",
		"recur_graphql_request_duration_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestMetrics_Record(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	t.Run("runs by mode", func(t *testing.T) {
		metrics.RecordRun(true, "ok", 2*time.Second)
		metrics.RecordRun(false, "error", time.Second)

		if got := testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("dry_run", "ok")); got != 1 {
			t.Errorf("dry_run runs = %v, want 1", got)
		}
		if got := testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("live", "error")); got != 1 {
			t.Errorf("live error runs = %v, want 1", got)
		}
	})

	t.Run("due gauge", func(t *testing.T) {
		metrics.SetDueSubscriptions(7)
		if got := testutil.ToFloat64(metrics.DueSubscriptions); got != 7 {
			t.Errorf("due = %v, want 7", got)
		}
	})

	t.Run("outcomes and reconciliation", func(t *testing.T) {
		metrics.RecordOutcome("card_failed")
		metrics.RecordOutcome("card_failed")
		metrics.RecordReconciliation()

		if got := testutil.ToFloat64(metrics.SubscriptionsTotal.WithLabelValues("card_failed")); got != 2 {
			t.Errorf("card_failed = %v, want 2", got)
		}
		if got := testutil.ToFloat64(metrics.ReconciliationRequired); got != 1 {
			t.Errorf("reconciliation = %v, want 1", got)
		}
	})

	t.Run("price cache counts variants", func(t *testing.T) {
		metrics.RecordPriceCache("redis", "miss", 3)
		metrics.RecordPriceCache("redis", "hit", 0)

		if got := testutil.ToFloat64(metrics.PriceCacheRequests.WithLabelValues("redis", "miss")); got != 3 {
			t.Errorf("redis miss = %v, want 3", got)
		}
	})

	t.Run("graphql", func(t *testing.T) {
		metrics.RecordGraphQL("CreateOrder", "graphql_error", time.Millisecond)
		if got := testutil.ToFloat64(metrics.GraphQLRequestsTotal.WithLabelValues("CreateOrder", "graphql_error")); got != 1 {
			t.Errorf("graphql errors = %v, want 1", got)
		}
	})
}

func TestMetrics_NilSafe(t *testing.T) {
	var metrics *Metrics

	metrics.RecordRun(false, "ok", time.Second)
	metrics.SetDueSubscriptions(1)
	metrics.RecordOutcome("succeeded")
	metrics.RecordReconciliation()
	metrics.RecordCharge("approved", time.Second)
	metrics.RecordPriceCache("memory", "hit", 1)
	metrics.RecordGraphQL("ListSubscriptions", "ok", time.Second)
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.RecordOutcome("succeeded")

	server := httptest.NewServer(MetricsHandler(registry))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `recur_subscriptions_total{outcome="succeeded"} 1`) {
		t.Errorf("exposition missing counter:\n%s", body)
	}
}
