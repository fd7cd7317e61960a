/*
Package observability provides logging, metrics, tracing and health checks
for the billing engine.

# Logging

NewLogger builds a logrus logger in text or JSON form:

	logger := observability.NewLogger("info", "json", os.Stdout)
	observability.WithTraceFields(ctx, logger).Info("charging")

WithTraceFields adds trace_id and span_id when ctx carries a recording span.

# Metrics

Metrics are Prometheus collectors registered on a caller-supplied
registry. A nil *Metrics records nothing, so components accept it
unconditionally. Scheduled runs expose them on /metrics; one-shot runs
push them to a Pushgateway with PushMetrics before exiting.

# Tracing

StartTelemetry installs OTLP/gRPC trace and metric exporters as the
global providers, and Telemetry.Shutdown flushes them before exit. Packages create spans through otel.Tracer and stay silent when
tracing is disabled.

# Health

HealthChecker reports database and Redis reachability on /health/live and
/health/ready. RegisterRoutes mounts those endpoints and /metrics on a
gorilla/mux router.
*/
package observability
