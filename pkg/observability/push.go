package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushMetrics pushes everything in gatherer to a Prometheus Pushgateway
// under job. An empty url is a no-op.
func PushMetrics(ctx context.Context, url, job string, gatherer prometheus.Gatherer) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
