package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	entriesDelivered   metric.Int64Counter
	entriesRetried     metric.Int64Counter
	entriesDead        metric.Int64Counter
	entriesStateFailed metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
	claimedDepth       metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliable.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.entriesDelivered, err = meter.Int64Counter(
		"outbox.entries.delivered",
		metric.WithDescription("Number of outbox entries successfully delivered"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.delivered counter: %w", err)
	}

	metrics.entriesRetried, err = meter.Int64Counter(
		"outbox.entries.retried",
		metric.WithDescription("Number of outbox entries scheduled for a retry after a failed attempt"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.retried counter: %w", err)
	}

	metrics.entriesDead, err = meter.Int64Counter(
		"outbox.entries.dead",
		metric.WithDescription("Number of outbox entries moved to DEAD after exhausting retries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.dead counter: %w", err)
	}

	metrics.entriesStateFailed, err = meter.Int64Counter(
		"outbox.entries.state_update_failed",
		metric.WithDescription("Number of outbox entries delivered but not persisted as delivered"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.claimedDepth, err = meter.Int64Gauge(
		"outbox.claimed.depth",
		metric.WithDescription("Number of outbox entries claimed in a dispatch cycle"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.claimed.depth gauge: %w", err)
	}

	return metrics, nil
}
