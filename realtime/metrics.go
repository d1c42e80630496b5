package realtime

import (
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jmcleod/scrumlive/realtime"

type hubMetrics struct {
	enqueued metric.Int64Counter
	dropped  metric.Int64Counter
	failed   metric.Int64Counter
	pruned   metric.Int64Counter
	active   metric.Int64UpDownCounter
}

func newHubMetrics(mp metric.MeterProvider) (*hubMetrics, error) {
	meter := mp.Meter(meterName)
	var (
		m   hubMetrics
		err error
	)
	if m.enqueued, err = meter.Int64Counter("scrumlive_broadcasts_enqueued_total",
		metric.WithDescription("Broadcasts accepted onto a session queue")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("scrumlive_broadcasts_dropped_total",
		metric.WithDescription("Broadcasts dropped because the session queue was full")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("scrumlive_sends_failed_total",
		metric.WithDescription("Frame sends that errored or timed out")); err != nil {
		return nil, err
	}
	if m.pruned, err = meter.Int64Counter("scrumlive_connections_pruned_total",
		metric.WithDescription("Connections removed after a failed send")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("scrumlive_connections_active",
		metric.WithDescription("Currently registered connections")); err != nil {
		return nil, err
	}
	return &m, nil
}
