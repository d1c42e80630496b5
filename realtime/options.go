package realtime

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultQueueSize         = 64
	DefaultSendTimeout       = 2 * time.Second
	DefaultFanoutConcurrency = 16
	DefaultWorkerIdle        = 30 * time.Second
	DefaultStaleAfter        = 12 * time.Second
	DefaultRetention         = 10 * time.Minute
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used by the hub.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithQueueSize bounds each token's pending broadcasts.
// Default: DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithSendTimeout bounds every frame write. A send that exceeds it is
// treated as a dead connection.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// WithFanoutConcurrency caps concurrent sends per broadcast.
func WithFanoutConcurrency(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithWorkerIdle sets how long a token's worker waits for work before it
// exits. The next enqueue starts a new one.
func WithWorkerIdle(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.workerIdle = d
		}
	}
}

// WithPresenceWindow sets how long a silent connection still counts as
// online, and how long offline records are kept.
func WithPresenceWindow(staleAfter, retention time.Duration) Option {
	return func(h *Hub) {
		if staleAfter > 0 {
			h.staleAfter = staleAfter
		}
		if retention > 0 {
			h.retention = retention
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for hub metrics.
// Default: the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(h *Hub) {
		if mp != nil {
			h.meterProvider = mp
		}
	}
}

// WithClock overrides the time source used for presence.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}
