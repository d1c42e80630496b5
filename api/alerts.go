package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertClaimRejectionSpike AlertType = "claim_rejection_spike"
	AlertSocketFloodSpike    AlertType = "socket_flood_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// spikeWindow counts events inside a sliding window and fires once the
// threshold is reached.
type spikeWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
	alert     AlertType
	message   string
}

// alertCollector watches audit events for bursts that point to abuse: many
// rejected claims across all clients, or many flooding sockets.
type alertCollector struct {
	mu      sync.Mutex
	claims  spikeWindow
	floods  spikeWindow
	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultClaimRejectionWindow    = time.Minute
	defaultClaimRejectionThreshold = 50
	defaultFloodWindow             = 5 * time.Minute
	defaultFloodThreshold          = 10
)

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		claims: spikeWindow{
			window:    defaultClaimRejectionWindow,
			threshold: defaultClaimRejectionThreshold,
			alert:     AlertClaimRejectionSpike,
			message:   "persona claim rejections exceed threshold",
		},
		floods: spikeWindow{
			window:    defaultFloodWindow,
			threshold: defaultFloodThreshold,
			alert:     AlertSocketFloodSpike,
			message:   "websocket frame floods exceed threshold",
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *alertCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditClaimRejected, AuditClaimRateLimited:
		m.record(&m.claims)
	case AuditSocketFlooded:
		m.record(&m.floods)
	}
}

func (m *alertCollector) record(w *spikeWindow) {
	m.mu.Lock()
	now := m.now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.window)

	var fire *AlertEvent
	if len(w.times) >= w.threshold {
		fire = &AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
	m.mu.Unlock()

	if fire != nil {
		m.alertFn(*fire)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
