package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) add(e AlertEvent) {
	s.mu.Lock()
	s.alerts = append(s.alerts, e)
	s.mu.Unlock()
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestClaimRejectionSpikeAlert(t *testing.T) {
	var sink alertSink
	collector := newAlertCollector(sink.add)
	collector.claims.threshold = 5

	for range 4 {
		collector.recordEvent(AuditClaimRejected)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditClaimRateLimited)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertClaimRejectionSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)

	// The window restarts after firing.
	collector.recordEvent(AuditClaimRejected)
	assert.Len(t, sink.snapshot(), 1)
}

func TestSocketFloodAlertRespectsWindow(t *testing.T) {
	var sink alertSink
	collector := newAlertCollector(sink.add)
	collector.floods.threshold = 3
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }

	collector.recordEvent(AuditSocketFlooded)
	collector.recordEvent(AuditSocketFlooded)
	now = now.Add(defaultFloodWindow + time.Second)
	collector.recordEvent(AuditSocketFlooded)
	assert.Empty(t, sink.snapshot(), "old floods fall out of the window")

	collector.recordEvent(AuditSocketFlooded)
	collector.recordEvent(AuditSocketFlooded)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSocketFloodSpike, alerts[0].Type)
}

func TestAlertCollectorIgnoresOtherEvents(t *testing.T) {
	var sink alertSink
	collector := newAlertCollector(sink.add)
	collector.claims.threshold = 1
	collector.recordEvent(AuditVoteCast)
	collector.recordEvent(AuditClaimGranted)
	assert.Empty(t, sink.snapshot())

	var nilCollector *alertCollector
	assert.NotPanics(t, func() { nilCollector.recordEvent(AuditClaimRejected) })
}

func TestAuditLoggerFeedsAlerts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	var sink alertSink
	al := newAuditLogger(logger, newAlertCollector(sink.add))
	al.alerts.claims.threshold = 2

	r := httptest.NewRequest("POST", "/poker/public/tok/claim", nil)
	al.logSession(AuditClaimRejected, r, "s1")
	al.logSession(AuditClaimRejected, r, "s1")

	require.Len(t, sink.snapshot(), 1)

	var entry map[string]any
	line, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	require.NoError(t, json.Unmarshal(line, &entry))
	assert.Equal(t, "audit", entry["msg"])
	assert.Equal(t, "claim_rejected", entry["event"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "audit", entry["component"])
}
