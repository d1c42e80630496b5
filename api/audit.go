package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies a facilitator or participant action worth keeping.
type AuditEvent string

const (
	AuditSessionCreated    AuditEvent = "session_created"
	AuditSessionReused     AuditEvent = "session_reused"
	AuditSessionUpdated    AuditEvent = "session_updated"
	AuditSessionClosed     AuditEvent = "session_closed"
	AuditItemCreated       AuditEvent = "item_created"
	AuditItemUpdated       AuditEvent = "item_updated"
	AuditItemDeleted       AuditEvent = "item_deleted"
	AuditItemSubmitted     AuditEvent = "item_submitted"
	AuditClaimGranted      AuditEvent = "claim_granted"
	AuditClaimRejected     AuditEvent = "claim_rejected"
	AuditClaimReleased     AuditEvent = "claim_released"
	AuditClaimRateLimited  AuditEvent = "claim_rate_limited"
	AuditVoteCast          AuditEvent = "vote_cast"
	AuditFacilitatorDenied AuditEvent = "facilitator_denied"
	AuditSocketRejected    AuditEvent = "socket_rejected"
	AuditSocketFlooded     AuditEvent = "socket_flooded"
)

// auditLogger wraps slog.Logger for structured audit logging.
type auditLogger struct {
	logger *slog.Logger
	alerts *alertCollector
}

func newAuditLogger(logger *slog.Logger, alerts *alertCollector) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		alerts: alerts,
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	base = append(base, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", base...)
	al.alerts.recordEvent(event)
}

// logSession is a convenience for events scoped to one session.
func (al *auditLogger) logSession(event AuditEvent, r *http.Request, sessionID string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("session_id", sessionID)}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
