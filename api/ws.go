package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/realtime"
)

const (
	defaultFrameLimit = 40
	maxInboundFrame   = 16 << 10
)

// Inbound frame types.
const (
	frameJoin       = "join"
	frameLeave      = "leave"
	framePing       = "ping"
	frameSubmitItem = "submit_item"
)

// Outbound frame types sent to one connection only.
const (
	frameJoinRejected = "join_rejected"
	frameSubmitAck    = "submit_ack"
	frameSubmitError  = "submit_error"
)

// socketState is what one connection's read loop remembers between frames.
type socketState struct {
	// personaID is the persona this connection claimed last, if any.
	personaID *int64
}

type inboundFrame struct {
	Type      string       `json:"type"`
	PersonaID *int64       `json:"persona_id"`
	Name      string       `json:"nombre"`
	ClientID  string       `json:"client_id"`
	Item      *ItemRequest `json:"item"`
}

// FrameError describes why a frame was refused.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrame is sent to the sender of a refused join or submit_item.
type ErrorFrame struct {
	Type  string     `json:"type"`
	Error FrameError `json:"error"`
}

// SubmitAckFrame confirms a submit_item to its sender.
type SubmitAckFrame struct {
	Type string         `json:"type"`
	Item *ceremony.Item `json:"item"`
}

func errorFrame(typ string, err error) ErrorFrame {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return ErrorFrame{Type: typ, Error: FrameError{Code: code, Message: msg}}
}

// RetroSocket handles GET /ws/retros/{token}.
func (a *API) RetroSocket(w http.ResponseWriter, r *http.Request) {
	a.serveSocket(w, r, ceremony.KindRetro)
}

// PokerSocket handles GET /ws/poker/{token}.
func (a *API) PokerSocket(w http.ResponseWriter, r *http.Request) {
	a.serveSocket(w, r, ceremony.KindPoker)
}

// serveSocket checks the token before upgrading, registers the connection
// with the hub and runs its read loop until either side closes.
func (a *API) serveSocket(w http.ResponseWriter, r *http.Request, kind ceremony.Kind) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")
	sess, err := a.svc.SessionByToken(ctx, kind, token)
	if err != nil {
		a.audit.log(AuditSocketRejected, r, slog.String("kind", string(kind)))
		mapError(w, err)
		return
	}
	if !sess.Open() {
		a.audit.logSession(AuditSocketRejected, r, sess.ID, slog.String("kind", string(kind)))
		mapError(w, ceremony.ErrSessionClosed)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.originPatterns,
	})
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}
	ws.SetReadLimit(maxInboundFrame)

	conn := a.hub.Connect(token, realtime.NewWebSocketTransport(ws))
	defer a.hub.Disconnect(conn)

	// The session may have closed between the check above and Connect, in
	// which case the close-all already ran without this connection.
	if cur, err := a.svc.SessionByToken(ctx, kind, token); err != nil || !cur.Open() {
		return
	}

	a.logger.Debug("websocket connected", "session_id", sess.ID, "conn_id", conn.ID())
	a.readLoop(ctx, r, ws, conn, kind)
}

// readLoop processes inbound frames with a fixed one-second window frame
// limit. Malformed frames are ignored.
func (a *API) readLoop(ctx context.Context, r *http.Request, ws *websocket.Conn, conn *realtime.Conn, kind ceremony.Kind) {
	windowStart := time.Now()
	framesInWindow := 0
	st := &socketState{}

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > a.frameLimit {
			a.audit.log(AuditSocketFlooded, r, slog.String("conn_id", conn.ID()))
			a.hub.Kick(conn, realtime.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if typ != websocket.MessageText {
			continue
		}
		a.handleFrame(ctx, r, conn, st, kind, data)
	}
}

func (a *API) handleFrame(ctx context.Context, r *http.Request, conn *realtime.Conn, st *socketState, kind ceremony.Kind, data []byte) {
	data = bytes.TrimSpace(data)
	if string(data) == framePing {
		a.hub.Touch(conn)
		return
	}
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	// Any well-formed frame counts as a heartbeat.
	a.hub.Touch(conn)

	switch f.Type {
	case framePing:
	case frameJoin:
		a.handleJoin(ctx, r, conn, st, kind, f)
	case frameLeave:
		a.hub.Leave(conn)
	case frameSubmitItem:
		if kind == ceremony.KindRetro {
			a.handleSubmit(ctx, r, conn, f)
		}
	}
}

// handleJoin claims the persona, when one is given, and then registers
// presence. Switching to another persona releases the one this connection
// held before. A refused join is reported to the sender only and keeps the
// earlier claim.
func (a *API) handleJoin(ctx context.Context, r *http.Request, conn *realtime.Conn, st *socketState, kind ceremony.Kind, f inboundFrame) {
	name := strings.TrimSpace(f.Name)
	if f.PersonaID == nil {
		if name == "" {
			a.rejectJoin(conn, fmt.Errorf("%w: persona_id or nombre is required", ceremony.ErrValidationFailed))
			return
		}
	} else {
		ip := a.clientIP(r)
		if blocked, _ := a.claimLimiter.check(ip); blocked {
			a.audit.log(AuditClaimRateLimited, r, slog.String("client_ip", ip))
			_ = a.hub.SendTo(conn, ErrorFrame{Type: frameJoinRejected, Error: FrameError{
				Code:    codeRateLimited,
				Message: "too many rejected claims; try again later",
			}})
			return
		}
		clientID := strings.TrimSpace(f.ClientID)
		if clientID == "" {
			clientID = conn.ID()
		}
		_, err := a.svc.Claim(ctx, kind, conn.Token(), ceremony.ClaimRequest{
			PersonaID: *f.PersonaID,
			ClientID:  clientID,
			Name:      name,
		})
		if err != nil {
			a.claimFailed(r, ip, *f.PersonaID, err)
			a.rejectJoin(conn, err)
			return
		}
		a.claimLimiter.recordSuccess(ip)
		a.audit.log(AuditClaimGranted, r, slog.String("kind", string(kind)), slog.Int64("persona_id", *f.PersonaID))

		if prev := st.personaID; prev != nil && *prev != *f.PersonaID {
			if _, err := a.svc.Release(ctx, kind, conn.Token(), *prev); err != nil {
				a.logger.Warn("releasing previous persona failed", "conn_id", conn.ID(), "persona_id", *prev, "error", err)
			} else {
				a.audit.log(AuditClaimReleased, r, slog.String("kind", string(kind)), slog.Int64("persona_id", *prev))
			}
		}
		id := *f.PersonaID
		st.personaID = &id
	}

	if err := a.hub.Join(conn, f.PersonaID, name); err != nil {
		a.rejectJoin(conn, err)
	}
}

func (a *API) rejectJoin(conn *realtime.Conn, err error) {
	_ = a.hub.SendTo(conn, errorFrame(frameJoinRejected, err))
}

func (a *API) handleSubmit(ctx context.Context, r *http.Request, conn *realtime.Conn, f inboundFrame) {
	if f.Item == nil {
		_ = a.hub.SendTo(conn, errorFrame(frameSubmitError,
			fmt.Errorf("%w: item is required", ceremony.ErrValidationFailed)))
		return
	}
	it, err := a.svc.SubmitItem(ctx, conn.Token(), ceremony.ItemInput{
		Type:      f.Item.Type,
		Detail:    f.Item.Detail,
		PersonaID: f.Item.PersonaID,
	})
	if err != nil {
		_ = a.hub.SendTo(conn, errorFrame(frameSubmitError, err))
		return
	}
	a.audit.logSession(AuditItemSubmitted, r, it.SessionID, slog.String("item_id", it.ID))
	_ = a.hub.SendTo(conn, SubmitAckFrame{Type: frameSubmitAck, Item: it})
}
