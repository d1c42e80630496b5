package realtime

import (
	"context"

	"nhooyr.io/websocket"
)

// WebSocketTransport adapts a websocket connection to Transport. Frames are
// sent as text messages.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps conn.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) Write(ctx context.Context, msg []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, msg)
}

func (t *WebSocketTransport) Close(reason CloseReason, text string) error {
	return t.conn.Close(closeStatus(reason), text)
}

func closeStatus(reason CloseReason) websocket.StatusCode {
	switch reason {
	case CloseGoingAway:
		return websocket.StatusGoingAway
	case ClosePolicyViolation:
		return websocket.StatusPolicyViolation
	case CloseSendFailed:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}
