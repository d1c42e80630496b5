package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle of one participant link.
type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason tells the transport why a link is being closed.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseGoingAway
	ClosePolicyViolation
	CloseSendFailed
)

// Transport is the framed, message-oriented link behind a Conn. Write must
// honour ctx cancellation; Close must be safe to call more than once.
type Transport interface {
	Write(ctx context.Context, msg []byte) error
	Close(reason CloseReason, text string) error
}

var errConnClosed = errors.New("connection closed")

// Conn is one registered link within a session token.
type Conn struct {
	id    string
	token string
	tr    Transport
	state atomic.Int32

	// sendMu keeps frames from interleaving on the wire.
	sendMu sync.Mutex
}

func newConn(id, token string, tr Transport) *Conn {
	c := &Conn{id: id, token: token, tr: tr}
	c.state.Store(int32(ConnConnecting))
	return c
}

// ID returns the process-unique connection id.
func (c *Conn) ID() string { return c.id }

// Token returns the session token the connection belongs to.
func (c *Conn) Token() string { return c.token }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) open() {
	c.state.CompareAndSwap(int32(ConnConnecting), int32(ConnOpen))
}

// Send writes one frame, bounded by timeout.
func (c *Conn) Send(ctx context.Context, timeout time.Duration, msg []byte) error {
	if c.State() >= ConnClosing {
		return errConnClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.State() >= ConnClosing {
		return errConnClosed
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.tr.Write(ctx, msg)
}

// close moves the connection to Closed and closes the transport once.
// It reports whether this call performed the close.
func (c *Conn) close(reason CloseReason, text string) bool {
	for {
		cur := c.state.Load()
		if ConnState(cur) >= ConnClosing {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(ConnClosing)) {
			break
		}
	}
	_ = c.tr.Close(reason, text)
	c.state.Store(int32(ConnClosed))
	return true
}
