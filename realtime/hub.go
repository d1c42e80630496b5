// Package realtime owns the live side of a session: registered connections,
// presence, and the per-token broadcast queues that deliver committed changes
// to every participant.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/internal/uuid"
)

// Hub is the process-wide registry of live sessions. One Hub is built at
// startup and shared by the HTTP layer and the ceremony service.
type Hub struct {
	logger        *slog.Logger
	queueSize     int
	sendTimeout   time.Duration
	concurrency   int
	workerIdle    time.Duration
	staleAfter    time.Duration
	retention     time.Duration
	meterProvider metric.MeterProvider
	now           func() time.Time

	metrics  *hubMetrics
	registry *registry
	presence *presenceTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*tokenQueue
	closed bool
}

var _ ceremony.Notifier = (*Hub)(nil)

// NewHub returns a running Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:        slog.Default(),
		queueSize:     DefaultQueueSize,
		sendTimeout:   DefaultSendTimeout,
		concurrency:   DefaultFanoutConcurrency,
		workerIdle:    DefaultWorkerIdle,
		staleAfter:    DefaultStaleAfter,
		retention:     DefaultRetention,
		meterProvider: otel.GetMeterProvider(),
		now:           time.Now,
		queues:        make(map[string]*tokenQueue),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "realtime")

	m, err := newHubMetrics(h.meterProvider)
	if err != nil {
		h.logger.Warn("hub metrics disabled", "error", err)
		m, _ = newHubMetrics(noop.NewMeterProvider())
	}
	h.metrics = m
	h.registry = newRegistry(h.connRemoved)
	h.presence = newPresenceTracker(h.staleAfter, h.retention, h.now)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Connect registers a new link under token and announces it.
func (h *Hub) Connect(token string, tr Transport) *Conn {
	c := newConn(uuid.New(), token, tr)
	h.registry.add(c)
	c.open()
	h.metrics.active.Add(context.Background(), 1)
	h.presence.touch(token, c.id)
	h.logger.Debug("connection registered", "token", redact(token), "conn_id", c.id)
	h.enqueuePresence(token)
	return c
}

// Disconnect unregisters c. Its presence record stays, marked offline.
func (h *Hub) Disconnect(c *Conn) {
	h.Kick(c, CloseNormal, "")
}

// Kick unregisters c and closes it with reason. Calling it on a connection
// that is already gone does nothing.
func (h *Hub) Kick(c *Conn, reason CloseReason, text string) {
	h.registry.remove(c)
	c.close(reason, text)
}

// connRemoved runs for every registry removal except close-all.
func (h *Hub) connRemoved(c *Conn) {
	h.metrics.active.Add(context.Background(), -1)
	h.presence.markOffline(c.token, c.id)
	h.enqueuePresence(c.token)
}

// Join attaches an identity to c's presence record and broadcasts presence.
// Persona exclusivity is the claim registry's job; only name-only joins are
// checked here.
func (h *Hub) Join(c *Conn, personaID *int64, name string) error {
	if err := h.presence.join(c.token, c.id, personaID, name); err != nil {
		return err
	}
	h.enqueuePresence(c.token)
	return nil
}

// Leave forgets c's presence record. The connection stays registered.
func (h *Hub) Leave(c *Conn) {
	h.presence.leave(c.token, c.id)
	h.enqueuePresence(c.token)
}

// Touch records a heartbeat from c.
func (h *Hub) Touch(c *Conn) {
	if h.presence.touch(c.token, c.id) {
		h.enqueuePresence(c.token)
	}
}

// Presence returns the current snapshot for token.
func (h *Hub) Presence(token string) PresenceSnapshot {
	return h.presence.snapshot(token)
}

// Connections returns how many links are registered under token.
func (h *Hub) Connections(token string) int {
	return h.registry.count(token)
}

// SendTo writes one frame to c alone, outside the broadcast queue. Used for
// replies that only the sender may see.
func (h *Hub) SendTo(c *Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.Send(h.ctx, h.sendTimeout, payload); err != nil {
		h.prune(c, err)
		return err
	}
	return nil
}

// Broadcast queues event for every connection of token.
func (h *Hub) Broadcast(token string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encoding broadcast", "token", redact(token), "error", err)
		return
	}
	h.enqueue(token, message{payload: payload})
}

// ResetPresence forgets all presence for token and broadcasts the empty view.
func (h *Hub) ResetPresence(token string) {
	h.presence.reset(token)
	h.enqueuePresence(token)
}

// CloseAll queues final frames for token, then closes every connection and
// forgets its presence. It is ordered behind pending broadcasts and is never
// dropped.
func (h *Hub) CloseAll(token string, final ...any) {
	finals := make([][]byte, 0, len(final)+1)
	empty, _ := json.Marshal(EmptyPresence())
	finals = append(finals, empty)
	for _, f := range final {
		payload, err := json.Marshal(f)
		if err != nil {
			h.logger.Error("encoding final frame", "token", redact(token), "error", err)
			continue
		}
		finals = append(finals, payload)
	}
	h.enqueue(token, message{closeAll: true, finals: finals})
}

func (h *Hub) enqueuePresence(token string) {
	h.Broadcast(token, h.presence.snapshot(token))
}

// Close stops every worker and closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	for _, c := range h.registry.all() {
		if h.registry.remove(c) {
			c.close(CloseGoingAway, "server shutting down")
		}
	}
}

// redact keeps session tokens out of logs.
func redact(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}
