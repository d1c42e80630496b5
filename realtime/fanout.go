package realtime

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// message is one unit of work on a token queue.
type message struct {
	payload  []byte
	closeAll bool
	finals   [][]byte
}

// tokenQueue is the bounded queue drained by a token's single worker.
// pending counts close-all messages still waiting to get into ch.
type tokenQueue struct {
	ch      chan message
	pending atomic.Int32
}

// enqueue hands m to token's worker without blocking. Regular broadcasts are
// dropped when the queue is full; close-all messages wait for room on a
// helper goroutine instead.
func (h *Hub) enqueue(token string, m message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	q, ok := h.queues[token]
	if !ok {
		q = &tokenQueue{ch: make(chan message, h.queueSize)}
		h.queues[token] = q
		h.wg.Add(1)
		go h.runWorker(token, q)
	}

	select {
	case q.ch <- m:
		h.metrics.enqueued.Add(context.Background(), 1)
		return
	default:
	}

	if !m.closeAll {
		h.metrics.dropped.Add(context.Background(), 1)
		h.logger.Warn("broadcast queue full, dropping message", "token", redact(token))
		return
	}
	q.pending.Add(1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer q.pending.Add(-1)
		select {
		case q.ch <- m:
			h.metrics.enqueued.Add(context.Background(), 1)
		case <-h.ctx.Done():
		}
	}()
}

// runWorker drains q in order until it has been idle for workerIdle or the
// hub shuts down.
func (h *Hub) runWorker(token string, q *tokenQueue) {
	defer h.wg.Done()
	idle := time.NewTimer(h.workerIdle)
	defer idle.Stop()

	for {
		select {
		case m := <-q.ch:
			h.deliver(token, m)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.workerIdle)
		case <-idle.C:
			if h.retire(token, q) {
				return
			}
			idle.Reset(h.workerIdle)
		case <-h.ctx.Done():
			return
		}
	}
}

// retire removes q from the hub if nothing is queued or waiting. Enqueue
// holds the same lock while it sends, so nothing can slip in after the check.
func (h *Hub) retire(token string, q *tokenQueue) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(q.ch) > 0 || q.pending.Load() > 0 {
		return false
	}
	if h.queues[token] == q {
		delete(h.queues, token)
	}
	return true
}

func (h *Hub) deliver(token string, m message) {
	conns := h.registry.snapshot(token)
	if m.closeAll {
		h.closeConns(token, conns, m.finals)
		return
	}
	h.fanout(conns, m.payload)
}

// fanout sends payload to every conn concurrently. A failed send prunes that
// connection and never stops delivery to the rest.
func (h *Hub) fanout(conns []*Conn, payload []byte) {
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for _, c := range conns {
		g.Go(func() error {
			err := c.Send(h.ctx, h.sendTimeout, payload)
			if err != nil && h.ctx.Err() == nil {
				h.prune(c, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// prune drops a connection whose send failed. The registry callback marks it
// offline and queues a fresh presence snapshot.
func (h *Hub) prune(c *Conn, err error) {
	h.metrics.failed.Add(context.Background(), 1)
	if !h.registry.remove(c) {
		return
	}
	h.metrics.pruned.Add(context.Background(), 1)
	h.logger.Info("pruning connection after failed send",
		"token", redact(c.token), "conn_id", c.id, "error", err)
	c.close(CloseSendFailed, "send failed")
}

// closeConns delivers the final frames and closes every connection of the
// token, then forgets the token's connections and presence.
func (h *Hub) closeConns(token string, conns []*Conn, finals [][]byte) {
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for _, c := range conns {
		g.Go(func() error {
			for _, f := range finals {
				if err := c.Send(h.ctx, h.sendTimeout, f); err != nil {
					h.metrics.failed.Add(context.Background(), 1)
					break
				}
			}
			c.close(CloseNormal, "session closed")
			return nil
		})
	}
	_ = g.Wait()

	// Anything that registered while we were sending is closed without finals.
	removed := h.registry.removeAll(token)
	for _, c := range removed {
		c.close(CloseNormal, "session closed")
	}
	h.metrics.active.Add(context.Background(), -int64(len(removed)))
	h.presence.reset(token)
	h.logger.Info("session connections closed", "token", redact(token), "count", len(removed))
}
