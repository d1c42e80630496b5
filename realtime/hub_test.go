package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// fakeTransport records frames. fail makes every write error; gate, when
// set, holds each write until it is closed or ctx expires.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   error
	gate   chan struct{}
	closed bool
	reason CloseReason
}

func (f *fakeTransport) Write(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	gate, fail := f.gate, f.fail
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), msg...))
	return nil
}

func (f *fakeTransport) Close(reason CloseReason, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fr := range f.frames {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(fr, &head) == nil {
			out = append(out, head.Type)
		}
	}
	return out
}

// nonPresence drops presence frames, which connect and prune events add.
func (f *fakeTransport) nonPresence() []string {
	var out []string
	for _, typ := range f.types() {
		if typ != "presence" {
			out = append(out, typ)
		}
	}
	return out
}

func (f *fakeTransport) isClosed() (bool, CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

type event struct {
	Type string `json:"type"`
	N    int    `json:"n,omitempty"`
}

func newTestHub(t *testing.T, opts ...Option) (*Hub, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	opts = append([]Option{WithMeterProvider(mp), WithSendTimeout(200 * time.Millisecond)}, opts...)
	h := NewHub(opts...)
	t.Cleanup(h.Close)
	return h, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				return total
			}
		}
	}
	return 0
}

func TestHubBroadcastInOrder(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := &fakeTransport{}, &fakeTransport{}
	h.Connect("T", a)
	h.Connect("T", b)
	other := &fakeTransport{}
	h.Connect("U", other)

	for i := range 5 {
		h.Broadcast("T", event{Type: "item_added", N: i})
	}

	want := []string{"item_added", "item_added", "item_added", "item_added", "item_added"}
	for _, tr := range []*fakeTransport{a, b} {
		assert.Eventually(t, func() bool { return len(tr.nonPresence()) == 5 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, want, tr.nonPresence())

		tr.mu.Lock()
		var ns []int
		for _, fr := range tr.frames {
			var e event
			require.NoError(t, json.Unmarshal(fr, &e))
			if e.Type == "item_added" {
				ns = append(ns, e.N)
			}
		}
		tr.mu.Unlock()
		assert.Equal(t, []int{0, 1, 2, 3, 4}, ns, "enqueue order is kept per token")
	}
	assert.Empty(t, other.nonPresence(), "tokens are isolated")
}

func TestHubFailedSendPrunesOnlyThatConnection(t *testing.T) {
	h, reader := newTestHub(t)
	good := &fakeTransport{}
	bad := &fakeTransport{}
	h.Connect("T", good)
	badConn := h.Connect("T", bad)
	require.NoError(t, h.Join(badConn, id(3), "Caro"))

	bad.mu.Lock()
	bad.fail = errors.New("broken pipe")
	bad.mu.Unlock()

	h.Broadcast("T", event{Type: "vote_cast"})

	assert.Eventually(t, func() bool { return h.Connections("T") == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(good.nonPresence()) == 1
	}, time.Second, 5*time.Millisecond)
	closed, reason := bad.isClosed()
	assert.True(t, closed)
	assert.Equal(t, CloseSendFailed, reason)
	assert.Equal(t, ConnClosed, badConn.State())

	snap := h.Presence("T")
	require.Len(t, snap.Personas, 1, "the record is kept after removal")
	assert.False(t, snap.Personas[0].Online)

	assert.Eventually(t, func() bool {
		return counter(t, reader, "scrumlive_connections_pruned_total") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), counter(t, reader, "scrumlive_connections_active"))
}

func TestHubSlowSendTimesOut(t *testing.T) {
	h, _ := newTestHub(t, WithSendTimeout(20*time.Millisecond))
	fast := &fakeTransport{}
	slow := &fakeTransport{gate: make(chan struct{})}
	h.Connect("T", fast)
	h.Connect("T", slow)

	h.Broadcast("T", event{Type: "retro_updated"})

	assert.Eventually(t, func() bool { return h.Connections("T") == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(fast.nonPresence()) == 1 }, time.Second, 5*time.Millisecond)
	closed, _ := slow.isClosed()
	assert.True(t, closed)
}

func TestHubOverflowDropsNewest(t *testing.T) {
	h, reader := newTestHub(t, WithQueueSize(2), WithSendTimeout(5*time.Second))
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	h.Connect("T", tr) // its presence frame holds the worker at the gate

	// Wait until the worker has taken the presence frame off the queue.
	assert.Eventually(t, func() bool { return counter(t, reader, "scrumlive_broadcasts_enqueued_total") >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	for i := range 10 {
		h.Broadcast("T", event{Type: "item_added", N: i})
	}
	assert.Equal(t, int64(8), counter(t, reader, "scrumlive_broadcasts_dropped_total"))

	close(gate)
	assert.Eventually(t, func() bool { return len(tr.nonPresence()) == 2 }, time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	var ns []int
	for _, fr := range tr.frames {
		var e event
		require.NoError(t, json.Unmarshal(fr, &e))
		if e.Type == "item_added" {
			ns = append(ns, e.N)
		}
	}
	assert.Equal(t, []int{0, 1}, ns, "the oldest queued items survive")
}

func TestHubCloseAll(t *testing.T) {
	h, reader := newTestHub(t)
	a, b := &fakeTransport{}, &fakeTransport{}
	ca := h.Connect("T", a)
	h.Connect("T", b)
	require.NoError(t, h.Join(ca, id(1), "Ana"))

	h.Broadcast("T", event{Type: "retro_updated"})
	h.CloseAll("T", event{Type: "retro_closed"})

	assert.Eventually(t, func() bool { return h.Connections("T") == 0 }, time.Second, 5*time.Millisecond)
	for _, tr := range []*fakeTransport{a, b} {
		closed, reason := tr.isClosed()
		assert.True(t, closed)
		assert.Equal(t, CloseNormal, reason)
		types := tr.types()
		require.GreaterOrEqual(t, len(types), 3)
		assert.Equal(t, []string{"retro_updated", "presence", "retro_closed"}, types[len(types)-3:],
			"pending broadcasts go out before the final frames")
	}

	a.mu.Lock()
	var last PresenceSnapshot
	require.NoError(t, json.Unmarshal(a.frames[len(a.frames)-2], &last))
	a.mu.Unlock()
	assert.Equal(t, 0, last.Total)
	assert.Empty(t, last.Personas)

	assert.Empty(t, h.Presence("T").Personas)
	assert.Equal(t, int64(0), counter(t, reader, "scrumlive_connections_active"))
}

func TestHubCloseAllSurvivesFullQueue(t *testing.T) {
	h, reader := newTestHub(t, WithQueueSize(1), WithSendTimeout(5*time.Second))
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	h.Connect("T", tr)
	time.Sleep(20 * time.Millisecond)

	h.Broadcast("T", event{Type: "item_added"}) // fills the queue
	h.Broadcast("T", event{Type: "item_added"}) // dropped
	h.CloseAll("T", event{Type: "poker_closed"})
	assert.Equal(t, int64(1), counter(t, reader, "scrumlive_broadcasts_dropped_total"))

	close(gate)
	assert.Eventually(t, func() bool {
		closed, _ := tr.isClosed()
		return closed
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, tr.types(), "poker_closed")
	assert.Equal(t, 0, h.Connections("T"))
}

func TestHubWorkerRetiresWhenIdle(t *testing.T) {
	h, _ := newTestHub(t, WithWorkerIdle(20*time.Millisecond))
	tr := &fakeTransport{}
	h.Connect("T", tr)

	queues := func() int {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.queues)
	}
	assert.Eventually(t, func() bool { return queues() == 0 }, time.Second, 5*time.Millisecond)

	h.Broadcast("T", event{Type: "vote_cast"})
	assert.Eventually(t, func() bool { return len(tr.nonPresence()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubDisconnectMarksOffline(t *testing.T) {
	h, _ := newTestHub(t)
	watcher := &fakeTransport{}
	h.Connect("T", watcher)
	tr := &fakeTransport{}
	c := h.Connect("T", tr)
	require.NoError(t, h.Join(c, id(5), "Eva"))
	assert.Equal(t, ConnOpen, c.State())

	h.Disconnect(c)
	assert.Equal(t, ConnClosed, c.State())
	assert.Equal(t, 1, h.Connections("T"))

	snap := h.Presence("T")
	require.Len(t, snap.Personas, 1)
	assert.False(t, snap.Personas[0].Online)

	// The watcher hears about it.
	assert.Eventually(t, func() bool {
		watcher.mu.Lock()
		defer watcher.mu.Unlock()
		if len(watcher.frames) == 0 {
			return false
		}
		var s PresenceSnapshot
		if json.Unmarshal(watcher.frames[len(watcher.frames)-1], &s) != nil {
			return false
		}
		return s.Total == 1 && s.Online == 0
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Send(context.Background(), time.Second, []byte("x")), errConnClosed)
}

func TestHubJoinRejectsLiveNameClash(t *testing.T) {
	h, _ := newTestHub(t)
	c1 := h.Connect("T", &fakeTransport{})
	c2 := h.Connect("T", &fakeTransport{})
	require.NoError(t, h.Join(c1, nil, "Dani"))
	assert.Error(t, h.Join(c2, nil, "dani"))

	h.Leave(c1)
	assert.NoError(t, h.Join(c2, nil, "dani"))
}

func TestHubSendToRepliesOnlyToSender(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := &fakeTransport{}, &fakeTransport{}
	ca := h.Connect("T", a)
	h.Connect("T", b)

	require.NoError(t, h.SendTo(ca, event{Type: "submit_ack"}))
	assert.Contains(t, a.types(), "submit_ack")
	assert.NotContains(t, b.types(), "submit_ack")
}

func TestHubResetPresence(t *testing.T) {
	h, _ := newTestHub(t)
	c := h.Connect("T", &fakeTransport{})
	require.NoError(t, h.Join(c, id(1), "Ana"))
	require.Len(t, h.Presence("T").Personas, 1)

	h.ResetPresence("T")
	assert.Empty(t, h.Presence("T").Personas)
	assert.Equal(t, 1, h.Connections("T"), "connections stay registered")
}

func TestHubCloseShutsEverything(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	h := NewHub(WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	tr := &fakeTransport{}
	c := h.Connect("T", tr)
	assert.Eventually(t, func() bool { return len(tr.types()) == 1 }, time.Second, 5*time.Millisecond)
	h.Close()
	h.Close()

	closed, reason := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, CloseGoingAway, reason)
	assert.Equal(t, ConnClosed, c.State())
	assert.Equal(t, 0, h.Connections("T"))

	h.Broadcast("T", event{Type: "late"}) // no-op after close
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connecting", ConnConnecting.String())
	assert.Equal(t, "open", ConnOpen.String())
	assert.Equal(t, "closing", ConnClosing.String())
	assert.Equal(t, "closed", ConnClosed.String())
}
