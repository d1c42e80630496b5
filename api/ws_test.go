package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/jmcleod/scrumlive/api"
	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/realtime"
)

type frame struct {
	Type     string            `json:"type"`
	Total    int               `json:"total"`
	Online   int               `json:"online"`
	Personas []json.RawMessage `json:"personas"`
	Claims   []int64           `json:"claims"`
	Error    *api.FrameError   `json:"error"`
	Item     *ceremony.Item    `json:"item"`
}

func (e *testEnv) wsURL(kind, token string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/ws/" + kind + "/" + token
}

func dial(t *testing.T, env *testEnv, kind, token string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(t.Context(), env.wsURL(kind, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Write(t.Context(), websocket.MessageText, data))
}

// readUntil returns the first frame of type typ, skipping everything else.
func readUntil(t *testing.T, c *websocket.Conn, typ string) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err, "waiting for %s", typ)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

// readToClose drains frames until the server closes the connection and
// returns the frame types seen plus the close error.
func readToClose(t *testing.T, c *websocket.Conn) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	var types []string
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return types, err
		}
		var f frame
		if json.Unmarshal(data, &f) == nil {
			types = append(types, f.Type)
		}
	}
}

func joinFrame(personaID int64, name, clientID string) map[string]any {
	f := map[string]any{"type": "join", "nombre": name, "client_id": clientID}
	if personaID > 0 {
		f["persona_id"] = personaID
	}
	return f
}

func TestSocketHandshake(t *testing.T) {
	env := setupServer(t)
	retro := env.createRetro(t, 1, 1)

	_, resp, err := websocket.Dial(t.Context(), env.wsURL("retros", "missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.Dial(t.Context(), env.wsURL("poker", retro.Token), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "kind must match the route")

	closed := "closed"
	r := doJSON(t, http.MethodPut, env.url("/retros/"+retro.ID), api.UpdateSessionRequest{State: &closed})
	require.Equal(t, http.StatusOK, r.StatusCode)

	_, resp, err = websocket.Dial(t.Context(), env.wsURL("retros", retro.Token), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// Two tabs try to take the same persona; only the first gets it.
func TestSocketPersonaExclusivity(t *testing.T) {
	env := setupServer(t)
	resp := doJSON(t, http.MethodPost, env.url("/poker/sessions"), api.CreatePokerRequest{TeamID: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := decode[api.SessionResponse](t, resp).Token

	c1 := dial(t, env, "poker", token)
	c2 := dial(t, env, "poker", token)

	send(t, c1, joinFrame(7, "Ana", "client-1"))
	claims := readUntil(t, c1, "claims_updated")
	assert.Equal(t, []int64{7}, claims.Claims)

	send(t, c2, joinFrame(7, "Ana", "client-2"))
	rejected := readUntil(t, c2, "join_rejected")
	require.NotNil(t, rejected.Error)
	assert.Equal(t, "already_claimed", rejected.Error.Code)

	assert.Eventually(t, func() bool {
		snap := env.hub.Presence(token)
		return len(snap.Personas) == 1 && snap.Personas[0].PersonaID != nil &&
			*snap.Personas[0].PersonaID == 7 && snap.Personas[0].Online && snap.Online == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The same client on another tab is let in.
	c3 := dial(t, env, "poker", token)
	send(t, c3, joinFrame(7, "Ana", "client-1"))
	readUntil(t, c3, "claims_updated")
	snap := env.hub.Presence(token)
	assert.Len(t, snap.Personas, 1, "one entry per persona")
}

func TestSocketNameOnlyJoin(t *testing.T) {
	env := setupServer(t)
	retro := env.createRetro(t, 1, 2)

	c1 := dial(t, env, "retros", retro.Token)
	c2 := dial(t, env, "retros", retro.Token)

	send(t, c1, joinFrame(0, "Dani", ""))
	p := readUntil(t, c1, "presence")
	for p.Total == 0 {
		p = readUntil(t, c1, "presence")
	}
	assert.Equal(t, 1, p.Online)

	send(t, c2, joinFrame(0, "  dani ", ""))
	rejected := readUntil(t, c2, "join_rejected")
	assert.Equal(t, "already_claimed", rejected.Error.Code)

	send(t, c2, map[string]any{"type": "join"})
	rejected = readUntil(t, c2, "join_rejected")
	assert.Equal(t, "validation_failed", rejected.Error.Code)

	send(t, c1, map[string]any{"type": "leave"})
	assert.Eventually(t, func() bool { return env.hub.Presence(retro.Token).Total == 0 }, 2*time.Second, 10*time.Millisecond)

	send(t, c2, joinFrame(0, "dani", ""))
	assert.Eventually(t, func() bool { return env.hub.Presence(retro.Token).Online == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSocketSubmitItem(t *testing.T) {
	env := setupServer(t)
	retro := env.createRetro(t, 1, 3)
	sender := dial(t, env, "retros", retro.Token)
	watcher := dial(t, env, "retros", retro.Token)

	send(t, sender, map[string]any{"type": "submit_item", "item": map[string]any{"tipo": "bien", "detalle": "x"}})
	failed := readUntil(t, sender, "submit_error")
	assert.Equal(t, "phase_mismatch", failed.Error.Code)

	resp := env.setPhase(t, "/retros/"+retro.ID, "bien")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, watcher, "retro_updated")

	// Garbage is ignored and the connection stays usable.
	require.NoError(t, sender.Write(t.Context(), websocket.MessageText, []byte("{not json")))

	send(t, sender, map[string]any{"type": "submit_item", "item": map[string]any{"tipo": "bien", "detalle": "daily standups"}})
	ack := readUntil(t, sender, "submit_ack")
	require.NotNil(t, ack.Item)
	assert.Equal(t, "daily standups", ack.Item.Detail)

	added := readUntil(t, watcher, "item_added")
	require.NotNil(t, added.Item)
	assert.Equal(t, ack.Item.ID, added.Item.ID)
}

func TestSocketCloseDisconnectsEveryone(t *testing.T) {
	env := setupServer(t)
	retro := env.createRetro(t, 1, 4)
	c1 := dial(t, env, "retros", retro.Token)
	c2 := dial(t, env, "retros", retro.Token)
	send(t, c1, joinFrame(1, "Ana", "a"))
	readUntil(t, c2, "claims_updated")

	closed := "closed"
	resp := doJSON(t, http.MethodPut, env.url("/retros/"+retro.ID), api.UpdateSessionRequest{State: &closed})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, c := range []*websocket.Conn{c1, c2} {
		types, err := readToClose(t, c)
		require.GreaterOrEqual(t, len(types), 2)
		assert.Equal(t, []string{"presence", "retro_closed"}, types[len(types)-2:])
		assert.Contains(t, types, "retro_updated")
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	}

	assert.Eventually(t, func() bool { return env.hub.Connections(retro.Token) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, env.hub.Presence(retro.Token).Personas)
}

func TestSocketFrameFlood(t *testing.T) {
	env := setupServer(t, api.WithFrameLimit(5))
	retro := env.createRetro(t, 1, 5)
	c := dial(t, env, "retros", retro.Token)

	for range 10 {
		if err := c.Write(t.Context(), websocket.MessageText, []byte("ping")); err != nil {
			break
		}
	}
	_, err := readToClose(t, c)
	require.Error(t, err)
	var ce websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.StatusPolicyViolation, ce.Code)
}

// A connection that switches persona gives up the one it held.
func TestSocketPersonaSwitchReleasesPrevious(t *testing.T) {
	env := setupServer(t)
	resp := doJSON(t, http.MethodPost, env.url("/poker/sessions"), api.CreatePokerRequest{TeamID: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[api.SessionResponse](t, resp)

	c := dial(t, env, "poker", sess.Token)
	send(t, c, joinFrame(7, "Ana", "client-1"))
	assert.Equal(t, []int64{7}, readUntil(t, c, "claims_updated").Claims)

	send(t, c, joinFrame(8, "Bea", "client-1"))
	assert.Eventually(t, func() bool {
		ids, err := env.svc.ClaimedIDs(t.Context(), sess.ID)
		return err == nil && len(ids) == 1 && ids[0] == 8
	}, 2*time.Second, 10*time.Millisecond)

	// Another tab can now take the persona that was given up.
	other := dial(t, env, "poker", sess.Token)
	send(t, other, joinFrame(7, "Ana", "client-2"))
	assert.Eventually(t, func() bool {
		ids, err := env.svc.ClaimedIDs(t.Context(), sess.ID)
		return err == nil && len(ids) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// A refused switch keeps the current claim.
	send(t, c, joinFrame(7, "Ana", "client-1"))
	rejected := readUntil(t, c, "join_rejected")
	assert.Equal(t, "already_claimed", rejected.Error.Code)
	ids, err := env.svc.ClaimedIDs(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, ids)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Frames other than ping keep a participant's presence fresh.
func TestSocketEveryFrameRefreshesPresence(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	env := setupServerWithHub(t, []realtime.Option{realtime.WithClock(clock.Now)})
	retro := env.createRetro(t, 1, 6)
	c := dial(t, env, "retros", retro.Token)

	send(t, c, joinFrame(0, "Dani", ""))
	assert.Eventually(t, func() bool { return env.hub.Presence(retro.Token).Online == 1 }, 2*time.Second, 10*time.Millisecond)

	clock.Advance(10 * time.Second)
	send(t, c, map[string]any{"type": "submit_item", "item": map[string]any{"tipo": "bien", "detalle": "x"}})
	readUntil(t, c, "submit_error")

	clock.Advance(10 * time.Second)
	snap := env.hub.Presence(retro.Token)
	require.Len(t, snap.Personas, 1)
	assert.True(t, snap.Personas[0].Online, "submit_item counted as a heartbeat")
	assert.Equal(t, 1, snap.Online)
}
