package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHub is a minimal in-process stand-in for the backend hub.
type testHub struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []Envelope
	tokens   []string
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.tokens = append(h.tokens, r.URL.Query().Get("token"))
		h.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(msg, &env) == nil {
				h.mu.Lock()
				h.received = append(h.received, env)
				h.mu.Unlock()
			}
		}
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *testHub) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *testHub) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *testHub) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.conns, "no client connected")
	require.NoError(t, h.conns[len(h.conns)-1].WriteMessage(websocket.TextMessage, frame))
}

func (h *testHub) receivedEvents(name string) []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Envelope
	for _, env := range h.received {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func (h *testHub) dropClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
}

func startChannel(t *testing.T, hub *testHub) *Channel {
	t.Helper()
	ch := NewChannel(Config{
		URL:        hub.url(),
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	})
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { ch.Close() })

	require.Eventually(t, func() bool { return ch.Stats().Connected },
		2*time.Second, 10*time.Millisecond, "channel never connected")
	return ch
}

func TestConnect_Idempotent(t *testing.T) {
	hub := newTestHub(t)
	ch := startChannel(t, hub)

	require.NoError(t, ch.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.connCount(), "second Connect must not dial again")
}

func TestDispatch_MultipleHandlers(t *testing.T) {
	hub := newTestHub(t)
	ch := startChannel(t, hub)

	got := make(chan string, 4)
	ch.On(EventOffer, func(data json.RawMessage) {
		var p OfferPayload
		require.NoError(t, json.Unmarshal(data, &p))
		got <- "a:" + p.DeviceID
	})
	ch.On(EventOffer, func(data json.RawMessage) { got <- "b" })

	hub.push(t, EventOffer, OfferPayload{DeviceID: "cam-1", SDP: "v=0..."})

	assert.Equal(t, "a:cam-1", <-got)
	assert.Equal(t, "b", <-got)
}

func TestOff_RemovesHandler(t *testing.T) {
	hub := newTestHub(t)
	ch := startChannel(t, hub)

	removed := make(chan struct{}, 4)
	kept := make(chan struct{}, 4)
	ref := ch.On(EventNewAlert, func(json.RawMessage) { removed <- struct{}{} })
	ch.On(EventNewAlert, func(json.RawMessage) { kept <- struct{}{} })
	ch.Off(ref)

	hub.push(t, EventNewAlert, AlertBroadcast{ID: "A-1"})

	select {
	case <-kept:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining handler not invoked")
	}
	select {
	case <-removed:
		t.Fatal("removed handler still invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend_WhileDisconnectedDrops(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1/hub"})

	err := ch.Send(EventTriggerSiren, SirenPayload{DeviceID: "cam-1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, uint64(1), ch.Stats().DroppedSends)
}

func TestReady_AnnouncesOncePerDevice(t *testing.T) {
	hub := newTestHub(t)
	ch := startChannel(t, hub)

	ch.Ready("cam-1")
	ch.Ready("cam-1")
	ch.Ready("cam-2")

	require.Eventually(t, func() bool {
		return len(hub.receivedEvents(EventDashboardReady)) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	events := hub.receivedEvents(EventDashboardReady)
	assert.Len(t, events, 2, "duplicate interest must coalesce")
}

func TestReconnect_KeepsHandlersAndReannounces(t *testing.T) {
	hub := newTestHub(t)
	ch := startChannel(t, hub)

	got := make(chan string, 4)
	ch.On(EventOffer, func(data json.RawMessage) {
		var p OfferPayload
		_ = json.Unmarshal(data, &p)
		got <- p.DeviceID
	})
	ch.Ready("cam-1")
	// Wait for the first announce to land before cutting the link, so it
	// is not discarded server-side by the close below.
	require.Eventually(t, func() bool {
		return len(hub.receivedEvents(EventDashboardReady)) >= 1
	}, 2*time.Second, 10*time.Millisecond, "initial announce never arrived")

	hub.dropClients()
	require.Eventually(t, func() bool { return hub.connCount() >= 2 },
		2*time.Second, 10*time.Millisecond, "channel never redialed")
	require.Eventually(t, func() bool { return ch.Stats().Connected },
		2*time.Second, 10*time.Millisecond)

	// Interest is re-announced on the new link so the hub re-offers.
	require.Eventually(t, func() bool {
		return len(hub.receivedEvents(EventDashboardReady)) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, ch.Stats().Reconnects, uint64(1))

	hub.push(t, EventOffer, OfferPayload{DeviceID: "cam-9"})
	select {
	case id := <-got:
		assert.Equal(t, "cam-9", id, "handler must survive reconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked after reconnect")
	}
}

func TestToken_AttachedToDial(t *testing.T) {
	hub := newTestHub(t)
	ch := NewChannel(Config{
		URL:        hub.url(),
		Token:      func(context.Context) (string, error) { return "tok-123", nil },
		BackoffMin: 10 * time.Millisecond,
	})
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { ch.Close() })

	require.Eventually(t, func() bool { return hub.connCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Equal(t, "tok-123", hub.tokens[0])
}

func TestEventDedup_Window(t *testing.T) {
	d := NewEventDedup(16, 50*time.Millisecond)

	assert.False(t, d.IsDuplicate("A-1"))
	assert.True(t, d.IsDuplicate("A-1"))
	assert.False(t, d.IsDuplicate("A-2"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, d.IsDuplicate("A-1"), "expired entries are not duplicates")
}
