package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fablink/messaging/internal/config"
	"github.com/fablink/messaging/internal/identity"
	"github.com/fablink/messaging/internal/messaging"
)

func testChannelConfig() config.ChannelConfig {
	return config.ChannelConfig{
		WriteWait:      250 * time.Millisecond,
		PongWait:       500 * time.Millisecond,
		SendBufferSize: 16,
		MaxFrameSize:   4096,
	}
}

// newTestGateway serves /ws with the identity taken from the "id" query
// parameter, standing in for the JWT middleware.
func newTestGateway(t *testing.T, cfg config.ChannelConfig) (*Manager, *httptest.Server) {
	t.Helper()
	mgr := NewManager(messaging.NewMemoryStore(), nil, zerolog.Nop())
	handler := NewHandler(mgr, cfg, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(identity.WithIdentity(r.Context(), r.URL.Query().Get("id")))
		handler.ServeWS(w, r)
	}))
	t.Cleanup(srv.Close)
	return mgr, srv
}

func dialChannel(t *testing.T, srv *httptest.Server, identityID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=" + identityID
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing channel for %s: %v", identityID, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPushReachesBoundChannel(t *testing.T) {
	mgr, srv := newTestGateway(t, testChannelConfig())

	ws := dialChannel(t, srv, "alice")
	waitFor(t, func() bool { return mgr.Bound("alice") }, "alice never bound")

	if !mgr.Push("alice", []byte(`{"type":"message.created"}`)) {
		t.Fatal("push to bound identity refused")
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading pushed frame: %v", err)
	}
	if string(payload) != `{"type":"message.created"}` {
		t.Fatalf("unexpected frame: %s", payload)
	}

	if mgr.Push("nobody", []byte("x")) {
		t.Fatal("push to unbound identity must report false")
	}
}

func TestLastConnectedWins(t *testing.T) {
	mgr, srv := newTestGateway(t, testChannelConfig())

	first := dialChannel(t, srv, "alice")
	waitFor(t, func() bool { return mgr.Bound("alice") }, "alice never bound")

	second := dialChannel(t, srv, "alice")

	// The first connection is closed by the server with the superseded code.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("superseded connection still readable")
	}
	if !websocket.IsCloseError(err, closeCodeSuperseded) {
		t.Fatalf("close error = %v, want code %d", err, closeCodeSuperseded)
	}

	// Pushes now land only on the second connection.
	waitFor(t, func() bool { return mgr.Push("alice", []byte("after-swap")) }, "push after swap refused")
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("reading on second connection: %v", err)
	}
	if string(payload) != "after-swap" {
		t.Fatalf("unexpected frame on second connection: %s", payload)
	}
}

func TestSupersededDetachKeepsSuccessor(t *testing.T) {
	mgr, srv := newTestGateway(t, testChannelConfig())

	first := dialChannel(t, srv, "alice")
	waitFor(t, func() bool { return mgr.Bound("alice") }, "alice never bound")
	_ = dialChannel(t, srv, "alice")

	// Drive the superseded connection through its disconnect path, then give
	// the server a moment to run Detach for it.
	first.Close()
	time.Sleep(100 * time.Millisecond)

	if !mgr.Bound("alice") {
		t.Fatal("successor binding evicted by stale detach")
	}
}

func TestDisconnectReleasesBinding(t *testing.T) {
	mgr, srv := newTestGateway(t, testChannelConfig())

	ws := dialChannel(t, srv, "bob")
	waitFor(t, func() bool { return mgr.Bound("bob") }, "bob never bound")

	ws.Close()
	waitFor(t, func() bool { return !mgr.Bound("bob") }, "binding survived disconnect")
}

func TestHeartbeatTimeoutDisconnectsSilentPeer(t *testing.T) {
	cfg := testChannelConfig()
	cfg.PongWait = 300 * time.Millisecond
	cfg.WriteWait = 100 * time.Millisecond
	mgr, srv := newTestGateway(t, cfg)

	// Dial but never read: the client's ping handler only runs inside a
	// read, so the server sees no pongs and times the channel out.
	dialChannel(t, srv, "carol")
	waitFor(t, func() bool { return mgr.Bound("carol") }, "carol never bound")

	waitFor(t, func() bool { return !mgr.Bound("carol") }, "silent channel never timed out")
}

func TestCloseAllTerminatesChannels(t *testing.T) {
	mgr, srv := newTestGateway(t, testChannelConfig())

	ws := dialChannel(t, srv, "dave")
	waitFor(t, func() bool { return mgr.Bound("dave") }, "dave never bound")

	mgr.CloseAll()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("channel still readable after CloseAll")
	}
	if mgr.Bound("dave") {
		t.Fatal("binding survived CloseAll")
	}
}
