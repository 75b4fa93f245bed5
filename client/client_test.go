package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/fablink/messaging/internal/channel"
	"github.com/fablink/messaging/internal/config"
	"github.com/fablink/messaging/internal/identity"
	"github.com/fablink/messaging/internal/messaging"
)

const testSecret = "client-test-secret"

// newStack runs the full server: store, channel manager, router, tracker,
// REST and websocket handlers behind real JWT middleware.
func newStack(t *testing.T) (*httptest.Server, *identity.Verifier) {
	t.Helper()

	store := messaging.NewMemoryStore()
	mgr := channel.NewManager(store, nil, zerolog.Nop())
	router := messaging.NewRouter(store, mgr, nil, nil, zerolog.Nop())
	tracker := messaging.NewTracker(store, mgr, nil, zerolog.Nop())
	rest := messaging.NewHandler(store, router, tracker, zerolog.Nop())
	ws := channel.NewHandler(mgr, config.ChannelConfig{
		WriteWait:      time.Second,
		PongWait:       10 * time.Second,
		SendBufferSize: 64,
		MaxFrameSize:   8192,
	}, zerolog.Nop())

	verifier := identity.NewVerifier(testSecret)
	mw := identity.NewMiddleware(verifier)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(mw.Handle)
		r.Get("/ws", ws.ServeWS)
		r.Route("/api", func(r chi.Router) {
			rest.Routes(r, nil)
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, verifier
}

func newTestClient(t *testing.T, srv *httptest.Server, verifier *identity.Verifier, identityID string, events Events) *Client {
	t.Helper()
	token, err := verifier.Sign(identityID, time.Hour)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return New(Config{
		BaseURL:     srv.URL,
		Token:       token,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  200 * time.Millisecond,
	}, events)
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never reached state %v (now %v)", want, c.State())
}

func TestEndToEndPushThenCatchUp(t *testing.T) {
	srv, verifier := newStack(t)

	var mu sync.Mutex
	var received []*messaging.Message
	fromPeer := func() []*messaging.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]*messaging.Message(nil), received...)
	}

	bob := newTestClient(t, srv, verifier, "bob", Events{
		OnMessage: func(m *messaging.Message) {
			if m.SenderID == "bob" {
				return
			}
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
		},
	})
	alice := newTestClient(t, srv, verifier, "alice", Events{})

	bobCtx, stopBob := context.WithCancel(context.Background())
	go bob.Run(bobCtx)
	aliceCtx, stopAlice := context.WithCancel(context.Background())
	defer stopAlice()
	go alice.Run(aliceCtx)

	waitState(t, bob, StateOpen)
	waitState(t, alice, StateOpen)

	// Live push while both channels are open.
	alice.Send(context.Background(), messaging.SendRequest{RecipientID: "bob", Content: "hello bob"})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(fromPeer()) < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := fromPeer()
	if len(msgs) != 1 || msgs[0].Content != "hello bob" {
		t.Fatalf("live push not received: %+v", msgs)
	}

	// Drop bob, let alice keep talking.
	stopBob()
	waitState(t, bob, StateClosed)
	for i := 0; i < 3; i++ {
		alice.Send(context.Background(), messaging.SendRequest{
			RecipientID: "bob",
			Content:     fmt.Sprintf("offline %d", i),
		})
	}

	// Reconnect: catch-up must deliver the three missed messages, once each,
	// without re-delivering the first one.
	bobCtx2, stopBob2 := context.WithCancel(context.Background())
	defer stopBob2()
	go bob.Run(bobCtx2)

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(fromPeer()) < 4 {
		time.Sleep(10 * time.Millisecond)
	}
	msgs = fromPeer()
	if len(msgs) != 4 {
		t.Fatalf("after catch-up got %d messages, want 4", len(msgs))
	}
	seen := make(map[int64]bool)
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("message %d delivered twice", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && m.ID <= msgs[i-1].ID {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestOpenDiscoversConversationsStartedWhileOffline(t *testing.T) {
	srv, verifier := newStack(t)

	// Alice opens a brand-new conversation before carol has ever connected,
	// so carol has no watermark and no watched set for it.
	alice := newTestClient(t, srv, verifier, "alice", Events{})
	aliceCtx, stopAlice := context.WithCancel(context.Background())
	defer stopAlice()
	go alice.Run(aliceCtx)
	waitState(t, alice, StateOpen)

	for i := 0; i < 2; i++ {
		alice.Send(context.Background(), messaging.SendRequest{
			RecipientID: "carol",
			Content:     fmt.Sprintf("intro %d", i),
		})
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && alice.Pending() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if alice.Pending() != 0 {
		t.Fatal("alice's sends never acknowledged")
	}

	var mu sync.Mutex
	var got []*messaging.Message
	carol := newTestClient(t, srv, verifier, "carol", Events{
		OnMessage: func(m *messaging.Message) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
	})
	carolCtx, stopCarol := context.WithCancel(context.Background())
	defer stopCarol()
	go carol.Run(carolCtx)

	// No Watch call: the open itself must find the conversation and pull
	// the backlog.
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("carol received %d messages, want 2", len(got))
	}
	if got[0].Content != "intro 0" || got[1].Content != "intro 1" {
		t.Fatalf("backlog wrong or out of order: %q, %q", got[0].Content, got[1].Content)
	}
}

func TestQueuedSendsSurviveUntilAcknowledged(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var req messaging.SendRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(messaging.Message{
			ID:             1,
			ConversationID: 7,
			SenderID:       "me",
			Content:        req.Content,
			ClientNonce:    req.ClientNonce,
			CreatedAt:      time.Now().UTC(),
		})
	}))
	t.Cleanup(srv.Close)

	var delivered []*messaging.Message
	c := New(Config{BaseURL: srv.URL, Token: "t"}, Events{
		OnMessage: func(m *messaging.Message) { delivered = append(delivered, m) },
	})

	c.Send(context.Background(), messaging.SendRequest{RecipientID: "you", Content: "hold on"})
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 (client idle, nothing flushed)", c.Pending())
	}

	// First flush hits the 500: the entry must survive.
	c.flushQueue(context.Background())
	if c.Pending() != 1 {
		t.Fatalf("pending after failed flush = %d, want 1", c.Pending())
	}
	if len(delivered) != 0 {
		t.Fatal("nothing should be delivered before acknowledgment")
	}

	// Second flush is acknowledged: only now does the entry leave the queue.
	c.flushQueue(context.Background())
	if c.Pending() != 0 {
		t.Fatalf("pending after ack = %d, want 0", c.Pending())
	}
	if len(delivered) != 1 || delivered[0].Content != "hold on" {
		t.Fatalf("acknowledged message not delivered: %+v", delivered)
	}
}

func TestRejectedSendIsDroppedNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "message content is empty", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	var rejected []messaging.SendRequest
	c := New(Config{BaseURL: srv.URL, Token: "t"}, Events{
		OnSendRejected: func(req messaging.SendRequest, err error) {
			if !errors.Is(err, ErrRejected) {
				t.Errorf("rejection error = %v, want ErrRejected", err)
			}
			rejected = append(rejected, req)
		},
	})

	c.Send(context.Background(), messaging.SendRequest{RecipientID: "you", Content: ""})
	c.flushQueue(context.Background())

	if c.Pending() != 0 {
		t.Fatalf("pending = %d, rejected entry must be dropped", c.Pending())
	}
	if len(rejected) != 1 {
		t.Fatalf("rejection callback fired %d times, want 1", len(rejected))
	}
}

func TestCatchUpPagesThroughBacklog(t *testing.T) {
	const total = 250

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := int64(0)
		fmt.Sscanf(r.URL.Query().Get("after"), "%d", &after)
		limit := 0
		fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)

		var page []*messaging.Message
		for id := after + 1; id <= total && len(page) < limit; id++ {
			page = append(page, &messaging.Message{
				ID:             id,
				ConversationID: 1,
				SenderID:       "peer",
				Content:        fmt.Sprintf("backlog %d", id),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)

	var got []int64
	c := New(Config{BaseURL: srv.URL, Token: "t"}, Events{
		OnMessage: func(m *messaging.Message) { got = append(got, m.ID) },
	})

	c.Watch(1, 0)
	c.catchUp(context.Background())

	if len(got) != total {
		t.Fatalf("catch-up delivered %d messages, want %d", len(got), total)
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("gap or duplicate at index %d: id %d", i, id)
		}
	}
}

func TestDeliverIsOncePerMessageID(t *testing.T) {
	var count int
	c := New(Config{BaseURL: "http://localhost", Token: "t"}, Events{
		OnMessage: func(*messaging.Message) { count++ },
	})

	msg := &messaging.Message{ID: 42, ConversationID: 1, SenderID: "peer", Content: "once"}
	c.deliver(msg)
	c.deliver(msg)

	if count != 1 {
		t.Fatalf("message delivered %d times, want 1", count)
	}
}
