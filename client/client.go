// Package client is the Go SDK for the messaging core: it keeps a delivery
// channel open across drops, queues sends while offline, and reconciles
// missed messages with a catch-up fetch after every reconnect.
package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fablink/messaging/internal/messaging"
)

// State of the channel connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Config struct {
	// BaseURL is the http(s) origin of the messaging API.
	BaseURL string
	// Token is the identity token issued by the account service.
	Token string

	HTTPClient     *http.Client
	BackoffBase    time.Duration // default 500ms
	BackoffMax     time.Duration // default 30s
	CatchUpLimit   int           // page size for catch-up fetches, default 200
	HandshakeLimit time.Duration // websocket dial timeout, default 10s
}

// Events are the application callbacks. All are optional and are invoked
// from the client's connection goroutine; handlers must not block.
type Events struct {
	// OnMessage fires once per message id, whether it arrived by push,
	// catch-up, or send acknowledgment.
	OnMessage func(*messaging.Message)
	// OnRead fires when the peer advances its read cursor.
	OnRead func(*messaging.ReadReceipt)
	// OnState fires on connection state transitions.
	OnState func(State)
	// OnSendRejected fires when the server rejected a queued send with a
	// validation error; the entry is dropped, not retried.
	OnSendRejected func(messaging.SendRequest, error)
}

// Client is the reconnecting messaging client. One Client serves one
// identity; opening a second elsewhere supersedes this one's channel
// (the server will close it, and the client will reconnect and take over).
type Client struct {
	cfg     Config
	events  Events
	http    *http.Client
	backoff *Backoff
	queue   *OutboundQueue

	mu       sync.Mutex
	state    State
	lastSeen map[int64]int64          // conversation -> highest delivered id
	seen     map[int64]map[int64]bool // conversation -> message ids delivered to the app
	watched  map[int64]bool           // conversations reconciled on reconnect
}

func New(cfg Config, events Events) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.CatchUpLimit == 0 {
		cfg.CatchUpLimit = 200
	}
	if cfg.HandshakeLimit == 0 {
		cfg.HandshakeLimit = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		events:   events,
		http:     cfg.HTTPClient,
		backoff:  NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		queue:    NewOutboundQueue(),
		state:    StateIdle,
		lastSeen: make(map[int64]int64),
		seen:     make(map[int64]map[int64]bool),
		watched:  make(map[int64]bool),
	}
}

// Watch registers a conversation for catch-up reconciliation. afterID is the
// highest message id already held locally (0 for none). Calling it is only
// needed to seed a watermark above zero: every open also lists the identity's
// conversations and watches them, and delivery watches as a side effect.
func (c *Client) Watch(conversationID, afterID int64) {
	c.mu.Lock()
	c.watched[conversationID] = true
	if afterID > c.lastSeen[conversationID] {
		c.lastSeen[conversationID] = afterID
	}
	c.mu.Unlock()
}

// Send queues a message and, if the connection is currently open, flushes
// immediately. The entry stays queued until the server acknowledges it.
func (c *Client) Send(ctx context.Context, req messaging.SendRequest) {
	if req.ClientNonce == "" {
		req.ClientNonce = uuid.NewString()
	}
	c.queue.Enqueue(req)

	if c.State() == StateOpen {
		c.flushQueue(ctx)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of unacknowledged sends.
func (c *Client) Pending() int {
	return c.queue.Len()
}

// Run drives the connection state machine until ctx is canceled:
// Connecting -> Open -> Closed -> (backoff) -> Connecting. Reconnection is a
// scheduled timer, not recursion, so a flapping network cannot grow the stack.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)

		ws, err := c.dial(ctx)
		if err != nil {
			c.setState(StateClosed)
			if err := c.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		c.backoff.Reset()
		c.setState(StateOpen)

		// Order matters: replay queued sends first so the catch-up fetch
		// below already observes them, then reconcile everything missed.
		c.flushQueue(ctx)
		c.catchUp(ctx)

		// Cancellation must unblock the read loop; closing the socket is the
		// only way to interrupt a blocked websocket read.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				ws.Close()
			case <-readDone:
			}
		}()

		c.readLoop(ws)
		close(readDone)
		ws.Close()

		c.setState(StateClosed)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.sleep(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.channelURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeLimit}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func (c *Client) channelURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) sleep(ctx context.Context) error {
	timer := time.NewTimer(c.backoff.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := messaging.DecodeFrame(payload)
		if err != nil {
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame *messaging.Frame) {
	switch frame.Type {
	case messaging.FrameMessageCreated:
		msg := &messaging.Message{}
		if err := json.Unmarshal(frame.Data, msg); err != nil {
			return
		}
		c.deliver(msg)
	case messaging.FrameMessageRead:
		receipt := &messaging.ReadReceipt{}
		if err := json.Unmarshal(frame.Data, receipt); err != nil {
			return
		}
		if c.events.OnRead != nil {
			c.events.OnRead(receipt)
		}
	}
}

// deliver hands a message to the application at most once, whatever path it
// arrived by. Push during catch-up, catch-up overlapping push, and replayed
// acknowledgments all funnel through this id check.
func (c *Client) deliver(msg *messaging.Message) {
	c.mu.Lock()
	ids := c.seen[msg.ConversationID]
	if ids == nil {
		ids = make(map[int64]bool)
		c.seen[msg.ConversationID] = ids
	}
	if ids[msg.ID] {
		c.mu.Unlock()
		return
	}
	ids[msg.ID] = true
	if msg.ID > c.lastSeen[msg.ConversationID] {
		c.lastSeen[msg.ConversationID] = msg.ID
	}
	c.watched[msg.ConversationID] = true
	c.mu.Unlock()

	if c.events.OnMessage != nil {
		c.events.OnMessage(msg)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.events.OnState != nil {
		c.events.OnState(s)
	}
}
