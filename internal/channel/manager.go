package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fablink/messaging/internal/messaging"
	"github.com/fablink/messaging/internal/metrics"
)

// Manager owns the identity-to-channel bindings. It is the only code that
// mutates the binding map, under one lock, so two connects for the same
// identity can never install conflicting bindings.
type Manager struct {
	mu       sync.RWMutex
	bindings map[string]*Connection

	store messaging.Store
	redis *redis.Client
	log   zerolog.Logger
}

func NewManager(store messaging.Store, redisClient *redis.Client, log zerolog.Logger) *Manager {
	return &Manager{
		bindings: make(map[string]*Connection),
		store:    store,
		redis:    redisClient,
		log:      log,
	}
}

// Attach installs conn as the authoritative binding for its identity.
// A previous binding is closed after the swap: last-connected-wins, so a
// stale tab or device stops receiving the moment a new channel opens.
func (m *Manager) Attach(conn *Connection) {
	m.mu.Lock()
	previous := m.bindings[conn.IdentityID]
	m.bindings[conn.IdentityID] = conn
	total := len(m.bindings)
	m.mu.Unlock()

	conn.start()

	if previous != nil {
		previous.close(closeCodeSuperseded, "channel superseded by newer connection")
	} else {
		metrics.ActiveChannels.Inc()
	}

	m.log.Info().
		Str("identity_id", conn.IdentityID).
		Str("connection_id", conn.ID).
		Int("bound_identities", total).
		Msg("channel attached")
}

// Detach removes conn's binding, but only while conn is still the current
// one. A superseded connection detaching late must not evict its successor.
func (m *Manager) Detach(conn *Connection) {
	m.mu.Lock()
	current, ok := m.bindings[conn.IdentityID]
	if ok && current.ID == conn.ID {
		delete(m.bindings, conn.IdentityID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	conn.close(websocket.CloseNormalClosure, "")

	if ok {
		metrics.ActiveChannels.Dec()
		m.log.Info().
			Str("identity_id", conn.IdentityID).
			Str("connection_id", conn.ID).
			Msg("channel detached")
	}
}

// Push offers a frame to the identity's live channel. Best-effort: true means
// the channel accepted the frame while connected, nothing stronger.
func (m *Manager) Push(identityID string, payload []byte) bool {
	m.mu.RLock()
	conn := m.bindings[identityID]
	m.mu.RUnlock()

	if conn == nil {
		return false
	}
	return conn.enqueue(payload) == nil
}

// Bound reports whether the identity currently has a live channel here.
func (m *Manager) Bound(identityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindings[identityID] != nil
}

// Run consumes the instance-to-instance push channels on Redis and delivers
// frames to identities bound locally. Blocks until ctx is done. Without
// Redis it just waits for shutdown; single-instance deployments push locally
// in the router.
func (m *Manager) Run(ctx context.Context) error {
	if m.redis == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	pubsub := m.redis.PSubscribe(ctx, messaging.PushChannelPattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m.handlePeerFrame(ctx, []byte(msg.Payload))
		}
	}
}

func (m *Manager) handlePeerFrame(ctx context.Context, body []byte) {
	env, err := messaging.DecodeEnvelope(body)
	if err != nil {
		m.log.Warn().Err(err).Msg("decoding peer push envelope")
		return
	}

	if !m.Push(env.IdentityID, env.Payload) {
		return
	}
	metrics.MessagesDelivered.WithLabelValues("redis").Inc()

	// The instance that delivered the frame stamps delivered_at; best effort,
	// the message is already durable.
	if env.MessageID != 0 {
		if err := m.store.MarkDelivered(ctx, env.MessageID, time.Now().UTC()); err != nil {
			m.log.Error().Err(err).Int64("message_id", env.MessageID).Msg("stamping delivered_at")
		}
	}
}

// CloseAll terminates every bound channel. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.bindings))
	for _, conn := range m.bindings {
		conns = append(conns, conn)
	}
	m.bindings = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.close(websocket.CloseGoingAway, "server shutting down")
		metrics.ActiveChannels.Dec()
	}
}
