package messaging

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fablink/messaging/internal/metrics"
)

// Pusher is the live-channel side of delivery. Push is best-effort and
// synchronous: true means a live channel accepted the frame, nothing more.
// The channel manager implements it.
type Pusher interface {
	Push(identityID string, payload []byte) bool
}

// SendRequest targets either an existing conversation or, for first contact,
// a recipient identity (the conversation is created lazily).
type SendRequest struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	SubjectRef     string `json:"subject_ref,omitempty"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	ClientNonce    string `json:"client_nonce"`
}

// Router validates, persists, and fans out messages. Persistence is the
// durability boundary: once InsertMessage returns, the send is complete no
// matter what happens to any channel afterwards.
type Router struct {
	store  Store
	pusher Pusher
	redis  *redis.Client
	cache  *UnreadCache
	log    zerolog.Logger
}

func NewRouter(store Store, pusher Pusher, redisClient *redis.Client, cache *UnreadCache, log zerolog.Logger) *Router {
	return &Router{
		store:  store,
		pusher: pusher,
		redis:  redisClient,
		cache:  cache,
		log:    log,
	}
}

// Send is the synchronous, idempotent send path. The returned bool is false
// when the nonce matched an existing message and that message was returned
// instead of a new one.
func (r *Router) Send(ctx context.Context, senderID string, req SendRequest) (*Message, bool, error) {
	start := time.Now()
	defer func() {
		metrics.SendDuration.Observe(time.Since(start).Seconds())
	}()

	content := strings.TrimSpace(req.Content)
	if content == "" && req.AttachmentURL == "" {
		return nil, false, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, false, ErrPayloadTooLarge
	}

	conv, err := r.resolveConversation(ctx, senderID, req)
	if err != nil {
		return nil, false, err
	}

	nonce := req.ClientNonce
	if nonce == "" {
		// A nonce-less send cannot be deduplicated on retry; assign one so
		// the uniqueness index is still satisfied.
		nonce = uuid.NewString()
	}

	msg, created, err := r.store.InsertMessage(ctx, &Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		AttachmentURL:  req.AttachmentURL,
		ClientNonce:    nonce,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		metrics.MessagesDeduplicated.Inc()
		r.log.Debug().
			Int64("message_id", msg.ID).
			Str("sender_id", senderID).
			Msg("send deduplicated by client nonce")
		return msg, false, nil
	}

	metrics.MessagesPersisted.Inc()
	recipient := conv.Peer(senderID)
	r.cache.Invalidate(ctx, recipient, conv.ID)
	r.deliver(ctx, recipient, msg)

	return msg, true, nil
}

func (r *Router) resolveConversation(ctx context.Context, senderID string, req SendRequest) (*Conversation, error) {
	if req.ConversationID != 0 {
		conv, err := r.store.ConversationByID(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if !conv.HasParticipant(senderID) {
			return nil, ErrNotParticipant
		}
		return conv, nil
	}
	if req.RecipientID != "" {
		return r.store.EnsureConversation(ctx, senderID, req.RecipientID, req.SubjectRef)
	}
	return nil, ErrConversationNotFound
}

// deliver attempts exactly one push of an already-persisted message: the local
// binding first, then the recipient's Redis channel for whichever instance
// holds the binding. No retry queue; an undelivered message reaches the
// recipient through catch-up fetch.
func (r *Router) deliver(ctx context.Context, recipientID string, msg *Message) {
	payload, err := NewFrame(FrameMessageCreated, msg)
	if err != nil {
		r.log.Error().Err(err).Int64("message_id", msg.ID).Msg("encoding push frame")
		return
	}

	if r.pusher != nil && r.pusher.Push(recipientID, payload) {
		now := time.Now().UTC()
		if err := r.store.MarkDelivered(ctx, msg.ID, now); err != nil {
			r.log.Error().Err(err).Int64("message_id", msg.ID).Msg("stamping delivered_at")
		} else {
			msg.DeliveredAt = &now
		}
		metrics.MessagesDelivered.WithLabelValues("local").Inc()
		return
	}

	if r.publishToPeers(ctx, recipientID, msg.ID, payload) {
		return
	}

	metrics.PushFailures.Inc()
}

// publishToPeers hands the frame to other instances over Redis. Returns false
// when Redis is absent or the publish failed, in which case the message simply
// stays undelivered until catch-up.
func (r *Router) publishToPeers(ctx context.Context, recipientID string, messageID int64, payload []byte) bool {
	if r.redis == nil {
		return false
	}
	body, err := encodeEnvelope(PushEnvelope{
		IdentityID: recipientID,
		MessageID:  messageID,
		Payload:    payload,
	})
	if err != nil {
		return false
	}
	if err := r.redis.Publish(ctx, PushChannel(recipientID), body).Err(); err != nil {
		r.log.Warn().Err(err).Str("recipient_id", recipientID).Msg("publishing push frame to peers")
		return false
	}
	return true
}
