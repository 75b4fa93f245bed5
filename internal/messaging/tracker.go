package messaging

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fablink/messaging/internal/metrics"
)

// Tracker maintains read cursors and answers unread queries. Cursors only
// move forward; a stale mark-read is a silent no-op, not an error.
type Tracker struct {
	store  Store
	pusher Pusher
	cache  *UnreadCache
	log    zerolog.Logger
}

func NewTracker(store Store, pusher Pusher, cache *UnreadCache, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		pusher: pusher,
		cache:  cache,
		log:    log,
	}
}

// MarkRead advances the participant's cursor to upToMessageID. When the
// cursor actually moves, the peer gets a best-effort message.read push; that
// push never affects the outcome of MarkRead itself.
func (t *Tracker) MarkRead(ctx context.Context, participantID string, conversationID, upToMessageID int64) error {
	conv, err := t.store.ConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(participantID) {
		return ErrNotParticipant
	}

	advanced, err := t.store.AdvanceCursor(ctx, conversationID, participantID, upToMessageID)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	metrics.ReadCursorAdvances.Inc()
	t.cache.Invalidate(ctx, participantID, conversationID)

	if t.pusher != nil {
		payload, err := NewFrame(FrameMessageRead, ReadReceipt{
			ConversationID:    conversationID,
			ParticipantID:     participantID,
			LastReadMessageID: upToMessageID,
		})
		if err == nil {
			t.pusher.Push(conv.Peer(participantID), payload)
		}
	}
	return nil
}

// UnreadCount returns the participant's unread badge for one conversation,
// serving from cache when possible.
func (t *Tracker) UnreadCount(ctx context.Context, participantID string, conversationID int64) (int, error) {
	if count, ok := t.cache.Get(ctx, participantID, conversationID); ok {
		return count, nil
	}
	count, err := t.store.UnreadCount(ctx, conversationID, participantID)
	if err != nil {
		return 0, err
	}
	t.cache.Set(ctx, participantID, conversationID, count)
	return count, nil
}

// TotalUnread aggregates unread across all of the participant's conversations.
func (t *Tracker) TotalUnread(ctx context.Context, participantID string) (int, error) {
	if count, ok := t.cache.GetTotal(ctx, participantID); ok {
		return count, nil
	}
	count, err := t.store.TotalUnread(ctx, participantID)
	if err != nil {
		return 0, err
	}
	t.cache.SetTotal(ctx, participantID, count)
	return count, nil
}
