package messaging

import (
	"context"
	"time"
)

// Store is the durable source of truth for conversations, messages, and read
// cursors. Implementations must assign message ids in insertion order per
// conversation and enforce the (conversation, sender, nonce) uniqueness that
// makes sends idempotent.
type Store interface {
	// EnsureConversation returns the conversation between the two identities,
	// creating it if none exists. The pair is unordered.
	EnsureConversation(ctx context.Context, a, b, subjectRef string) (*Conversation, error)
	ConversationByID(ctx context.Context, id int64) (*Conversation, error)
	// ListConversations returns the participant's conversations, most
	// recently active first.
	ListConversations(ctx context.Context, participantID string) ([]*Conversation, error)

	// InsertMessage persists m, assigning ID and CreatedAt, and bumps the
	// conversation's LastMessageAt. If a message with the same
	// (ConversationID, SenderID, ClientNonce) already exists, the stored
	// message is returned with created=false and nothing is written.
	InsertMessage(ctx context.Context, m *Message) (stored *Message, created bool, err error)
	// ListMessages returns history in ascending (id) order.
	ListMessages(ctx context.Context, conversationID int64, limit, offset int) ([]*Message, error)
	// ListMessagesAfter returns messages with id > afterID, ascending.
	// This is the catch-up query.
	ListMessagesAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]*Message, error)
	// MarkDelivered stamps DeliveredAt once. Later calls are no-ops.
	MarkDelivered(ctx context.Context, messageID int64, at time.Time) error

	// Cursor returns the participant's read watermark; zero if never read.
	Cursor(ctx context.Context, conversationID int64, participantID string) (int64, error)
	// AdvanceCursor moves the watermark forward to upTo. Returns false
	// without writing when upTo does not exceed the current watermark.
	AdvanceCursor(ctx context.Context, conversationID int64, participantID string, upTo int64) (bool, error)
	// UnreadCount counts messages after the watermark not sent by the
	// participant.
	UnreadCount(ctx context.Context, conversationID int64, participantID string) (int, error)
	// TotalUnread aggregates UnreadCount over all of the participant's
	// conversations.
	TotalUnread(ctx context.Context, participantID string) (int, error)
}

// NormalizePair orders two identities so the smaller sorts first. Conversations
// store participants in this order.
func NormalizePair(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}
