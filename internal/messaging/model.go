package messaging

import "time"

// Conversation is a two-party thread between a customer and a supplier.
// The participant pair is normalized (A < B) so each pair has exactly one
// conversation regardless of who wrote first.
type Conversation struct {
	ID            int64     `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	SubjectRef    string    `json:"subject_ref,omitempty"` // opaque project/portfolio reference
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// HasParticipant reports whether id is one of the two parties.
func (c *Conversation) HasParticipant(id string) bool {
	return c.ParticipantA == id || c.ParticipantB == id
}

// Peer returns the other party of the conversation.
func (c *Conversation) Peer(id string) string {
	if c.ParticipantA == id {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is one append-only entry in a conversation log. Ids are assigned by
// the store in insertion order, which is the authoritative order within a
// conversation. DeliveredAt is set only when the push reached a live channel;
// nil means the recipient will pick it up via catch-up fetch.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	AttachmentURL  string     `json:"attachment_url,omitempty"`
	ClientNonce    string     `json:"client_nonce"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// ReadCursor is a participant's forward-only watermark in one conversation.
// Unread = messages after the watermark that the participant did not send.
type ReadCursor struct {
	ConversationID    int64  `json:"conversation_id"`
	ParticipantID     string `json:"participant_id"`
	LastReadMessageID int64  `json:"last_read_message_id"`
}

// ConversationSummary is the list-view shape: the conversation plus the
// caller's unread badge, so the sidebar renders from one fetch.
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

// MaxContentLength bounds message content, in runes.
const MaxContentLength = 4000
