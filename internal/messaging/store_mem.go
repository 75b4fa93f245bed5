package messaging

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// A single mutex gives it the same append-serialized id assignment the
// Postgres schema provides through its BIGSERIAL column.
type MemoryStore struct {
	mu            sync.Mutex
	nextConvID    int64
	nextMessageID int64
	conversations map[int64]*Conversation
	pairIndex     map[[2]string]int64
	messages      map[int64][]*Message // conversationID -> ascending by id
	nonceIndex    map[nonceKey]*Message
	cursors       map[cursorKey]int64
}

type nonceKey struct {
	conversationID int64
	senderID       string
	nonce          string
}

type cursorKey struct {
	conversationID int64
	participantID  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*Conversation),
		pairIndex:     make(map[[2]string]int64),
		messages:      make(map[int64][]*Message),
		nonceIndex:    make(map[nonceKey]*Message),
		cursors:       make(map[cursorKey]int64),
	}
}

func (s *MemoryStore) EnsureConversation(_ context.Context, a, b, subjectRef string) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}
	pa, pb := NormalizePair(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairIndex[[2]string{pa, pb}]; ok {
		return cloneConversation(s.conversations[id]), nil
	}

	s.nextConvID++
	now := time.Now().UTC()
	conv := &Conversation{
		ID:            s.nextConvID,
		ParticipantA:  pa,
		ParticipantB:  pb,
		SubjectRef:    subjectRef,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.conversations[conv.ID] = conv
	s.pairIndex[[2]string{pa, pb}] = conv.ID
	return cloneConversation(conv), nil
}

func (s *MemoryStore) ConversationByID(_ context.Context, id int64) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, participantID string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var convs []*Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(participantID) {
			convs = append(convs, cloneConversation(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID > convs[j].ID
	})
	return convs, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *Message) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return nil, false, ErrConversationNotFound
	}

	key := nonceKey{m.ConversationID, m.SenderID, m.ClientNonce}
	if existing, ok := s.nonceIndex[key]; ok {
		return cloneMessage(existing), false, nil
	}

	s.nextMessageID++
	stored := &Message{
		ID:             s.nextMessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		ClientNonce:    m.ClientNonce,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], stored)
	s.nonceIndex[key] = stored
	conv.LastMessageAt = stored.CreatedAt
	return cloneMessage(stored), true, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID int64, limit, offset int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.messages[conversationID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(log) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(log) {
		end = len(log)
	}
	out := make([]*Message, 0, end-offset)
	for _, msg := range log[offset:end] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (s *MemoryStore) ListMessagesAfter(_ context.Context, conversationID, afterID int64, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, msg := range s.messages[conversationID] {
		if msg.ID > afterID {
			out = append(out, cloneMessage(msg))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, messageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, log := range s.messages {
		for _, msg := range log {
			if msg.ID == messageID {
				if msg.DeliveredAt == nil {
					t := at
					msg.DeliveredAt = &t
				}
				return nil
			}
		}
	}
	return ErrMessageNotFound
}

func (s *MemoryStore) Cursor(_ context.Context, conversationID int64, participantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorKey{conversationID, participantID}], nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, conversationID int64, participantID string, upTo int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey{conversationID, participantID}
	if upTo <= s.cursors[key] {
		return false, nil
	}
	s.cursors[key] = upTo
	return true, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, conversationID int64, participantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked(conversationID, participantID), nil
}

func (s *MemoryStore) TotalUnread(_ context.Context, participantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for id, conv := range s.conversations {
		if conv.HasParticipant(participantID) {
			total += s.unreadLocked(id, participantID)
		}
	}
	return total, nil
}

func (s *MemoryStore) unreadLocked(conversationID int64, participantID string) int {
	cursor := s.cursors[cursorKey{conversationID, participantID}]
	count := 0
	for _, msg := range s.messages[conversationID] {
		if msg.ID > cursor && msg.SenderID != participantID {
			count++
		}
	}
	return count
}

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	return &out
}

func cloneMessage(m *Message) *Message {
	out := *m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		out.DeliveredAt = &t
	}
	return &out
}
