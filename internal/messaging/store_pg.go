package messaging

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore implements Store on a Postgres pool (pgx stdlib driver).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const conversationColumns = `id, participant_a, participant_b, subject_ref, created_at, last_message_at`

func (s *PostgresStore) EnsureConversation(ctx context.Context, a, b, subjectRef string) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}
	pa, pb := NormalizePair(a, b)

	// Insert-or-fetch against the unique pair index. DO NOTHING returns no
	// row on conflict, so a second query picks up the existing conversation.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (participant_a, participant_b, subject_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
		RETURNING `+conversationColumns,
		pa, pb, subjectRef)

	conv, err := scanConversation(row)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 AND participant_b = $2`,
		pa, pb)
	return scanConversation(row)
}

func (s *PostgresStore) ConversationByID(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return conv, err
}

func (s *PostgresStore) ListConversations(ctx context.Context, participantID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY last_message_at DESC, id DESC`,
		participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

const messageColumns = `id, conversation_id, sender_id, content, attachment_url, client_nonce, created_at, delivered_at`

func (s *PostgresStore) InsertMessage(ctx context.Context, m *Message) (*Message, bool, error) {
	// The dedup index absorbs nonce retries; the conflicting insert writes
	// nothing and the canonical row is fetched instead.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, attachment_url, client_nonce)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, sender_id, client_nonce) DO NOTHING
		RETURNING `+messageColumns,
		m.ConversationID, m.SenderID, m.Content, m.AttachmentURL, m.ClientNonce)

	stored, err := scanMessage(row)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE conversations SET last_message_at = $1 WHERE id = $2`,
			stored.CreatedAt, stored.ConversationID)
		if err != nil {
			return nil, false, err
		}
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_nonce = $3`,
		m.ConversationID, m.SenderID, m.ClientNonce)
	stored, err = scanMessage(row)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, limit, offset int) ([]*Message, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) ListMessagesAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`,
		conversationID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivered_at = $1
		WHERE id = $2 AND delivered_at IS NULL`,
		at, messageID)
	return err
}

func (s *PostgresStore) Cursor(ctx context.Context, conversationID int64, participantID string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_message_id FROM read_cursors
		WHERE conversation_id = $1 AND participant_id = $2`,
		conversationID, participantID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

func (s *PostgresStore) AdvanceCursor(ctx context.Context, conversationID int64, participantID string, upTo int64) (bool, error) {
	// The WHERE clause of the conflict update is what keeps the cursor
	// monotonic under concurrent mark-read calls.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO read_cursors (conversation_id, participant_id, last_read_message_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id, participant_id) DO UPDATE
		SET last_read_message_id = EXCLUDED.last_read_message_id, updated_at = now()
		WHERE read_cursors.last_read_message_id < EXCLUDED.last_read_message_id`,
		conversationID, participantID, upTo)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID int64, participantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND m.id > COALESCE((
			SELECT last_read_message_id FROM read_cursors
			WHERE conversation_id = $1 AND participant_id = $2), 0)`,
		conversationID, participantID).Scan(&count)
	return count, err
}

func (s *PostgresStore) TotalUnread(ctx context.Context, participantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_a = $1 OR c.participant_b = $1)
		  AND m.sender_id <> $1
		  AND m.id > COALESCE((
			SELECT last_read_message_id FROM read_cursors
			WHERE conversation_id = m.conversation_id AND participant_id = $1), 0)`,
		participantID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	conv := &Conversation{}
	err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
		&conv.SubjectRef, &conv.CreatedAt, &conv.LastMessageAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var delivered sql.NullTime
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&msg.AttachmentURL, &msg.ClientNonce, &msg.CreatedAt, &delivered)
	if err != nil {
		return nil, err
	}
	if delivered.Valid {
		msg.DeliveredAt = &delivered.Time
	}
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
