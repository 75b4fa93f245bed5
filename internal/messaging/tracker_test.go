package messaging

import (
	"context"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func seedConversation(t *testing.T, store *MemoryStore, a, b string, fromB int) (*Conversation, []*Message) {
	t.Helper()
	ctx := context.Background()

	conv, err := store.EnsureConversation(ctx, a, b, "")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	msgs := make([]*Message, 0, fromB)
	for i := 0; i < fromB; i++ {
		msg, _, err := store.InsertMessage(ctx, &Message{
			ConversationID: conv.ID,
			SenderID:       b,
			Content:        fmt.Sprintf("update %d", i),
			ClientNonce:    fmt.Sprintf("seed-%d", i),
		})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return conv, msgs
}

func TestUnreadCountAfterPartialRead(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	conv, msgs := seedConversation(t, store, "customer", "supplier", 3)

	count, err := tracker.UnreadCount(ctx, "customer", conv.ID)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("unread = %d, want 3", count)
	}

	// Reading up to the second of three leaves one unread.
	if err := tracker.MarkRead(ctx, "customer", conv.ID, msgs[1].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	count, err = tracker.UnreadCount(ctx, "customer", conv.ID)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("unread after partial read = %d, want 1", count)
	}

	total, err := tracker.TotalUnread(ctx, "customer")
	if err != nil {
		t.Fatalf("TotalUnread: %v", err)
	}
	if total != 1 {
		t.Fatalf("total unread = %d, want 1", total)
	}
}

func TestOwnMessagesNeverCountAsUnread(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	conv, _ := seedConversation(t, store, "customer", "supplier", 2)

	count, err := tracker.UnreadCount(ctx, "supplier", conv.ID)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("sender's own unread = %d, want 0", count)
	}
}

func TestMarkReadCursorIsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	conv, msgs := seedConversation(t, store, "customer", "supplier", 3)

	if err := tracker.MarkRead(ctx, "customer", conv.ID, msgs[2].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	// A stale mark-read is a no-op, not an error, and never regresses.
	if err := tracker.MarkRead(ctx, "customer", conv.ID, msgs[0].ID); err != nil {
		t.Fatalf("stale MarkRead: %v", err)
	}
	cursor, err := store.Cursor(ctx, conv.ID, "customer")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != msgs[2].ID {
		t.Fatalf("cursor regressed to %d, want %d", cursor, msgs[2].ID)
	}
}

func TestMarkReadRejectsNonParticipant(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	conv, msgs := seedConversation(t, store, "customer", "supplier", 1)

	if err := tracker.MarkRead(ctx, "intruder", conv.ID, msgs[0].ID); err != ErrNotParticipant {
		t.Fatalf("got %v, want ErrNotParticipant", err)
	}
}

func TestMarkReadPushesReceiptToPeer(t *testing.T) {
	store := NewMemoryStore()
	pusher := newFakePusher("supplier")
	tracker := NewTracker(store, pusher, nil, zerolog.Nop())
	ctx := context.Background()

	conv, msgs := seedConversation(t, store, "customer", "supplier", 2)

	if err := tracker.MarkRead(ctx, "customer", conv.ID, msgs[1].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	frames := pusher.pushed("supplier")
	if len(frames) != 1 {
		t.Fatalf("peer got %d frames, want 1", len(frames))
	}
	frame, err := DecodeFrame(frames[0])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Type != FrameMessageRead {
		t.Fatalf("frame type = %q, want %q", frame.Type, FrameMessageRead)
	}
	receipt := &ReadReceipt{}
	if err := json.Unmarshal(frame.Data, receipt); err != nil {
		t.Fatalf("decoding receipt: %v", err)
	}
	if receipt.LastReadMessageID != msgs[1].ID || receipt.ParticipantID != "customer" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	// Stale mark-read advances nothing and must push nothing.
	if err := tracker.MarkRead(ctx, "customer", conv.ID, msgs[0].ID); err != nil {
		t.Fatalf("stale MarkRead: %v", err)
	}
	if got := len(pusher.pushed("supplier")); got != 1 {
		t.Fatalf("stale mark-read pushed a receipt: %d frames", got)
	}
}
