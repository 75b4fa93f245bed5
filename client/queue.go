package client

import (
	"sync"

	"github.com/fablink/messaging/internal/messaging"
)

// OutboundQueue holds sends that have not yet been acknowledged by the
// server. Entries keep their original client nonce across retries, so a send
// that was persisted but whose acknowledgment was lost collapses onto the
// same message when replayed.
//
// An entry leaves the queue only on explicit server acknowledgment, never on
// a successful write alone. That is the property that survives a drop
// mid-send.
type OutboundQueue struct {
	mu      sync.Mutex
	entries []messaging.SendRequest
}

func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{}
}

// Enqueue appends a send to the tail. FIFO order is preserved so replayed
// messages arrive in the order they were written.
func (q *OutboundQueue) Enqueue(req messaging.SendRequest) {
	q.mu.Lock()
	q.entries = append(q.entries, req)
	q.mu.Unlock()
}

// Peek returns the head entry without removing it.
func (q *OutboundQueue) Peek() (messaging.SendRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return messaging.SendRequest{}, false
	}
	return q.entries[0], true
}

// Ack removes the head entry if it carries the given nonce.
func (q *OutboundQueue) Ack(clientNonce string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 && q.entries[0].ClientNonce == clientNonce {
		q.entries = q.entries[1:]
	}
}

// Drop removes the head entry unconditionally. Used when the server rejected
// it with a validation error that a retry can never fix.
func (q *OutboundQueue) Drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 {
		q.entries = q.entries[1:]
	}
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
