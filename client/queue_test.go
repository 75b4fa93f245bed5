package client

import (
	"testing"

	"github.com/fablink/messaging/internal/messaging"
)

func TestQueueFIFOAndAck(t *testing.T) {
	q := NewOutboundQueue()
	q.Enqueue(messaging.SendRequest{Content: "first", ClientNonce: "n1"})
	q.Enqueue(messaging.SendRequest{Content: "second", ClientNonce: "n2"})

	head, ok := q.Peek()
	if !ok || head.ClientNonce != "n1" {
		t.Fatalf("head = %+v, want n1", head)
	}

	// Ack with the wrong nonce must not remove the head.
	q.Ack("n2")
	if q.Len() != 2 {
		t.Fatalf("len after wrong ack = %d, want 2", q.Len())
	}

	q.Ack("n1")
	head, ok = q.Peek()
	if !ok || head.ClientNonce != "n2" {
		t.Fatalf("head after ack = %+v, want n2", head)
	}

	q.Drop()
	if q.Len() != 0 {
		t.Fatalf("len after drop = %d, want 0", q.Len())
	}
	if _, ok := q.Peek(); ok {
		t.Fatal("peek on empty queue returned an entry")
	}
}
