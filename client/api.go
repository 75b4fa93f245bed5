package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/fablink/messaging/internal/messaging"
)

// ErrRejected wraps a server-side validation rejection of a send.
var ErrRejected = errors.New("send rejected by server")

// flushQueue replays unacknowledged sends in FIFO order. Each attempt reuses
// the entry's original nonce, so a retry of an already-persisted send gets
// the canonical message back instead of creating a duplicate. The loop stops
// on the first transient failure and resumes on the next open.
func (c *Client) flushQueue(ctx context.Context) {
	for {
		req, ok := c.queue.Peek()
		if !ok {
			return
		}

		msg, err := c.postSend(ctx, req)
		switch {
		case err == nil:
			// Server acknowledgment: the send is durable, the entry may go.
			c.queue.Ack(req.ClientNonce)
			c.deliver(msg)
		case errors.Is(err, ErrRejected):
			c.queue.Drop()
			if c.events.OnSendRejected != nil {
				c.events.OnSendRejected(req, err)
			}
		default:
			// Transient: keep the entry, try again after reconnect.
			return
		}
	}
}

// catchUp pages through everything newer than the locally known watermark in
// each watched conversation. Runs on every successful open.
func (c *Client) catchUp(ctx context.Context) {
	// A conversation a peer opened while this client was offline is not in
	// the watched set yet; list conversations first so it gets reconciled
	// on this open rather than staying invisible.
	if convs, err := c.Conversations(ctx); err == nil {
		for _, summary := range convs {
			c.Watch(summary.ID, 0)
		}
	}

	c.mu.Lock()
	convs := make(map[int64]int64, len(c.watched))
	for id := range c.watched {
		convs[id] = c.lastSeen[id]
	}
	c.mu.Unlock()

	for conversationID, after := range convs {
		for {
			msgs, err := c.Messages(ctx, conversationID, after, c.cfg.CatchUpLimit)
			if err != nil {
				break
			}
			for _, msg := range msgs {
				if msg.ID > after {
					after = msg.ID
				}
				c.deliver(msg)
			}
			if len(msgs) < c.cfg.CatchUpLimit {
				break
			}
		}
	}
}

func (c *Client) postSend(ctx context.Context, req messaging.SendRequest) (*messaging.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		msg := &messaging.Message{}
		if err := json.NewDecoder(resp.Body).Decode(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s", ErrRejected, bytes.TrimSpace(reason))
	default:
		return nil, fmt.Errorf("send failed with status %d", resp.StatusCode)
	}
}

// Conversations lists the caller's conversations with unread badges.
func (c *Client) Conversations(ctx context.Context) ([]messaging.ConversationSummary, error) {
	var out []messaging.ConversationSummary
	if err := c.getJSON(ctx, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches messages after the given id, ascending.
func (c *Client) Messages(ctx context.Context, conversationID, afterID int64, limit int) ([]*messaging.Message, error) {
	path := fmt.Sprintf("/api/conversations/%d/messages?after=%d&limit=%d", conversationID, afterID, limit)
	var out []*messaging.Message
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches a page of messages by offset, ascending. Initial load.
func (c *Client) History(ctx context.Context, conversationID int64, limit, offset int) ([]*messaging.Message, error) {
	path := fmt.Sprintf("/api/conversations/%d/messages?limit=%d&offset=%d", conversationID, limit, offset)
	var out []*messaging.Message
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead advances the caller's read cursor.
func (c *Client) MarkRead(ctx context.Context, conversationID, upToMessageID int64) error {
	body, err := json.Marshal(map[string]int64{"up_to_message_id": upToMessageID})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/conversations/%d/read", conversationID)
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mark read failed with status %d", resp.StatusCode)
	}
	return nil
}

// UnreadCount returns the caller's aggregate unread count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.getJSON(ctx, "/api/unread-count", &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s failed with status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
