package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// UnreadCache is a delete-on-write cache in front of the store's unread
// queries. The store stays the source of truth; a miss or any Redis error
// falls through to it, so the cache can only trade staleness (bounded by TTL)
// for load, never correctness.
type UnreadCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewUnreadCache(client *redis.Client, ttl time.Duration) *UnreadCache {
	return &UnreadCache{client: client, ttl: ttl}
}

func unreadKey(participantID string, conversationID int64) string {
	return fmt.Sprintf("unread:%s:%d", participantID, conversationID)
}

func unreadTotalKey(participantID string) string {
	return "unread:total:" + participantID
}

func (c *UnreadCache) Get(ctx context.Context, participantID string, conversationID int64) (int, bool) {
	if c == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, unreadKey(participantID, conversationID)).Result()
	if err != nil {
		return 0, false
	}
	count, err := strconv.Atoi(val)
	return count, err == nil
}

func (c *UnreadCache) Set(ctx context.Context, participantID string, conversationID int64, count int) {
	if c == nil {
		return
	}
	c.client.Set(ctx, unreadKey(participantID, conversationID), count, c.ttl)
}

func (c *UnreadCache) GetTotal(ctx context.Context, participantID string) (int, bool) {
	if c == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, unreadTotalKey(participantID)).Result()
	if err != nil {
		return 0, false
	}
	count, err := strconv.Atoi(val)
	return count, err == nil
}

func (c *UnreadCache) SetTotal(ctx context.Context, participantID string, count int) {
	if c == nil {
		return
	}
	c.client.Set(ctx, unreadTotalKey(participantID), count, c.ttl)
}

// Invalidate drops the participant's cached counts for one conversation.
// Called on every new message and cursor advance that touches them.
func (c *UnreadCache) Invalidate(ctx context.Context, participantID string, conversationID int64) {
	if c == nil {
		return
	}
	c.client.Del(ctx, unreadKey(participantID, conversationID), unreadTotalKey(participantID))
}
