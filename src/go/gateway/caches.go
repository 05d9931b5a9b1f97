package gateway

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// MessageLookupCache holds recently seen message payloads so the protocol
// retry callback can answer without touching the store. Bounded LRU, a miss
// is never an error.
type MessageLookupCache struct {
	cache *lru.Cache[string, *waE2E.Message]
}

func NewMessageLookupCache(capacity int) (*MessageLookupCache, error) {
	cache, err := lru.New[string, *waE2E.Message](capacity)
	if err != nil {
		return nil, fmt.Errorf("create message cache: %w", err)
	}
	return &MessageLookupCache{cache: cache}, nil
}

func messageKey(remoteJID, messageID string) string {
	return remoteJID + "|" + messageID
}

func (c *MessageLookupCache) Put(remoteJID, messageID string, msg *waE2E.Message) {
	if msg == nil {
		return
	}
	c.cache.Add(messageKey(remoteJID, messageID), msg)
}

func (c *MessageLookupCache) Get(remoteJID, messageID string) (*waE2E.Message, bool) {
	return c.cache.Get(messageKey(remoteJID, messageID))
}

func (c *MessageLookupCache) Len() int {
	return c.cache.Len()
}

// GroupMetadataCache holds group metadata with a TTL. Advisory only: a miss
// or stale entry degrades to a fresh fetch, never to an error.
type GroupMetadataCache struct {
	cache *expirable.LRU[string, *types.GroupInfo]
}

func NewGroupMetadataCache(size int, ttl time.Duration) *GroupMetadataCache {
	return &GroupMetadataCache{
		cache: expirable.NewLRU[string, *types.GroupInfo](size, nil, ttl),
	}
}

func (c *GroupMetadataCache) Put(groupJID string, info *types.GroupInfo) {
	if info == nil {
		return
	}
	c.cache.Add(groupJID, info)
}

func (c *GroupMetadataCache) Get(groupJID string) (*types.GroupInfo, bool) {
	return c.cache.Get(groupJID)
}

func (c *GroupMetadataCache) Invalidate(groupJID string) {
	c.cache.Remove(groupJID)
}
