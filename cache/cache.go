// Package cache keeps a bounded per-chat window of the most recent known
// messages: server-authoritative records when available, locally optimistic
// entries otherwise.
package cache

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/offchat/offchat/store"
)

// Stats summarizes a chat's cache for subscriber snapshots.
type Stats struct {
	Total  int
	Oldest int64
	Newest int64
}

// Cache holds per-chat message windows ordered by timestamp ascending. At
// most one entry exists per message id; overflow evicts the oldest entries.
type Cache struct {
	mu     sync.RWMutex
	chats  map[string][]*store.CachedMessage
	max    int
	logger *zap.Logger
}

// New creates a cache with the given per-chat capacity.
func New(maxPerChat int, logger *zap.Logger) *Cache {
	return &Cache{
		chats:  make(map[string][]*store.CachedMessage),
		max:    maxPerChat,
		logger: logger,
	}
}

// Seed bulk-replaces the chat's window, keeping the newest max entries.
func (c *Cache) Seed(chatID string, msgs []store.CachedMessage) {
	items := make([]*store.CachedMessage, 0, len(msgs))
	seen := make(map[string]int, len(msgs))
	for _, m := range msgs {
		stored := m
		if i, dup := seen[m.ID]; dup {
			items[i] = &stored
			continue
		}
		seen[m.ID] = len(items)
		items = append(items, &stored)
	}
	sortByTimestamp(items)
	items = truncateOldest(items, c.max)

	c.mu.Lock()
	c.chats[chatID] = items
	c.mu.Unlock()
}

// Append adds one message to the chat's window. An existing entry with the
// same id is replaced in place; otherwise the message is inserted in
// timestamp order and the oldest entry is evicted beyond capacity.
func (c *Cache) Append(chatID string, msg store.CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(chatID, msg)
}

// Update applies mutate to the entry with the given id. Returns false when
// the id is not cached.
func (c *Cache) Update(chatID, id string, mutate func(*store.CachedMessage)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.chats[chatID] {
		if m.ID == id {
			mutate(m)
			return true
		}
	}
	return false
}

// Remove deletes the entry with the given id.
func (c *Cache) Remove(chatID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.chats[chatID]
	for i, m := range items {
		if m.ID == id {
			c.chats[chatID] = append(items[:i], items[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps the entry keyed by oldID (typically a tempId) for msg keyed
// by its authoritative id, without ever duplicating. The window is re-sorted
// because the server timestamp may differ from the optimistic one.
func (c *Cache) Replace(chatID, oldID string, msg store.CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.chats[chatID]
	kept := items[:0]
	for _, m := range items {
		if m.ID == oldID || m.ID == msg.ID {
			continue
		}
		kept = append(kept, m)
	}
	c.chats[chatID] = kept
	c.insertLocked(chatID, msg)
}

// Merge reconciles server history with the window. Server records prevail
// over local entries with the same id; the result is sorted by timestamp and
// truncated to capacity, keeping the newest.
func (c *Cache) Merge(chatID string, serverMsgs []store.CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID := make(map[string]*store.CachedMessage)
	order := make([]string, 0, len(c.chats[chatID])+len(serverMsgs))
	for _, m := range c.chats[chatID] {
		byID[m.ID] = m
		order = append(order, m.ID)
	}
	for _, m := range serverMsgs {
		stored := m
		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}
		byID[m.ID] = &stored
	}

	items := make([]*store.CachedMessage, 0, len(order))
	for _, id := range order {
		items = append(items, byID[id])
	}
	sortByTimestamp(items)
	c.chats[chatID] = truncateOldest(items, c.max)
}

// List returns copies of the chat's messages, timestamp ascending.
func (c *Cache) List(chatID string) []store.CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := c.chats[chatID]
	out := make([]store.CachedMessage, len(items))
	for i, m := range items {
		out[i] = *m
	}
	return out
}

// Search scans the chat's window for a case-insensitive substring match on
// content or sender name. An empty query returns the whole window.
func (c *Cache) Search(chatID, query string) []store.CachedMessage {
	if query == "" {
		return c.List(chatID)
	}
	needle := strings.ToLower(query)

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []store.CachedMessage
	for _, m := range c.chats[chatID] {
		if strings.Contains(strings.ToLower(m.Content), needle) ||
			strings.Contains(strings.ToLower(m.SenderName), needle) {
			out = append(out, *m)
		}
	}
	return out
}

// Stats returns cache counters for the chat.
func (c *Cache) Stats(chatID string) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := c.chats[chatID]
	st := Stats{Total: len(items)}
	if len(items) > 0 {
		st.Oldest = items[0].Timestamp
		st.Newest = items[len(items)-1].Timestamp
	}
	return st
}

// SnapshotAll returns a deep copy of every chat's window for persistence.
func (c *Cache) SnapshotAll() map[string][]store.CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]store.CachedMessage, len(c.chats))
	for id, items := range c.chats {
		if len(items) == 0 {
			continue
		}
		msgs := make([]store.CachedMessage, len(items))
		for i, m := range items {
			msgs[i] = *m
		}
		out[id] = msgs
	}
	return out
}

// ReplaceAll swaps in caches loaded from a snapshot.
func (c *Cache) ReplaceAll(chats map[string][]store.CachedMessage) {
	fresh := make(map[string][]*store.CachedMessage, len(chats))
	for id, msgs := range chats {
		items := make([]*store.CachedMessage, 0, len(msgs))
		for _, m := range msgs {
			stored := m
			items = append(items, &stored)
		}
		sortByTimestamp(items)
		fresh[id] = truncateOldest(items, c.max)
	}
	c.mu.Lock()
	c.chats = fresh
	c.mu.Unlock()
}

// ClearChat drops the chat's window.
func (c *Cache) ClearChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, chatID)
}

func (c *Cache) insertLocked(chatID string, msg store.CachedMessage) {
	items := c.chats[chatID]
	for i, m := range items {
		if m.ID == msg.ID {
			stored := msg
			items[i] = &stored
			sortByTimestamp(items)
			return
		}
	}
	stored := msg
	items = append(items, &stored)
	sortByTimestamp(items)
	c.chats[chatID] = truncateOldest(items, c.max)
}

func sortByTimestamp(items []*store.CachedMessage) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp < items[j].Timestamp
	})
}

func truncateOldest(items []*store.CachedMessage, max int) []*store.CachedMessage {
	if max > 0 && len(items) > max {
		return items[len(items)-max:]
	}
	return items
}
