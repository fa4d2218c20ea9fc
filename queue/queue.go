// Package queue holds the per-chat FIFO of outbound messages awaiting
// delivery, with per-item lifecycle state and retry metadata.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offchat/offchat/store"
)

// ErrQueueFull is returned when a chat's queue is at capacity. Callers are
// expected to back-pressure user input rather than drop silently.
var ErrQueueFull = errors.New("message queue full")

// Stats summarizes a chat's queue for subscriber snapshots.
type Stats struct {
	Total        int
	Queued       int
	Sending      int
	RetryPending int
	Failed       int
}

// Queue is the per-chat outbound message queue. Enqueue order is preserved
// per chat and survives persistence round-trips.
type Queue struct {
	mu     sync.Mutex
	chats  map[string][]*store.QueuedMessage
	max    int
	logger *zap.Logger
}

// New creates a queue with the given per-chat capacity.
func New(maxPerChat int, logger *zap.Logger) *Queue {
	return &Queue{
		chats:  make(map[string][]*store.QueuedMessage),
		max:    maxPerChat,
		logger: logger,
	}
}

// Enqueue appends msg to the chat's queue, minting a tempId when the caller
// did not, and stamping queued status and time. Failed entries count toward
// the capacity. Returns a copy of the stored message.
func (q *Queue) Enqueue(chatID string, msg store.QueuedMessage) (store.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.chats[chatID]
	if len(items) >= q.max {
		return store.QueuedMessage{}, fmt.Errorf("chat %s: %w", chatID, ErrQueueFull)
	}

	if msg.TempID == "" {
		msg.TempID = uuid.NewString()
	}
	msg.ChatID = chatID
	if msg.Status == "" {
		msg.Status = store.StatusQueued
	}
	if msg.QueuedAt == 0 {
		msg.QueuedAt = time.Now().UnixMilli()
	}

	stored := msg
	q.chats[chatID] = append(items, &stored)
	q.logger.Debug("message enqueued",
		zap.String("chat_id", chatID),
		zap.String("temp_id", msg.TempID),
		zap.Int("depth", len(items)+1))
	return msg, nil
}

// Update applies mutate to the message identified by tempID. Returns false
// (a no-op) when the message is not found.
func (q *Queue) Update(chatID, tempID string, mutate func(*store.QueuedMessage)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.chats[chatID] {
		if m.TempID == tempID {
			mutate(m)
			return true
		}
	}
	return false
}

// Remove deletes the message identified by tempID, preserving the order of
// the remaining entries.
func (q *Queue) Remove(chatID, tempID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.chats[chatID]
	for i, m := range items {
		if m.TempID == tempID {
			q.chats[chatID] = append(items[:i], items[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns a copy of the message identified by tempID.
func (q *Queue) Find(chatID, tempID string) (store.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.chats[chatID] {
		if m.TempID == tempID {
			return *m, true
		}
	}
	return store.QueuedMessage{}, false
}

// List returns copies of the chat's messages in enqueue order.
func (q *Queue) List(chatID string) []store.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.chats[chatID]
	out := make([]store.QueuedMessage, len(items))
	for i, m := range items {
		out[i] = *m
	}
	return out
}

// RemoveWhere deletes every message for which match returns true, returning
// the removed tempIds.
func (q *Queue) RemoveWhere(chatID string, match func(store.QueuedMessage) bool) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.chats[chatID]
	kept := items[:0]
	var removed []string
	for _, m := range items {
		if match(*m) {
			removed = append(removed, m.TempID)
			continue
		}
		kept = append(kept, m)
	}
	q.chats[chatID] = kept
	return removed
}

// Stats returns queue counters for the chat.
func (q *Queue) Stats(chatID string) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	for _, m := range q.chats[chatID] {
		st.Total++
		switch m.Status {
		case store.StatusQueued:
			st.Queued++
		case store.StatusSending:
			st.Sending++
		case store.StatusRetryPending:
			st.RetryPending++
		case store.StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Chats returns the ids of every chat with at least one queued message.
func (q *Queue) Chats() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.chats))
	for id, items := range q.chats {
		if len(items) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// SnapshotAll returns a deep copy of every chat's queue for persistence.
func (q *Queue) SnapshotAll() map[string][]store.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string][]store.QueuedMessage, len(q.chats))
	for id, items := range q.chats {
		if len(items) == 0 {
			continue
		}
		msgs := make([]store.QueuedMessage, len(items))
		for i, m := range items {
			msgs[i] = *m
		}
		out[id] = msgs
	}
	return out
}

// ReplaceAll swaps in queues loaded from a snapshot. Entries persisted
// mid-send come back as queued so a drain picks them up again.
func (q *Queue) ReplaceAll(chats map[string][]store.QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chats = make(map[string][]*store.QueuedMessage, len(chats))
	for id, msgs := range chats {
		items := make([]*store.QueuedMessage, 0, len(msgs))
		for _, m := range msgs {
			stored := m
			if stored.Status == store.StatusSending || stored.Status == store.StatusRetryPending {
				stored.Status = store.StatusQueued
			}
			items = append(items, &stored)
		}
		q.chats[id] = items
	}
}

// ClearChat drops every queued message for the chat.
func (q *Queue) ClearChat(chatID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.chats, chatID)
}
