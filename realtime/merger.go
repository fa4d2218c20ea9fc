// Package realtime reconciles inbound server events (new messages, status
// updates, reaction changes, typing signals) with the local message cache.
package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/offchat/offchat/bus"
	"github.com/offchat/offchat/cache"
	"github.com/offchat/offchat/store"
)

// Hooks breaks the cycle back to the coordinator: Notify pushes fresh
// subscriber snapshots for a chat after a cache mutation, Typing forwards
// the per-chat typing set. Typing state is never persisted.
type Hooks struct {
	Notify func(chatID string)
	Typing func(chatID string, users []string)
}

// Merger consumes the "remote." namespace on the bus and applies each event
// to the cache. Status and reaction updates are last-writer-wins in event
// arrival order.
type Merger struct {
	cache  *cache.Cache
	bus    *bus.Bus
	hooks  Hooks
	typing *typingTracker
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewMerger creates a merger over the given cache. typingTTL bounds how long
// a typing indicator survives without a refresh.
func NewMerger(c *cache.Cache, b *bus.Bus, typingTTL time.Duration, hooks Hooks, logger *zap.Logger) *Merger {
	m := &Merger{
		cache:  c,
		bus:    b,
		hooks:  hooks,
		logger: logger,
	}
	m.typing = newTypingTracker(typingTTL, m.forwardTyping)
	return m
}

// Start subscribes to inbound events on the bus.
func (m *Merger) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("remote.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the merger and clears typing state.
func (m *Merger) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.typing.close()
}

// TypingUsers returns the users currently typing in the chat.
func (m *Merger) TypingUsers(chatID string) []string {
	return m.typing.users(chatID)
}

func (m *Merger) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteNewMessage:
		p, ok := evt.Payload.(NewMessageEvent)
		if !ok {
			m.dropPayload(evt)
			return
		}
		m.handleNewMessage(p)
	case bus.KindRemoteStatusUpdated:
		p, ok := evt.Payload.(StatusUpdateEvent)
		if !ok {
			m.dropPayload(evt)
			return
		}
		m.handleStatusUpdate(p)
	case bus.KindRemoteReactionAdded:
		p, ok := evt.Payload.(ReactionDeltaEvent)
		if !ok {
			m.dropPayload(evt)
			return
		}
		m.handleReactionDelta(p, true)
	case bus.KindRemoteReactionRemoved:
		p, ok := evt.Payload.(ReactionDeltaEvent)
		if !ok {
			m.dropPayload(evt)
			return
		}
		m.handleReactionDelta(p, false)
	case bus.KindRemoteReactionUpdated:
		p, ok := evt.Payload.(ReactionSnapshotEvent)
		if !ok {
			m.dropPayload(evt)
			return
		}
		m.handleReactionSnapshot(p)
	case bus.KindRemoteTyping:
		p, ok := evt.Payload.(TypingEvent)
		if !ok {
			m.dropPayload(evt)
			return
		}
		m.typing.start(p.ChatID, p.UserID)
	case bus.KindRemoteTypingStopped:
		p, ok := evt.Payload.(TypingEvent)
		if !ok {
			m.dropPayload(evt)
			return
		}
		m.typing.stop(p.ChatID, p.UserID)
	default:
		// Unknown event kind: drop silently, leave a debug record.
		m.logger.Debug("unknown inbound event dropped", zap.String("kind", evt.Kind))
	}
}

func (m *Merger) dropPayload(evt bus.Event) {
	m.logger.Debug("inbound event with unexpected payload dropped",
		zap.String("kind", evt.Kind))
}

func (m *Merger) handleNewMessage(p NewMessageEvent) {
	if p.ChatID == "" || p.Message.ChatID != p.ChatID {
		m.logger.Debug("inbound message chat mismatch dropped",
			zap.String("event_chat", p.ChatID),
			zap.String("message_chat", p.Message.ChatID))
		return
	}
	// Append upserts when the id is already cached.
	m.cache.Append(p.ChatID, p.Message)
	m.notify(p.ChatID)
}

func (m *Merger) handleStatusUpdate(p StatusUpdateEvent) {
	updated := m.cache.Update(p.ChatID, p.MessageID, func(msg *store.CachedMessage) {
		msg.Status = p.Status
		if p.ReadBy != nil {
			msg.ReadBy = p.ReadBy
		}
	})
	if !updated {
		// Either an unknown message or an update for another chat.
		return
	}
	m.notify(p.ChatID)
}

func (m *Merger) handleReactionDelta(p ReactionDeltaEvent, add bool) {
	updated := m.cache.Update(p.ChatID, p.MessageID, func(msg *store.CachedMessage) {
		switch {
		case !add:
			msg.Reactions = RemoveReaction(msg.Reactions, p.Reaction, p.UserID)
		case HasReaction(msg.Reactions, p.Reaction, p.UserID):
			// A repeated add of the same type by the same user toggles it off.
			msg.Reactions = RemoveReaction(msg.Reactions, p.Reaction, p.UserID)
		default:
			msg.Reactions = AddReaction(msg.Reactions, p.Reaction, p.UserID)
		}
	})
	if updated {
		m.notify(p.ChatID)
	}
}

func (m *Merger) handleReactionSnapshot(p ReactionSnapshotEvent) {
	updated := m.cache.Update(p.ChatID, p.MessageID, func(msg *store.CachedMessage) {
		msg.Reactions = normalizeReactions(p.Reactions)
	})
	if updated {
		m.notify(p.ChatID)
	}
}

func (m *Merger) forwardTyping(chatID string, users []string) {
	m.bus.Publish(bus.Event{
		Kind:    bus.KindTypingUpdated,
		Payload: TypingUpdateEvent{ChatID: chatID, Users: users},
	})
	if m.hooks.Typing != nil {
		m.hooks.Typing(chatID, users)
	}
}

func (m *Merger) notify(chatID string) {
	if m.hooks.Notify != nil {
		m.hooks.Notify(chatID)
	}
}

// AddReaction returns reactions with userID recorded under the given type.
// Adding a user twice is a no-op; counts always track the user lists.
func AddReaction(reactions []store.Reaction, typ, userID string) []store.Reaction {
	for i := range reactions {
		if reactions[i].Type != typ {
			continue
		}
		for _, u := range reactions[i].Users {
			if u == userID {
				return reactions
			}
		}
		reactions[i].Users = append(reactions[i].Users, userID)
		reactions[i].Count = len(reactions[i].Users)
		return reactions
	}
	return append(reactions, store.Reaction{Type: typ, Users: []string{userID}, Count: 1})
}

// RemoveReaction returns reactions without userID's entry for the given
// type; an emptied reaction type disappears entirely.
func RemoveReaction(reactions []store.Reaction, typ, userID string) []store.Reaction {
	for i := range reactions {
		if reactions[i].Type != typ {
			continue
		}
		users := reactions[i].Users
		for j, u := range users {
			if u == userID {
				users = append(users[:j], users[j+1:]...)
				break
			}
		}
		if len(users) == 0 {
			return append(reactions[:i], reactions[i+1:]...)
		}
		reactions[i].Users = users
		reactions[i].Count = len(users)
		return reactions
	}
	return reactions
}

// HasReaction reports whether userID reacted with the given type.
func HasReaction(reactions []store.Reaction, typ, userID string) bool {
	for _, r := range reactions {
		if r.Type != typ {
			continue
		}
		for _, u := range r.Users {
			if u == userID {
				return true
			}
		}
	}
	return false
}

func normalizeReactions(reactions []store.Reaction) []store.Reaction {
	out := make([]store.Reaction, 0, len(reactions))
	for _, r := range reactions {
		if len(r.Users) == 0 {
			continue
		}
		r.Count = len(r.Users)
		out = append(out, r)
	}
	return out
}
