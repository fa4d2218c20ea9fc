package realtime

import "github.com/offchat/offchat/store"

// NewMessageEvent carries an inbound message pushed by the server.
type NewMessageEvent struct {
	ChatID  string
	Message store.CachedMessage
}

// StatusUpdateEvent patches delivery status on a cached message.
type StatusUpdateEvent struct {
	ChatID    string
	MessageID string
	Status    store.DeliveryStatus
	ReadBy    []string
}

// ReactionDeltaEvent adds or removes one user's reaction.
type ReactionDeltaEvent struct {
	ChatID    string
	MessageID string
	Reaction  string
	UserID    string
}

// ReactionSnapshotEvent replaces a message's reactions with the server's
// authoritative set.
type ReactionSnapshotEvent struct {
	ChatID    string
	MessageID string
	Reactions []store.Reaction
}

// TypingEvent signals a user started or stopped typing. Never persisted.
type TypingEvent struct {
	ChatID   string
	UserID   string
	UserName string
}

// TypingUpdateEvent carries the full set of currently typing users for a
// chat. Published whenever the set changes.
type TypingUpdateEvent struct {
	ChatID string
	Users  []string
}
