package bus

import "time"

// Event kinds published by the coordinator itself.
const (
	KindMessageQueued     = "message.queued"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindRetryScheduled    = "message.retry_scheduled"
	KindConnectivity      = "connectivity.changed"
	KindTypingUpdated     = "typing.updated"
)

// Event kinds the host publishes for inbound server signals. The realtime
// merger subscribes to the whole "remote." namespace.
const (
	KindRemoteNewMessage      = "remote.new_message"
	KindRemoteStatusUpdated   = "remote.message_status_updated"
	KindRemoteReactionUpdated = "remote.message_reaction_updated"
	KindRemoteReactionAdded   = "remote.reaction_added"
	KindRemoteReactionRemoved = "remote.reaction_removed"
	KindRemoteTyping          = "remote.user_typing"
	KindRemoteTypingStopped   = "remote.user_stopped_typing"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
