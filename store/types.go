package store

// ChatType distinguishes group and private conversations.
type ChatType string

const (
	ChatGroup   ChatType = "group"
	ChatPrivate ChatType = "private"
)

// MessageType is the tagged variant for message kinds.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypeSystem   MessageType = "system"
)

// QueueStatus is the lifecycle state of an outbound queued message.
type QueueStatus string

const (
	StatusQueued       QueueStatus = "queued"
	StatusSending      QueueStatus = "sending"
	StatusRetryPending QueueStatus = "retryPending"
	StatusFailed       QueueStatus = "failed"
)

// DeliveryStatus is the lifecycle state of a cached message.
type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Attachment is an opaque media descriptor carried on a message. The
// coordinator never interprets it beyond persistence.
type Attachment struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Reaction groups the users who reacted to a message with one reaction type.
// Count always equals len(Users).
type Reaction struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// ForwardInfo records where a forwarded message originated.
type ForwardInfo struct {
	FromChatID string `json:"fromChatId,omitempty"`
	FromName   string `json:"fromName,omitempty"`
}

// QueuedMessage is an outbound message awaiting delivery. TempID is minted
// locally, survives restarts and doubles as the idempotency token handed to
// the transport on every attempt.
type QueuedMessage struct {
	TempID      string       `json:"tempId"`
	ChatID      string       `json:"chatId"`
	ChatType    ChatType     `json:"chatType"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	QueuedAt    int64        `json:"queuedAt"`
	Status      QueueStatus  `json:"status"`
	RetryCount  int          `json:"retryCount"`
	NextRetryAt int64        `json:"nextRetryAt,omitempty"`
	Error       string       `json:"error,omitempty"`
	FailedAt    int64        `json:"failedAt,omitempty"`
}

// CachedMessage is a message record in the per-chat history window. ID holds
// the authoritative server id once known; before confirmation it carries the
// tempId of the queued original. Timestamps are unix milliseconds.
type CachedMessage struct {
	ID          string         `json:"id"`
	ChatID      string         `json:"chatId"`
	SenderID    string         `json:"senderId"`
	SenderName  string         `json:"senderName"`
	Content     string         `json:"content"`
	Type        MessageType    `json:"type"`
	Timestamp   int64          `json:"timestamp"`
	Status      DeliveryStatus `json:"status"`
	Reactions   []Reaction     `json:"reactions,omitempty"`
	ReadBy      []string       `json:"readBy,omitempty"`
	ReplyTo     string         `json:"replyTo,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	IsForwarded bool           `json:"isForwarded,omitempty"`
	ForwardedBy *ForwardInfo   `json:"forwardedFrom,omitempty"`
}

// Snapshot is the durable state of every chat: the outbound queues and the
// history caches, both keyed by chat id.
type Snapshot struct {
	Queues map[string][]QueuedMessage
	Caches map[string][]CachedMessage
}

// NewSnapshot returns an empty snapshot with both maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Queues: make(map[string][]QueuedMessage),
		Caches: make(map[string][]CachedMessage),
	}
}
