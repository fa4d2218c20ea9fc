package realtime

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/offchat/offchat/bus"
	"github.com/offchat/offchat/cache"
	"github.com/offchat/offchat/store"
)

// notifyRecorder collects hook invocations for assertions.
type notifyRecorder struct {
	mu      sync.Mutex
	chats   []string
	typing  map[string][]string
	changed chan struct{}
}

func newNotifyRecorder() *notifyRecorder {
	return &notifyRecorder{
		typing:  make(map[string][]string),
		changed: make(chan struct{}, 64),
	}
}

func (r *notifyRecorder) hooks() Hooks {
	return Hooks{
		Notify: func(chatID string) {
			r.mu.Lock()
			r.chats = append(r.chats, chatID)
			r.mu.Unlock()
			r.changed <- struct{}{}
		},
		Typing: func(chatID string, users []string) {
			r.mu.Lock()
			r.typing[chatID] = users
			r.mu.Unlock()
			r.changed <- struct{}{}
		},
	}
}

func (r *notifyRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.changed:
	case <-time.After(time.Second):
		t.Fatal("no hook invocation")
	}
}

func (r *notifyRecorder) notifyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

func (r *notifyRecorder) typingUsers(chatID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing[chatID]
}

func startMerger(t *testing.T, ttl time.Duration) (*Merger, *cache.Cache, *bus.Bus, *notifyRecorder) {
	t.Helper()
	c := cache.New(100, zap.NewNop())
	b := bus.New()
	rec := newNotifyRecorder()
	m := NewMerger(c, b, ttl, rec.hooks(), zap.NewNop())
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, c, b, rec
}

func serverMsg(id, chatID, content string, ts int64) store.CachedMessage {
	return store.CachedMessage{
		ID: id, ChatID: chatID, SenderID: "u2", Content: content,
		Type: store.TypeText, Timestamp: ts, Status: store.DeliverySent,
	}
}

func TestNewMessageLandsInCache(t *testing.T) {
	_, c, b, rec := startMerger(t, time.Second)

	b.Publish(bus.Event{Kind: bus.KindRemoteNewMessage, Payload: NewMessageEvent{
		ChatID:  "chat-1",
		Message: serverMsg("m1", "chat-1", "hello", 1000),
	}})
	rec.wait(t)

	msgs := c.List("chat-1")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestNewMessageUpsertsExistingId(t *testing.T) {
	_, c, b, rec := startMerger(t, time.Second)

	b.Publish(bus.Event{Kind: bus.KindRemoteNewMessage, Payload: NewMessageEvent{
		ChatID: "chat-1", Message: serverMsg("m1", "chat-1", "first", 1000),
	}})
	rec.wait(t)
	b.Publish(bus.Event{Kind: bus.KindRemoteNewMessage, Payload: NewMessageEvent{
		ChatID: "chat-1", Message: serverMsg("m1", "chat-1", "edited", 1000),
	}})
	rec.wait(t)

	msgs := c.List("chat-1")
	if len(msgs) != 1 || msgs[0].Content != "edited" {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestNewMessageChatMismatchDropped(t *testing.T) {
	_, c, b, rec := startMerger(t, time.Second)

	b.Publish(bus.Event{Kind: bus.KindRemoteNewMessage, Payload: NewMessageEvent{
		ChatID: "chat-1", Message: serverMsg("m1", "chat-2", "leak", 1000),
	}})
	// Follow with a healthy event so we know the bad one was processed.
	b.Publish(bus.Event{Kind: bus.KindRemoteNewMessage, Payload: NewMessageEvent{
		ChatID: "chat-1", Message: serverMsg("m2", "chat-1", "ok", 2000),
	}})
	rec.wait(t)

	if msgs := c.List("chat-2"); len(msgs) != 0 {
		t.Errorf("mismatched message leaked into chat-2: %+v", msgs)
	}
	msgs := c.List("chat-1")
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("chat-1 cache = %+v", msgs)
	}
}

func TestStatusUpdatePatchesMessage(t *testing.T) {
	_, c, b, rec := startMerger(t, time.Second)
	c.Seed("chat-1", []store.CachedMessage{serverMsg("m1", "chat-1", "hi", 1000)})

	b.Publish(bus.Event{Kind: bus.KindRemoteStatusUpdated, Payload: StatusUpdateEvent{
		ChatID: "chat-1", MessageID: "m1", Status: store.DeliveryRead, ReadBy: []string{"u2"},
	}})
	rec.wait(t)

	msgs := c.List("chat-1")
	if msgs[0].Status != store.DeliveryRead || !reflect.DeepEqual(msgs[0].ReadBy, []string{"u2"}) {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestStatusUpdateUnknownMessageIgnored(t *testing.T) {
	_, _, b, rec := startMerger(t, time.Second)

	b.Publish(bus.Event{Kind: bus.KindRemoteStatusUpdated, Payload: StatusUpdateEvent{
		ChatID: "chat-1", MessageID: "ghost", Status: store.DeliveryRead,
	}})
	time.Sleep(50 * time.Millisecond)

	if rec.notifyCount() != 0 {
		t.Error("notify fired for an unknown message")
	}
}

func TestReactionDeltas(t *testing.T) {
	_, c, b, rec := startMerger(t, time.Second)
	c.Seed("chat-1", []store.CachedMessage{serverMsg("m1", "chat-1", "hi", 1000)})

	add := func(user string) {
		b.Publish(bus.Event{Kind: bus.KindRemoteReactionAdded, Payload: ReactionDeltaEvent{
			ChatID: "chat-1", MessageID: "m1", Reaction: "👍", UserID: user,
		}})
		rec.wait(t)
	}
	add("u2")
	add("u3")

	msgs := c.List("chat-1")
	r := msgs[0].Reactions
	if len(r) != 1 || r[0].Type != "👍" || r[0].Count != 2 || len(r[0].Users) != 2 {
		t.Fatalf("reactions = %+v", r)
	}

	// A repeated add by the same user toggles the reaction off.
	add("u2")
	r = c.List("chat-1")[0].Reactions
	if len(r) != 1 || r[0].Count != 1 || r[0].Users[0] != "u3" {
		t.Fatalf("reactions after toggle = %+v", r)
	}

	b.Publish(bus.Event{Kind: bus.KindRemoteReactionRemoved, Payload: ReactionDeltaEvent{
		ChatID: "chat-1", MessageID: "m1", Reaction: "👍", UserID: "u3",
	}})
	rec.wait(t)

	if r := c.List("chat-1")[0].Reactions; len(r) != 0 {
		t.Errorf("emptied reaction type survived: %+v", r)
	}
}

func TestReactionSnapshotIsAuthoritative(t *testing.T) {
	_, c, b, rec := startMerger(t, time.Second)
	seeded := serverMsg("m1", "chat-1", "hi", 1000)
	seeded.Reactions = []store.Reaction{{Type: "👍", Users: []string{"u2", "u3"}, Count: 2}}
	c.Seed("chat-1", []store.CachedMessage{seeded})

	b.Publish(bus.Event{Kind: bus.KindRemoteReactionUpdated, Payload: ReactionSnapshotEvent{
		ChatID: "chat-1", MessageID: "m1",
		Reactions: []store.Reaction{
			{Type: "❤️", Users: []string{"u4"}, Count: 99}, // server count is recomputed
			{Type: "👎", Users: nil},                        // empty entries dropped
		},
	}})
	rec.wait(t)

	r := c.List("chat-1")[0].Reactions
	if len(r) != 1 || r[0].Type != "❤️" || r[0].Count != 1 {
		t.Errorf("reactions = %+v", r)
	}
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	m, _, b, rec := startMerger(t, 40*time.Millisecond)

	b.Publish(bus.Event{Kind: bus.KindRemoteTyping, Payload: TypingEvent{
		ChatID: "chat-1", UserID: "u2",
	}})
	rec.wait(t)

	if users := m.TypingUsers("chat-1"); len(users) != 1 || users[0] != "u2" {
		t.Fatalf("typing users = %v", users)
	}

	rec.wait(t) // expiry notification
	if users := m.TypingUsers("chat-1"); len(users) != 0 {
		t.Errorf("typing indicator survived TTL: %v", users)
	}
	if users := rec.typingUsers("chat-1"); len(users) != 0 {
		t.Errorf("final typing hook carried users: %v", users)
	}
}

func TestTypingStopClearsImmediately(t *testing.T) {
	m, _, b, rec := startMerger(t, time.Hour)

	b.Publish(bus.Event{Kind: bus.KindRemoteTyping, Payload: TypingEvent{
		ChatID: "chat-1", UserID: "u2",
	}})
	rec.wait(t)
	b.Publish(bus.Event{Kind: bus.KindRemoteTypingStopped, Payload: TypingEvent{
		ChatID: "chat-1", UserID: "u2",
	}})
	rec.wait(t)

	if users := m.TypingUsers("chat-1"); len(users) != 0 {
		t.Errorf("typing users = %v", users)
	}
}

func TestTypingUpdatePublishesUsers(t *testing.T) {
	_, _, b, rec := startMerger(t, time.Hour)

	ch, unsub := b.Subscribe("typing.", 8)
	defer unsub()

	b.Publish(bus.Event{Kind: bus.KindRemoteTyping, Payload: TypingEvent{
		ChatID: "chat-1", UserID: "u2",
	}})
	rec.wait(t)

	select {
	case evt := <-ch:
		p, ok := evt.Payload.(TypingUpdateEvent)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if p.ChatID != "chat-1" {
			t.Errorf("chat = %q", p.ChatID)
		}
		if len(p.Users) != 1 || p.Users[0] != "u2" {
			t.Errorf("typing users in published event = %v, want [u2]", p.Users)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no typing update published")
	}
}

func TestTypingRefreshDoesNotRenotify(t *testing.T) {
	_, _, b, rec := startMerger(t, time.Hour)

	b.Publish(bus.Event{Kind: bus.KindRemoteTyping, Payload: TypingEvent{
		ChatID: "chat-1", UserID: "u2",
	}})
	rec.wait(t)
	b.Publish(bus.Event{Kind: bus.KindRemoteTyping, Payload: TypingEvent{
		ChatID: "chat-1", UserID: "u2",
	}})
	time.Sleep(50 * time.Millisecond)

	select {
	case <-rec.changed:
		t.Error("refresh of an active typing user produced a notification")
	default:
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	_, c, b, rec := startMerger(t, time.Second)

	b.Publish(bus.Event{Kind: bus.KindRemoteNewMessage, Payload: "not a struct"})
	b.Publish(bus.Event{Kind: "remote.someday_maybe", Payload: 42})
	// Healthy event proves the loop survived.
	b.Publish(bus.Event{Kind: bus.KindRemoteNewMessage, Payload: NewMessageEvent{
		ChatID: "chat-1", Message: serverMsg("m1", "chat-1", "ok", 1000),
	}})
	rec.wait(t)

	if msgs := c.List("chat-1"); len(msgs) != 1 {
		t.Errorf("cache = %+v", msgs)
	}
}

func TestReactionHelpers(t *testing.T) {
	var r []store.Reaction
	r = AddReaction(r, "👍", "u1")
	r = AddReaction(r, "👍", "u1")
	r = AddReaction(r, "❤️", "u2")
	if len(r) != 2 || r[0].Count != 1 {
		t.Fatalf("reactions = %+v", r)
	}
	if !HasReaction(r, "👍", "u1") || HasReaction(r, "👍", "u2") {
		t.Error("HasReaction gave wrong membership")
	}
	r = RemoveReaction(r, "👍", "u1")
	if len(r) != 1 || r[0].Type != "❤️" {
		t.Errorf("after remove: %+v", r)
	}
	if got := RemoveReaction(r, "ghost", "u1"); len(got) != 1 {
		t.Errorf("removing an absent type changed the set: %+v", got)
	}
}
