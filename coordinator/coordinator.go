// Package coordinator glues the queue, cache, store, connectivity monitor,
// retry scheduler and realtime merger into the offline messaging
// coordinator: accept sends while disconnected, persist them, drain them in
// order when connectivity returns, and keep subscribers informed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offchat/offchat/bus"
	"github.com/offchat/offchat/cache"
	"github.com/offchat/offchat/connectivity"
	"github.com/offchat/offchat/queue"
	"github.com/offchat/offchat/realtime"
	"github.com/offchat/offchat/retry"
	"github.com/offchat/offchat/store"
	"github.com/offchat/offchat/transport"
)

var (
	// ErrMissingChat flags a caller bug: every operation needs a chat id.
	ErrMissingChat = errors.New("chat id required")
	// ErrClosed is returned once Cleanup has run.
	ErrClosed = errors.New("coordinator closed")
	// ErrNotFailed is returned by Retry when the message is absent or not in
	// the failed state.
	ErrNotFailed = errors.New("message is not failed")
)

// Payload is what the UI hands to Send.
type Payload struct {
	Content     string
	Type        store.MessageType
	ChatType    store.ChatType
	Attachments []store.Attachment
	ReplyTo     string
}

// SendResult is the outcome of Send. Exactly one of the two shapes applies:
// a confirmed server record (IsQueued false) or a queued descriptor whose
// optimistic cache entry renders as sending until the drain resolves it.
type SendResult struct {
	IsQueued bool
	TempID   string
	Message  *store.CachedMessage
	Queued   *store.QueuedMessage
}

// Snapshot is delivered to subscribers on every state change.
type Snapshot struct {
	IsOnline   bool
	QueueStats queue.Stats
	CacheStats cache.Stats
	Typing     []string
}

// Subscriber receives snapshots. Subscribers must not block; delivery is
// fire-and-forget from the mutating caller.
type Subscriber func(Snapshot)

// Options wires the coordinator's collaborators.
type Options struct {
	Queue     *queue.Queue
	Cache     *cache.Cache
	Store     *store.Store
	Monitor   *connectivity.Monitor
	Scheduler *retry.Scheduler
	Sender    transport.Sender
	Bus       *bus.Bus
	Logger    *zap.Logger

	Policy    retry.Policy
	DrainGap  time.Duration
	TypingTTL time.Duration

	// UserID and UserName stamp optimistic cache entries and reaction
	// toggles with the local identity.
	UserID   string
	UserName string
}

// Coordinator is the process-wide offline messaging coordinator. Every UI
// surface observes the same instance; state is partitioned by chat id.
type Coordinator struct {
	queue     *queue.Queue
	cache     *cache.Cache
	store     *store.Store
	monitor   *connectivity.Monitor
	scheduler *retry.Scheduler
	sender    transport.Sender
	bus       *bus.Bus
	merger    *realtime.Merger
	logger    *zap.Logger

	policy   retry.Policy
	drainGap time.Duration
	userID   string
	userName string

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subs          map[string]map[int]Subscriber
	nextSub       int
	draining      map[string]bool
	typing        map[string][]string
	awaiting      map[string]*store.CachedMessage
	reactInFlight map[string]bool
	closed        bool
	unsubMonitor  func()
}

// New assembles a coordinator. Call Start before use.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		queue:         opts.Queue,
		cache:         opts.Cache,
		store:         opts.Store,
		monitor:       opts.Monitor,
		scheduler:     opts.Scheduler,
		sender:        opts.Sender,
		bus:           opts.Bus,
		logger:        opts.Logger,
		policy:        opts.Policy,
		drainGap:      opts.DrainGap,
		userID:        opts.UserID,
		userName:      opts.UserName,
		subs:          make(map[string]map[int]Subscriber),
		draining:      make(map[string]bool),
		typing:        make(map[string][]string),
		awaiting:      make(map[string]*store.CachedMessage),
		reactInFlight: make(map[string]bool),
	}
	c.merger = realtime.NewMerger(opts.Cache, opts.Bus, opts.TypingTTL, realtime.Hooks{
		Notify: func(chatID string) {
			c.persist()
			c.notifyChat(chatID)
		},
		Typing: c.onTyping,
	}, opts.Logger)
	return c
}

// Start loads persisted state, starts the realtime merger and the
// connectivity monitor, and kicks an initial drain when already online.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	snap, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	c.queue.ReplaceAll(snap.Queues)
	c.cache.ReplaceAll(snap.Caches)

	c.merger.Start(c.ctx)

	c.unsubMonitor = c.monitor.OnChange(func(online bool) {
		c.notifyAll()
		if online {
			go c.DrainAll(c.ctx)
		}
	})
	c.monitor.Start()

	if c.monitor.IsOnline() {
		go c.DrainAll(c.ctx)
	}
	c.logger.Info("coordinator started",
		zap.Int("chats_with_queue", len(snap.Queues)),
		zap.Bool("online", c.monitor.IsOnline()))
	return nil
}

// Cleanup cancels every pending retry timer, drops every subscriber, stops
// the monitor and merger, and flushes one last snapshot. After Cleanup
// returns no scheduled retry callback executes.
func (c *Coordinator) Cleanup() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]map[int]Subscriber)
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.unsubMonitor != nil {
		c.unsubMonitor()
	}
	c.monitor.Stop()
	c.merger.Stop()
	c.scheduler.Close()

	final := &store.Snapshot{
		Queues: c.queue.SnapshotAll(),
		Caches: c.cache.SnapshotAll(),
	}
	if err := c.store.Save(final); err != nil {
		c.logger.Warn("final snapshot save failed", zap.Error(err))
		return err
	}
	c.logger.Info("coordinator stopped")
	return nil
}

// Subscribe registers cb for the chat's state changes and returns an
// unsubscribe function. Unregistering is immediate.
func (c *Coordinator) Subscribe(chatID string, cb Subscriber) (unsub func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chatSubs := c.subs[chatID]
	if chatSubs == nil {
		chatSubs = make(map[int]Subscriber)
		c.subs[chatID] = chatSubs
	}
	id := c.nextSub
	c.nextSub++
	chatSubs[id] = cb

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[chatID], id)
	}
}

// SnapshotFor builds the current subscriber snapshot for a chat.
func (c *Coordinator) SnapshotFor(chatID string) Snapshot {
	c.mu.Lock()
	typing := c.typing[chatID]
	c.mu.Unlock()
	return Snapshot{
		IsOnline:   c.monitor.IsOnline(),
		QueueStats: c.queue.Stats(chatID),
		CacheStats: c.cache.Stats(chatID),
		Typing:     typing,
	}
}

// Messages returns the chat's cached history, timestamp ascending.
func (c *Coordinator) Messages(chatID string) []store.CachedMessage {
	return c.cache.List(chatID)
}

// Queued returns the chat's outbound queue in enqueue order.
func (c *Coordinator) Queued(chatID string) []store.QueuedMessage {
	return c.queue.List(chatID)
}

// Search scans the chat's cached history for a case-insensitive substring
// match on content or sender name.
func (c *Coordinator) Search(chatID, query string) []store.CachedMessage {
	return c.cache.Search(chatID, query)
}

// SeedHistory bulk-replaces the chat's cache, typically after an initial
// history fetch.
func (c *Coordinator) SeedHistory(chatID string, msgs []store.CachedMessage) {
	c.cache.Seed(chatID, msgs)
	c.persist()
	c.notifyChat(chatID)
}

// MergeHistory reconciles server history with the chat's cache; server
// fields prevail for colliding ids.
func (c *Coordinator) MergeHistory(chatID string, msgs []store.CachedMessage) {
	c.cache.Merge(chatID, msgs)
	c.persist()
	c.notifyChat(chatID)
}

// RemoveMessage hard-deletes a message from cache and, when id is a tempId,
// from the queue together with any pending retry timer.
func (c *Coordinator) RemoveMessage(chatID, id string) {
	c.scheduler.Cancel(id)
	c.queue.Remove(chatID, id)
	c.cache.Remove(chatID, id)
	c.persist()
	c.notifyChat(chatID)
}

// ClearChat destroys the chat's state: queue, timers, cache and typing set.
func (c *Coordinator) ClearChat(chatID string) {
	for _, m := range c.queue.List(chatID) {
		c.scheduler.Cancel(m.TempID)
	}
	c.queue.ClearChat(chatID)
	c.cache.ClearChat(chatID)
	c.mu.Lock()
	delete(c.typing, chatID)
	c.mu.Unlock()
	c.persist()
	c.notifyChat(chatID)
}

func (c *Coordinator) onTyping(chatID string, users []string) {
	c.mu.Lock()
	if len(users) == 0 {
		delete(c.typing, chatID)
	} else {
		c.typing[chatID] = users
	}
	c.mu.Unlock()
	c.notifyChat(chatID)
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// persist schedules a coalesced write-through snapshot of both namespaces.
func (c *Coordinator) persist() {
	c.store.SaveDebounced(&store.Snapshot{
		Queues: c.queue.SnapshotAll(),
		Caches: c.cache.SnapshotAll(),
	})
}

func (c *Coordinator) notifyChat(chatID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cbs := make([]Subscriber, 0, len(c.subs[chatID]))
	for _, cb := range c.subs[chatID] {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	if len(cbs) == 0 {
		return
	}

	snap := c.SnapshotFor(chatID)
	for _, cb := range cbs {
		cb(snap)
	}
}

func (c *Coordinator) notifyAll() {
	c.mu.Lock()
	chats := make([]string, 0, len(c.subs))
	for chatID, chatSubs := range c.subs {
		if len(chatSubs) > 0 {
			chats = append(chats, chatID)
		}
	}
	c.mu.Unlock()
	for _, chatID := range chats {
		c.notifyChat(chatID)
	}
}
