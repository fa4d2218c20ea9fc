package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offchat/offchat/bus"
	"github.com/offchat/offchat/realtime"
	"github.com/offchat/offchat/store"
	"github.com/offchat/offchat/transport"
)

// Send accepts a user action. Online, it attempts immediate delivery through
// the transport; offline or on failure the message stays durably queued and
// the result carries IsQueued=true. Send never returns an error for offline
// or transient conditions, only for a full queue or a missing chat id. The
// optimistic cache entry (status sending) is placed before the transport
// call resolves.
func (c *Coordinator) Send(ctx context.Context, chatID string, p Payload) (*SendResult, error) {
	if chatID == "" {
		return nil, ErrMissingChat
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	now := time.Now().UnixMilli()
	msg := store.QueuedMessage{
		TempID:      uuid.NewString(),
		ChatID:      chatID,
		ChatType:    p.ChatType,
		Content:     p.Content,
		Type:        p.Type,
		Attachments: p.Attachments,
		ReplyTo:     p.ReplyTo,
		QueuedAt:    now,
		Status:      store.StatusQueued,
	}
	if msg.ChatType == "" {
		msg.ChatType = store.ChatPrivate
	}
	if msg.Type == "" {
		msg.Type = store.TypeText
	}

	optimistic := store.CachedMessage{
		ID:          msg.TempID,
		ChatID:      chatID,
		SenderID:    c.userID,
		SenderName:  c.userName,
		Content:     msg.Content,
		Type:        msg.Type,
		Timestamp:   now,
		Status:      store.DeliverySending,
		ReplyTo:     msg.ReplyTo,
		Attachments: msg.Attachments,
	}
	c.cache.Append(chatID, optimistic)

	queued, err := c.queue.Enqueue(chatID, msg)
	if err != nil {
		c.cache.Remove(chatID, msg.TempID)
		c.notifyChat(chatID)
		return nil, err
	}
	c.bus.Publish(bus.Event{Kind: bus.KindMessageQueued, Payload: queued})
	c.persist()
	c.notifyChat(chatID)

	if !c.monitor.IsOnline() {
		return &SendResult{IsQueued: true, TempID: queued.TempID, Message: &optimistic, Queued: &queued}, nil
	}

	// Online: drain the chat in FIFO order so this message cannot overtake
	// anything queued before it, and claim its confirmation.
	c.mu.Lock()
	c.awaiting[queued.TempID] = nil
	c.mu.Unlock()

	c.drainChat(ctx, chatID, false)

	c.mu.Lock()
	confirmed := c.awaiting[queued.TempID]
	delete(c.awaiting, queued.TempID)
	c.mu.Unlock()

	if confirmed != nil {
		return &SendResult{TempID: queued.TempID, Message: confirmed}, nil
	}
	current, ok := c.queue.Find(chatID, queued.TempID)
	if !ok {
		current = queued
	}
	return &SendResult{IsQueued: true, TempID: queued.TempID, Message: &optimistic, Queued: &current}, nil
}

// DrainAll drains every chat with queued messages, each in its own
// goroutine; chats never block each other.
func (c *Coordinator) DrainAll(ctx context.Context) {
	for _, chatID := range c.queue.Chats() {
		go c.drainChat(ctx, chatID, true)
	}
}

// Drain drains one chat, sending retry-pending entries immediately. Called
// on the online edge and usable by embedders after manual intervention.
func (c *Coordinator) Drain(ctx context.Context, chatID string) {
	c.drainChat(ctx, chatID, true)
}

// drainChat processes the chat's queue in FIFO order with at most one
// in-flight transport call. force sends retry-pending entries before their
// backoff elapses (the online-edge semantics). A transient failure parks the
// chat until its retry timer fires, preserving order for everything behind
// the failed head.
func (c *Coordinator) drainChat(ctx context.Context, chatID string, force bool) {
	c.mu.Lock()
	if c.closed || c.draining[chatID] {
		c.mu.Unlock()
		return
	}
	c.draining[chatID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.draining, chatID)
		c.mu.Unlock()
	}()

	first := true
	for {
		if c.isClosed() || !c.monitor.IsOnline() || ctx.Err() != nil {
			return
		}
		tempID, ok := c.nextEligible(chatID, force)
		if !ok {
			return
		}
		if !first {
			// Pace consecutive sends of the same chat.
			select {
			case <-time.After(c.drainGap):
			case <-ctx.Done():
				return
			}
		}
		first = false
		if parked := c.sendOne(ctx, chatID, tempID); parked {
			return
		}
	}
}

// nextEligible picks the first sendable message: queued, or retry-pending
// when due or forced. Failed entries are skipped; an undue retry-pending
// head parks the whole chat to keep server-side order.
func (c *Coordinator) nextEligible(chatID string, force bool) (string, bool) {
	now := time.Now().UnixMilli()
	for _, m := range c.queue.List(chatID) {
		switch m.Status {
		case store.StatusQueued:
			return m.TempID, true
		case store.StatusRetryPending:
			if force || m.NextRetryAt <= now {
				c.scheduler.Cancel(m.TempID)
				return m.TempID, true
			}
			return "", false
		case store.StatusFailed:
			continue
		default:
			// A sending entry means another drain is active; bail.
			return "", false
		}
	}
	return "", false
}

// sendOne performs a single transport attempt for the message. Returns true
// when the chat must stop draining (transient failure parked it).
func (c *Coordinator) sendOne(ctx context.Context, chatID, tempID string) (parked bool) {
	if !c.queue.Update(chatID, tempID, func(m *store.QueuedMessage) {
		m.Status = store.StatusSending
	}) {
		return false
	}
	c.persist()
	c.notifyChat(chatID)

	msg, ok := c.queue.Find(chatID, tempID)
	if !ok {
		return false
	}
	confirmed, err := c.sender.Send(ctx, &msg)
	if err == nil && confirmed == nil {
		err = transport.Transient(errors.New("transport returned no message"))
	}
	if err == nil {
		c.scheduler.Cancel(tempID)
		c.queue.Remove(chatID, tempID)
		c.cache.Replace(chatID, tempID, *confirmed)
		c.persist()
		c.notifyChat(chatID)
		c.bus.Publish(bus.Event{Kind: bus.KindMessageSendAck, Payload: map[string]string{
			"chat_id": chatID, "temp_id": tempID, "server_id": confirmed.ID,
		}})
		c.mu.Lock()
		if _, claimed := c.awaiting[tempID]; claimed {
			c.awaiting[tempID] = confirmed
		}
		c.mu.Unlock()
		c.logger.Info("message sent",
			zap.String("chat_id", chatID),
			zap.String("temp_id", tempID),
			zap.String("server_id", confirmed.ID))
		return false
	}

	if transport.Classify(err) == transport.KindPermanent {
		c.failMessage(chatID, tempID, err.Error())
		return false
	}
	return c.scheduleRetry(chatID, tempID, err)
}

// scheduleRetry increments the retry counter and either programs the backoff
// timer or marks the message failed once the cap is exhausted. Returns true
// while the chat stays parked behind the pending retry.
func (c *Coordinator) scheduleRetry(chatID, tempID string, cause error) (parked bool) {
	msg, ok := c.queue.Find(chatID, tempID)
	if !ok {
		return false
	}
	if msg.RetryCount >= c.policy.MaxRetries {
		c.failMessage(chatID, tempID, cause.Error())
		return false
	}

	delay := c.policy.Delay(msg.RetryCount)
	nextAt := time.Now().Add(delay).UnixMilli()
	c.queue.Update(chatID, tempID, func(m *store.QueuedMessage) {
		m.Status = store.StatusRetryPending
		m.RetryCount++
		m.NextRetryAt = nextAt
		m.Error = cause.Error()
	})
	c.persist()
	c.notifyChat(chatID)
	c.scheduler.Schedule(tempID, delay, func() {
		if c.isClosed() {
			return
		}
		c.drainChat(c.ctx, chatID, false)
	})
	c.bus.Publish(bus.Event{Kind: bus.KindRetryScheduled, Payload: map[string]string{
		"chat_id": chatID, "temp_id": tempID,
	}})
	c.logger.Warn("send failed, retry scheduled",
		zap.String("chat_id", chatID),
		zap.String("temp_id", tempID),
		zap.Int("retry_count", msg.RetryCount+1),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return true
}

func (c *Coordinator) failMessage(chatID, tempID, cause string) {
	c.scheduler.Cancel(tempID)
	now := time.Now().UnixMilli()
	c.queue.Update(chatID, tempID, func(m *store.QueuedMessage) {
		m.Status = store.StatusFailed
		m.Error = cause
		m.FailedAt = now
	})
	c.cache.Update(chatID, tempID, func(m *store.CachedMessage) {
		m.Status = store.DeliveryFailed
	})
	c.persist()
	c.notifyChat(chatID)
	c.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Payload: map[string]string{
		"chat_id": chatID, "temp_id": tempID, "error": cause,
	}})
	c.logger.Error("message failed",
		zap.String("chat_id", chatID),
		zap.String("temp_id", tempID),
		zap.String("error", cause))
}

// Retry resets a failed message for another delivery round. Valid only when
// the message is in the failed state.
func (c *Coordinator) Retry(chatID, tempID string) error {
	if chatID == "" {
		return ErrMissingChat
	}
	msg, ok := c.queue.Find(chatID, tempID)
	if !ok || msg.Status != store.StatusFailed {
		return ErrNotFailed
	}
	c.queue.Update(chatID, tempID, func(m *store.QueuedMessage) {
		m.Status = store.StatusQueued
		m.RetryCount = 0
		m.NextRetryAt = 0
		m.Error = ""
		m.FailedAt = 0
	})
	c.cache.Update(chatID, tempID, func(m *store.CachedMessage) {
		m.Status = store.DeliverySending
	})
	c.persist()
	c.notifyChat(chatID)
	if c.monitor.IsOnline() {
		go c.drainChat(c.ctx, chatID, false)
	}
	return nil
}

// ClearFailed removes every failed entry from the chat's queue along with
// their optimistic cache entries.
func (c *Coordinator) ClearFailed(chatID string) {
	removed := c.queue.RemoveWhere(chatID, func(m store.QueuedMessage) bool {
		return m.Status == store.StatusFailed
	})
	for _, tempID := range removed {
		c.scheduler.Cancel(tempID)
		c.cache.Remove(chatID, tempID)
	}
	if len(removed) == 0 {
		return
	}
	c.persist()
	c.notifyChat(chatID)
}

// ToggleReaction optimistically flips the local user's reaction of the
// given type on a cached message. Reacting twice with the same type removes
// it. When the transport supports reactions, at most one react call per
// message+type is in flight; the authoritative state arrives through the
// next reaction snapshot event.
func (c *Coordinator) ToggleReaction(chatID, messageID, reaction string) error {
	if chatID == "" {
		return ErrMissingChat
	}
	var adding bool
	updated := c.cache.Update(chatID, messageID, func(m *store.CachedMessage) {
		if realtime.HasReaction(m.Reactions, reaction, c.userID) {
			m.Reactions = realtime.RemoveReaction(m.Reactions, reaction, c.userID)
		} else {
			m.Reactions = realtime.AddReaction(m.Reactions, reaction, c.userID)
			adding = true
		}
	})
	if !updated {
		return nil
	}
	c.persist()
	c.notifyChat(chatID)

	reactor, ok := c.sender.(transport.Reactor)
	if !ok || !c.monitor.IsOnline() {
		return nil
	}
	key := chatID + "/" + messageID + "/" + reaction
	c.mu.Lock()
	if c.reactInFlight[key] {
		c.mu.Unlock()
		return nil
	}
	c.reactInFlight[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.reactInFlight, key)
			c.mu.Unlock()
		}()
		if err := reactor.React(c.ctx, chatID, messageID, reaction); err != nil {
			c.logger.Warn("react call failed",
				zap.String("chat_id", chatID),
				zap.String("message_id", messageID),
				zap.Bool("adding", adding),
				zap.Error(err))
		}
	}()
	return nil
}
