package realtime

import (
	"sort"
	"sync"
	"time"
)

// typingTracker keeps the set of currently-typing users per chat. Entries
// auto-expire after the ttl so a missed stop event cannot leave a stuck
// indicator.
type typingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	chats    map[string]map[string]*time.Timer
	onChange func(chatID string, users []string)
	closed   bool
}

func newTypingTracker(ttl time.Duration, onChange func(string, []string)) *typingTracker {
	return &typingTracker{
		ttl:      ttl,
		chats:    make(map[string]map[string]*time.Timer),
		onChange: onChange,
	}
}

// start records userID as typing in chatID, refreshing the expiry timer.
func (t *typingTracker) start(chatID, userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	users := t.chats[chatID]
	if users == nil {
		users = make(map[string]*time.Timer)
		t.chats[chatID] = users
	}
	fresh := users[userID] == nil
	if timer, ok := users[userID]; ok {
		timer.Stop()
	}
	users[userID] = time.AfterFunc(t.ttl, func() { t.stop(chatID, userID) })
	var snapshot []string
	if fresh {
		snapshot = t.usersLocked(chatID)
	}
	t.mu.Unlock()

	if fresh && t.onChange != nil {
		t.onChange(chatID, snapshot)
	}
}

// stop clears userID's typing entry, if present.
func (t *typingTracker) stop(chatID, userID string) {
	t.mu.Lock()
	users := t.chats[chatID]
	timer, ok := users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.chats, chatID)
	}
	snapshot := t.usersLocked(chatID)
	notify := t.onChange
	closed := t.closed
	t.mu.Unlock()

	if !closed && notify != nil {
		notify(chatID, snapshot)
	}
}

// users returns the sorted set of typing users for the chat.
func (t *typingTracker) users(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked(chatID)
}

func (t *typingTracker) usersLocked(chatID string) []string {
	users := t.chats[chatID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// close stops every timer and suppresses further notifications.
func (t *typingTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for chatID, users := range t.chats {
		for _, timer := range users {
			timer.Stop()
		}
		delete(t.chats, chatID)
	}
}
