package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the persisted envelope version. A mismatch on load wipes
// the namespace rather than attempting a migration of hot client state.
const SchemaVersion = 1

// staleFailedAge is how old a failed queued message must be before the
// quota eviction pass may drop it.
const staleFailedAge = 24 * time.Hour

type queueEnvelope struct {
	Version int                        `json:"version"`
	Chats   map[string][]QueuedMessage `json:"chats"`
}

type cacheEnvelope struct {
	Version int                        `json:"version"`
	Chats   map[string][]CachedMessage `json:"chats"`
}

func encodeQueues(chats map[string][]QueuedMessage) (string, error) {
	raw, err := json.Marshal(queueEnvelope{Version: SchemaVersion, Chats: chats})
	if err != nil {
		return "", fmt.Errorf("encode queues: %w", err)
	}
	return string(raw), nil
}

func decodeQueues(raw string) (map[string][]QueuedMessage, error) {
	var env queueEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: queues: %v", ErrStorageCorrupt, err)
	}
	if env.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: queues: schema version %d", ErrStorageCorrupt, env.Version)
	}
	if env.Chats == nil {
		env.Chats = make(map[string][]QueuedMessage)
	}
	return env.Chats, nil
}

func encodeCaches(chats map[string][]CachedMessage) (string, error) {
	raw, err := json.Marshal(cacheEnvelope{Version: SchemaVersion, Chats: chats})
	if err != nil {
		return "", fmt.Errorf("encode caches: %w", err)
	}
	return string(raw), nil
}

func decodeCaches(raw string) (map[string][]CachedMessage, error) {
	var env cacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: caches: %v", ErrStorageCorrupt, err)
	}
	if env.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: caches: schema version %d", ErrStorageCorrupt, env.Version)
	}
	if env.Chats == nil {
		env.Chats = make(map[string][]CachedMessage)
	}
	return env.Chats, nil
}

// evictForQuota returns a smaller copy of snap: every chat cache is halved
// (newest half kept) and failed queue entries older than staleFailedAge are
// pruned. Queued and in-flight entries are never dropped.
func evictForQuota(snap *Snapshot, now time.Time) *Snapshot {
	out := NewSnapshot()
	cutoff := now.Add(-staleFailedAge).UnixMilli()

	for chatID, msgs := range snap.Caches {
		keep := len(msgs) / 2
		trimmed := make([]CachedMessage, keep)
		copy(trimmed, msgs[len(msgs)-keep:])
		out.Caches[chatID] = trimmed
	}

	for chatID, msgs := range snap.Queues {
		kept := make([]QueuedMessage, 0, len(msgs))
		for _, m := range msgs {
			if m.Status == StatusFailed && m.FailedAt > 0 && m.FailedAt < cutoff {
				continue
			}
			kept = append(kept, m)
		}
		out.Queues[chatID] = kept
	}

	return out
}
