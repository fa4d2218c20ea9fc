package store

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// countingAdapter counts Set calls on top of a MemoryAdapter.
type countingAdapter struct {
	*MemoryAdapter
	sets atomic.Int32
}

func (c *countingAdapter) Set(key, value string) error {
	c.sets.Add(1)
	return c.MemoryAdapter.Set(key, value)
}

func testSnapshot() *Snapshot {
	snap := NewSnapshot()
	snap.Queues["chat-1"] = []QueuedMessage{
		{TempID: "t1", ChatID: "chat-1", ChatType: ChatPrivate, Content: "hello", Type: TypeText, QueuedAt: 1000, Status: StatusQueued},
		{TempID: "t2", ChatID: "chat-1", ChatType: ChatPrivate, Content: "world", Type: TypeText, QueuedAt: 2000, Status: StatusRetryPending, RetryCount: 2, NextRetryAt: 9000},
	}
	snap.Caches["chat-1"] = []CachedMessage{
		{ID: "m1", ChatID: "chat-1", SenderID: "u1", Content: "hi", Type: TypeText, Timestamp: 500, Status: DeliveryRead},
	}
	return snap
}

func TestSaveLoadRoundTrip(t *testing.T) {
	adapter := NewMemoryAdapter()
	s := New(adapter, 0, zap.NewNop())

	want := testSnapshot()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Queues["chat-1"]) != 2 || len(got.Caches["chat-1"]) != 1 {
		t.Fatalf("unexpected shape: %d queued, %d cached",
			len(got.Queues["chat-1"]), len(got.Caches["chat-1"]))
	}
	if !reflect.DeepEqual(got.Queues["chat-1"][1], want.Queues["chat-1"][1]) {
		t.Errorf("queued message changed across round trip:\n got %+v\nwant %+v",
			got.Queues["chat-1"][1], want.Queues["chat-1"][1])
	}
	if got.Caches["chat-1"][0].ID != "m1" || got.Caches["chat-1"][0].Status != DeliveryRead {
		t.Errorf("cached message changed across round trip: %+v", got.Caches["chat-1"][0])
	}
}

func TestLoadEmptyAdapter(t *testing.T) {
	s := New(NewMemoryAdapter(), 0, zap.NewNop())
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Queues) != 0 || len(snap.Caches) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestLoadWipesCorruptNamespace(t *testing.T) {
	adapter := NewMemoryAdapter()
	s := New(adapter, 0, zap.NewNop())

	if err := s.Save(testSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := adapter.Set(KeyQueues, "{not json"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Queues) != 0 {
		t.Errorf("corrupt queue namespace survived: %+v", snap.Queues)
	}
	if len(snap.Caches["chat-1"]) != 1 {
		t.Errorf("healthy cache namespace was lost: %+v", snap.Caches)
	}
	if _, ok, _ := adapter.Get(KeyQueues); ok {
		t.Error("corrupt namespace not removed from adapter")
	}
}

func TestLoadWipesVersionMismatch(t *testing.T) {
	adapter := NewMemoryAdapter()
	s := New(adapter, 0, zap.NewNop())

	raw, _ := json.Marshal(map[string]any{
		"version": SchemaVersion + 1,
		"chats":   map[string]any{"chat-1": []any{}},
	})
	if err := adapter.Set(KeyCaches, string(raw)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Caches) != 0 {
		t.Errorf("mismatched schema version survived: %+v", snap.Caches)
	}
}

func TestDecodeErrorsAreCorrupt(t *testing.T) {
	if _, err := decodeQueues("nope"); !errors.Is(err, ErrStorageCorrupt) {
		t.Errorf("decodeQueues error = %v, want ErrStorageCorrupt", err)
	}
	if _, err := decodeCaches(`{"version":99,"chats":{}}`); !errors.Is(err, ErrStorageCorrupt) {
		t.Errorf("decodeCaches error = %v, want ErrStorageCorrupt", err)
	}
}

func TestSaveEvictsOnQuotaAndRetries(t *testing.T) {
	adapter := NewMemoryAdapter()
	s := New(adapter, 0, zap.NewNop())

	now := time.Now().UnixMilli()
	snap := NewSnapshot()
	for i := 0; i < 40; i++ {
		snap.Caches["chat-1"] = append(snap.Caches["chat-1"], CachedMessage{
			ID: "m", ChatID: "chat-1", Content: "some cached history content", Timestamp: int64(i),
		})
	}
	snap.Queues["chat-1"] = []QueuedMessage{
		{TempID: "t-live", ChatID: "chat-1", Status: StatusQueued, QueuedAt: now},
		{TempID: "t-old", ChatID: "chat-1", Status: StatusFailed, FailedAt: now - (25 * time.Hour).Milliseconds()},
	}

	full, err := encodeCaches(snap.Caches)
	if err != nil {
		t.Fatal(err)
	}
	// Room for roughly half the cache payload plus the queues.
	adapter.QuotaBytes = int64(len(full))

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save after eviction: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := len(got.Caches["chat-1"]); n != 20 {
		t.Errorf("cache entries after eviction = %d, want 20", n)
	}
	// Newest half kept.
	if got.Caches["chat-1"][0].Timestamp != 20 {
		t.Errorf("oldest surviving cache entry has ts %d, want 20", got.Caches["chat-1"][0].Timestamp)
	}
	queued := got.Queues["chat-1"]
	if len(queued) != 1 || queued[0].TempID != "t-live" {
		t.Errorf("eviction touched live queue entries: %+v", queued)
	}
}

func TestSaveQuotaFailureKeepsError(t *testing.T) {
	adapter := NewMemoryAdapter()
	adapter.QuotaBytes = 1
	s := New(adapter, 0, zap.NewNop())

	err := s.Save(testSnapshot())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Save error = %v, want ErrQuotaExceeded", err)
	}
}

func TestEvictForQuotaNeverDropsPending(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot()
	snap.Queues["chat-1"] = []QueuedMessage{
		{TempID: "a", Status: StatusQueued},
		{TempID: "b", Status: StatusRetryPending},
		{TempID: "c", Status: StatusFailed, FailedAt: now.Add(-time.Hour).UnixMilli()},
		{TempID: "d", Status: StatusFailed, FailedAt: now.Add(-48 * time.Hour).UnixMilli()},
	}

	out := evictForQuota(snap, now)
	ids := make([]string, 0, 4)
	for _, m := range out.Queues["chat-1"] {
		ids = append(ids, m.TempID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("survivors = %v, want [a b c]", ids)
	}
}

func TestSaveDebouncedCoalesces(t *testing.T) {
	adapter := &countingAdapter{MemoryAdapter: NewMemoryAdapter()}
	s := New(adapter, 20*time.Millisecond, zap.NewNop())

	first := NewSnapshot()
	first.Queues["chat-1"] = []QueuedMessage{{TempID: "stale", Status: StatusQueued}}
	second := NewSnapshot()
	second.Queues["chat-1"] = []QueuedMessage{{TempID: "fresh", Status: StatusQueued}}

	s.SaveDebounced(first)
	s.SaveDebounced(second)

	time.Sleep(80 * time.Millisecond)

	if n := adapter.sets.Load(); n != 2 { // one Set per namespace
		t.Errorf("adapter Set calls = %d, want 2", n)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Queues["chat-1"]) != 1 || got.Queues["chat-1"][0].TempID != "fresh" {
		t.Errorf("stale snapshot won the debounce: %+v", got.Queues["chat-1"])
	}
}

// stallingAdapter blocks the first Set call until released, so a save can be
// held in flight while later saves arrive.
type stallingAdapter struct {
	*MemoryAdapter
	sets    atomic.Int32
	stalled atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newStallingAdapter() *stallingAdapter {
	return &stallingAdapter{
		MemoryAdapter: NewMemoryAdapter(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (a *stallingAdapter) Set(key, value string) error {
	if a.stalled.CompareAndSwap(false, true) {
		close(a.entered)
		<-a.release
	}
	a.sets.Add(1)
	return a.MemoryAdapter.Set(key, value)
}

func TestSlowSaveCannotOverwriteNewerSnapshot(t *testing.T) {
	adapter := newStallingAdapter()
	s := New(adapter, 0, zap.NewNop())

	older := NewSnapshot()
	older.Queues["chat-1"] = []QueuedMessage{{TempID: "old", Status: StatusQueued}}
	newer := NewSnapshot()
	newer.Queues["chat-1"] = []QueuedMessage{{TempID: "new", Status: StatusQueued}}

	s.SaveDebounced(older)
	<-adapter.entered // older save is inside the adapter
	s.SaveDebounced(newer)
	close(adapter.release)

	deadline := time.Now().Add(2 * time.Second)
	for adapter.sets.Load() < 4 { // two Set calls per landed save
		if time.Now().After(deadline) {
			t.Fatal("saves did not complete")
		}
		time.Sleep(time.Millisecond)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Queues["chat-1"]) != 1 || got.Queues["chat-1"][0].TempID != "new" {
		t.Errorf("stale snapshot overwrote the newer one: %+v", got.Queues["chat-1"])
	}
}

func TestSupersededSaveIsDropped(t *testing.T) {
	adapter := &countingAdapter{MemoryAdapter: NewMemoryAdapter()}
	s := New(adapter, 0, zap.NewNop())

	newer := NewSnapshot()
	newer.Queues["chat-1"] = []QueuedMessage{{TempID: "new", Status: StatusQueued}}
	if err := s.Save(newer); err != nil {
		t.Fatalf("Save: %v", err)
	}

	older := NewSnapshot()
	older.Queues["chat-1"] = []QueuedMessage{{TempID: "old", Status: StatusQueued}}
	if err := s.save(older, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	if n := adapter.sets.Load(); n != 2 {
		t.Errorf("adapter Set calls = %d, want 2 (superseded save must not write)", n)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Queues["chat-1"][0].TempID != "new" {
		t.Errorf("superseded snapshot reached the adapter: %+v", got.Queues["chat-1"])
	}
}

func TestCloseFlushesPending(t *testing.T) {
	adapter := NewMemoryAdapter()
	s := New(adapter, time.Hour, zap.NewNop())

	s.SaveDebounced(testSnapshot())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok, _ := adapter.Get(KeyQueues); !ok {
		t.Error("pending snapshot not flushed on Close")
	}

	// Further debounced saves after Close are ignored.
	_ = adapter.Remove(KeyQueues)
	s.SaveDebounced(testSnapshot())
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok, _ := adapter.Get(KeyQueues); ok {
		t.Error("SaveDebounced accepted after Close")
	}
}

func TestClearRemovesBothNamespaces(t *testing.T) {
	adapter := NewMemoryAdapter()
	s := New(adapter, 0, zap.NewNop())

	if err := s.Save(testSnapshot()); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := adapter.Get(KeyQueues); ok {
		t.Error("queues survived Clear")
	}
	if _, ok, _ := adapter.Get(KeyCaches); ok {
		t.Error("caches survived Clear")
	}
}
