// Package store persists the coordinator's per-chat queues and history
// caches through a pluggable key-value adapter, and defines the shared
// message types the other components operate on.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store serializes snapshots into the adapter with write-through debouncing.
// Corrupt namespaces are wiped on load; quota pressure triggers a single
// eviction-and-retry pass per save.
type Store struct {
	adapter  Adapter
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending *Snapshot
	pendSeq uint64
	nextSeq uint64
	timer   *time.Timer
	closed  bool

	// saveMu serializes adapter writes; lastSaved discards any snapshot that
	// was superseded before it reached the adapter, so an earlier snapshot can
	// never durably overwrite a later one.
	saveMu    sync.Mutex
	lastSaved uint64
}

// New creates a Store over the given adapter. debounce bounds how long a
// coalesced save may lag the mutation that triggered it; zero saves
// immediately.
func New(adapter Adapter, debounce time.Duration, logger *zap.Logger) *Store {
	return &Store{
		adapter:  adapter,
		logger:   logger,
		debounce: debounce,
	}
}

// Load reads both namespaces. A namespace that fails to decode is wiped and
// comes back empty; a single warning is logged and loading continues.
func (s *Store) Load() (*Snapshot, error) {
	snap := NewSnapshot()

	raw, ok, err := s.adapter.Get(KeyQueues)
	if err != nil {
		return nil, fmt.Errorf("load queues: %w", err)
	}
	if ok {
		chats, decErr := decodeQueues(raw)
		if decErr != nil {
			s.logger.Warn("queue namespace corrupt, wiping", zap.Error(decErr))
			_ = s.adapter.Remove(KeyQueues)
		} else {
			snap.Queues = chats
		}
	}

	raw, ok, err = s.adapter.Get(KeyCaches)
	if err != nil {
		return nil, fmt.Errorf("load caches: %w", err)
	}
	if ok {
		chats, decErr := decodeCaches(raw)
		if decErr != nil {
			s.logger.Warn("cache namespace corrupt, wiping", zap.Error(decErr))
			_ = s.adapter.Remove(KeyCaches)
		} else {
			snap.Caches = chats
		}
	}

	return snap, nil
}

// Save writes the snapshot immediately. On quota pressure it runs one
// eviction pass and retries once; a second failure returns ErrQuotaExceeded
// (wrapped) and the caller keeps its in-memory state authoritative.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	s.mu.Unlock()
	return s.save(snap, seq)
}

// save is the single path to the adapter. Writes are serialized under saveMu
// and ordered by snapshot sequence: a snapshot that was superseded while it
// waited is dropped instead of written.
func (s *Store) save(snap *Snapshot, seq uint64) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq < s.lastSaved {
		return nil
	}
	s.lastSaved = seq

	if err := s.write(snap); err == nil {
		return nil
	} else if !isQuota(err) {
		return err
	}

	evicted := evictForQuota(snap, time.Now())
	s.logger.Warn("storage quota exceeded, retrying after eviction")
	if err := s.write(evicted); err != nil {
		s.logger.Warn("persistence skipped, keeping state in memory", zap.Error(err))
		return err
	}
	return nil
}

// SaveDebounced schedules a coalesced save of the snapshot. A later call
// before the timer fires replaces the pending snapshot, so an earlier state
// can never overwrite a newer one.
func (s *Store) SaveDebounced(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.nextSeq++
	s.pending = snap
	s.pendSeq = s.nextSeq
	if s.debounce <= 0 {
		pending, seq := s.pending, s.pendSeq
		s.pending = nil
		go s.saveLogged(pending, seq)
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flushPending)
	}
}

func (s *Store) flushPending() {
	s.mu.Lock()
	pending, seq := s.pending, s.pendSeq
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()
	if pending != nil {
		s.saveLogged(pending, seq)
	}
}

func (s *Store) saveLogged(snap *Snapshot, seq uint64) {
	if err := s.save(snap, seq); err != nil {
		s.logger.Error("snapshot save failed", zap.Error(err))
	}
}

// Flush writes any pending debounced snapshot synchronously.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending, seq := s.pending, s.pendSeq
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if pending == nil {
		return nil
	}
	return s.save(pending, seq)
}

// Clear removes both namespaces.
func (s *Store) Clear() error {
	if err := s.adapter.Remove(KeyQueues); err != nil {
		return fmt.Errorf("clear queues: %w", err)
	}
	if err := s.adapter.Remove(KeyCaches); err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	return nil
}

// Close stops the debounce timer and flushes any pending snapshot.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush()
}

func (s *Store) write(snap *Snapshot) error {
	queues, err := encodeQueues(snap.Queues)
	if err != nil {
		return err
	}
	caches, err := encodeCaches(snap.Caches)
	if err != nil {
		return err
	}
	if err := s.adapter.Set(KeyQueues, queues); err != nil {
		return fmt.Errorf("save queues: %w", err)
	}
	if err := s.adapter.Set(KeyCaches, caches); err != nil {
		return fmt.Errorf("save caches: %w", err)
	}
	return nil
}

func isQuota(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
