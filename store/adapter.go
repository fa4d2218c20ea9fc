package store

import "sync"

// Durable keys used by the persistent store.
const (
	KeyQueues = "offlineMessageQueues"
	KeyCaches = "offlineMessageCaches"
)

// Adapter is the injected durable key-value surface. Implementations report
// quota pressure by returning ErrQuotaExceeded (possibly wrapped) from Set.
type Adapter interface {
	// Get returns the value for key, or ok=false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	// Set writes the value for key.
	Set(key, value string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(key string) error
}

// MemoryAdapter is a goroutine-safe in-memory Adapter, for tests and
// embedders that do not need durability. A non-zero QuotaBytes caps the sum
// of stored value sizes.
type MemoryAdapter struct {
	mu         sync.Mutex
	values     map[string]string
	QuotaBytes int64
}

// NewMemoryAdapter creates an empty in-memory adapter without a quota.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{values: make(map[string]string)}
}

func (m *MemoryAdapter) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryAdapter) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuotaBytes > 0 {
		total := int64(len(value))
		for k, v := range m.values {
			if k != key {
				total += int64(len(v))
			}
		}
		if total > m.QuotaBytes {
			return ErrQuotaExceeded
		}
	}
	m.values[key] = value
	return nil
}

func (m *MemoryAdapter) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
