package cache

import (
	"sync"

	"codeberg.org/pwnderpants/streamrank/internal/source"
)

// Store maps a cache key to every measurement taken for sources sharing it.
// Buckets are append-only and live as long as the store.
type Store interface {
	Get(key string) []source.Result
	Append(key string, result source.Result)
}

// Memory is an in-process Store safe for concurrent use
type Memory struct {
	mu      sync.RWMutex
	buckets map[string][]source.Result
}

// NewMemory returns an empty Memory store
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string][]source.Result)}
}

// Get returns a copy of the bucket for key, nil when nothing was recorded
func (m *Memory) Get(key string) []source.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, ok := m.buckets[key]
	if !ok {
		return nil
	}

	out := make([]source.Result, len(bucket))
	copy(out, bucket)

	return out
}

// Append records result under key
func (m *Memory) Append(key string, result source.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buckets[key] = append(m.buckets[key], result)
}

// Len returns the number of keys with at least one measurement
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.buckets)
}

// FindUsable returns the first measurement in the bucket for key that can
// replace a fresh probe at minResolution.
func FindUsable(s Store, key string, minResolution int) (source.Result, bool) {
	for _, r := range s.Get(key) {
		if r.Usable(minResolution) {
			return r, true
		}
	}

	return source.Result{}, false
}
