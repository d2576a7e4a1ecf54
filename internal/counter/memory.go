package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-instance
// development runs. It is not shared between processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

// WithClock replaces the clock used for expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) IncrBy(ctx context.Context, incs []Increment) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	values := make([]int64, len(incs))
	for i, inc := range incs {
		e := s.live(inc.Key, now)
		if e == nil {
			e = &memoryEntry{}
			s.entries[inc.Key] = e
		}
		e.value += inc.Amount
		if e.expiresAt.IsZero() && inc.TTL > 0 {
			e.expiresAt = now.Add(time.Duration(ttlSeconds(inc.TTL)) * time.Second)
		}
		values[i] = e.value
	}
	return values, nil
}

func (s *MemoryStore) Values(ctx context.Context, keys []string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	values := make([]int64, len(keys))
	for i, key := range keys {
		if e := s.live(key, now); e != nil {
			values[i] = e.value
		}
	}
	return values, nil
}

// live returns the entry for key, dropping it if expired. Must be called
// with the lock held.
func (s *MemoryStore) live(key string, now time.Time) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}
