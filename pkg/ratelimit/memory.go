package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a per-process fixed window per key, matching RedisStore: the
// first hit opens a window of interval and at most operations hits are
// admitted until it ends.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	ends  time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		windows: make(map[string]*window),
	}
}

// Allow counts one hit against key's current window.
func (s *MemoryStore) Allow(_ context.Context, key string, operations int, interval time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ends) {
		s.evictExpiredLocked(now)
		w = &window{ends: now.Add(interval)}
		s.windows[key] = w
	}
	w.count++
	return w.count <= operations, nil
}

// evictExpiredLocked drops closed windows so idle keys do not accumulate.
func (s *MemoryStore) evictExpiredLocked(now time.Time) {
	for key, w := range s.windows {
		if !now.Before(w.ends) {
			delete(s.windows, key)
		}
	}
}
