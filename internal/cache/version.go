package cache

import (
	"sync"
	"time"
)

// VersionStore hands out per-key version counters used to qualify cache keys.
// Bumping a key makes every value cached under the previous version
// unreachable; nothing is evicted explicitly.
type VersionStore interface {
	// GetVersion returns the current version, 0 when the key is unknown.
	GetVersion(key string) int64

	// Bump increments the version and returns the new value.
	Bump(key string) int64
}

// MemoryVersionStore is a process-local VersionStore. Each key has its own
// lock, so callers on different keys never contend. Reads and writes refresh
// the key's TTL; an expired key reads as 0 again.
type MemoryVersionStore struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map // string -> *versionEntry
}

type versionEntry struct {
	mu        sync.Mutex
	value     int64
	expiresAt time.Time
	reaped    bool
}

// NewMemoryVersionStore creates a version store whose keys live for ttl after
// their last access.
func NewMemoryVersionStore(ttl time.Duration) *MemoryVersionStore {
	return &MemoryVersionStore{ttl: ttl, now: time.Now}
}

// WithClock replaces the time source used for expiry.
func (s *MemoryVersionStore) WithClock(now func() time.Time) *MemoryVersionStore {
	s.now = now
	return s
}

func (s *MemoryVersionStore) GetVersion(key string) int64 {
	return s.update(key, 0)
}

func (s *MemoryVersionStore) Bump(key string) int64 {
	return s.update(key, 1)
}

func (s *MemoryVersionStore) update(key string, delta int64) int64 {
	for {
		v, _ := s.entries.LoadOrStore(key, &versionEntry{})
		e := v.(*versionEntry)

		e.mu.Lock()
		if e.reaped {
			// Removed by CleanExpired between load and lock.
			e.mu.Unlock()
			continue
		}
		now := s.now()
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			e.value = 0
		}
		e.value += delta
		e.expiresAt = now.Add(s.ttl)
		value := e.value
		e.mu.Unlock()
		return value
	}
}

// CleanExpired drops expired keys and returns how many were removed.
func (s *MemoryVersionStore) CleanExpired() int {
	now := s.now()
	removed := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*versionEntry)
		e.mu.Lock()
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			e.reaped = true
			s.entries.CompareAndDelete(k, e)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Size returns the number of tracked keys, expired or not.
func (s *MemoryVersionStore) Size() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
