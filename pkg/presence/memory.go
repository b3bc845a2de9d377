package presence

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a single-process Store, used when PRESENCE_BACKEND=memory
// and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	rooms map[string]map[string]time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return NewMemoryStoreWithClock(ttl, time.Now)
}

func NewMemoryStoreWithClock(ttl time.Duration, now func() time.Time) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: now, rooms: make(map[string]map[string]time.Time)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Add(_ context.Context, room, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claim(room, connID)
	return nil
}

func (s *MemoryStore) claim(room, connID string) {
	entries, ok := s.rooms[room]
	if !ok {
		entries = make(map[string]time.Time)
		s.rooms[room] = entries
	}
	entries[connID] = s.now().Add(s.ttl)
}

func (s *MemoryStore) Remove(_ context.Context, room, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries, ok := s.rooms[room]; ok {
		delete(entries, connID)
		if len(entries) == 0 {
			delete(s.rooms, room)
		}
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entries := s.rooms[room]
	members := make([]string, 0, len(entries))
	for connID, expiry := range entries {
		if !expiry.After(now) {
			delete(entries, connID)
			continue
		}
		members = append(members, connID)
	}
	if len(entries) == 0 {
		delete(s.rooms, room)
	}
	slices.Sort(members)
	return members, nil
}

func (s *MemoryStore) Renew(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.claim(e.Room, e.ConnectionID)
	}
	return nil
}
