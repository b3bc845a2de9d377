package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mahaj/roomcast/pkg/model"
)

type MemoryStore struct {
	mu    sync.RWMutex
	ids   IDGenerator
	now   func() time.Time
	rooms map[string][]model.Message
}

func NewMemoryStore(ids IDGenerator) *MemoryStore {
	return &MemoryStore{ids: ids, now: time.Now, rooms: make(map[string][]model.Message)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(_ context.Context, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg = Stamp(msg, s.ids, s.now())
	log := s.rooms[msg.Room]
	// ids are mostly increasing; keep the log sorted when one arrives late
	i, found := slices.BinarySearchFunc(log, msg.ID, func(m model.Message, id int64) int {
		switch {
		case m.ID < id:
			return -1
		case m.ID > id:
			return 1
		}
		return 0
	})
	if found {
		return log[i], nil
	}
	s.rooms[msg.Room] = slices.Insert(log, i, msg)
	return msg, nil
}

func (s *MemoryStore) Recent(_ context.Context, room string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.rooms[room]
	if limit <= 0 {
		return []model.Message{}, nil
	}
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]model.Message{}, log...), nil
}
