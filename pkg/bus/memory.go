package bus

import (
	"context"
	"sync"

	"github.com/mahaj/roomcast/pkg/model"
)

// MemoryBus connects in-process subscribers. Several MemoryBus values can
// share one Hub to emulate separate gateway processes. Delivery happens
// synchronously inside Publish, in publish order.
type MemoryBus struct {
	hub *Hub
	id  int
}

// Hub is the shared fabric behind one or more MemoryBus instances.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]Handler)}
}

// NewMemoryBus returns a single-process bus with its own hub.
func NewMemoryBus() *MemoryBus {
	return NewHub().Attach()
}

// Attach returns a bus endpoint standing in for one process.
func (h *Hub) Attach() *MemoryBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return &MemoryBus{hub: h, id: h.nextID}
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) Publish(ctx context.Context, topic string, env model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.mu.RLock()
	handlers := make([]Handler, 0, len(b.hub.subs[topic]))
	for _, h := range b.hub.subs[topic] {
		handlers = append(handlers, h)
	}
	b.hub.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.subs[topic] == nil {
		b.hub.subs[topic] = make(map[int]Handler)
	}
	b.hub.subs[topic][b.id] = h
	return nil
}

func (b *MemoryBus) Unsubscribe(_ context.Context, topic string) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	delete(b.hub.subs[topic], b.id)
	if len(b.hub.subs[topic]) == 0 {
		delete(b.hub.subs, topic)
	}
	return nil
}

// Subscribed reports whether this endpoint holds a subscription for topic.
func (b *MemoryBus) Subscribed(topic string) bool {
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	_, ok := b.hub.subs[topic][b.id]
	return ok
}
