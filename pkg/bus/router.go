package bus

import (
	"context"
	"sync"

	"github.com/mahaj/roomcast/pkg/model"
)

// router holds the process-local handler of each subscribed topic for
// backends that receive every topic on one consumer.
type router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRouter() *router {
	return &router{handlers: make(map[string]Handler)}
}

func (r *router) set(topic string, h Handler) {
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
}

func (r *router) remove(topic string) {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()
}

// deliver reports whether a handler was subscribed to topic.
func (r *router) deliver(ctx context.Context, topic string, env model.Envelope) bool {
	r.mu.RLock()
	h, ok := r.handlers[topic]
	r.mu.RUnlock()
	if ok {
		h(ctx, env)
	}
	return ok
}
