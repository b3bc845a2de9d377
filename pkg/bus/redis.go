package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mahaj/roomcast/pkg/model"
	"github.com/redis/go-redis/v9"
)

// RedisBus uses one Redis pub/sub channel per room topic. Subscriptions are
// added and dropped on a single PubSub connection as rooms gain and lose
// local members.
type RedisBus struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	ch     <-chan *redis.Message
	routes *router
	log    *slog.Logger
}

func NewRedisBus(ctx context.Context, rdb *redis.Client, log *slog.Logger) *RedisBus {
	ps := rdb.Subscribe(ctx)
	return &RedisBus{
		rdb:    rdb,
		ps:     ps,
		ch:     ps.Channel(),
		routes: newRouter(),
		log:    log.With("component", "bus_redis"),
	}
}

var _ Bus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, topic string, env model.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.rdb.Publish(ctx, topic, value).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.routes.set(topic, h)
	if err := b.ps.Subscribe(ctx, topic); err != nil {
		b.routes.remove(topic)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, topic string) error {
	b.routes.remove(topic)
	return b.ps.Unsubscribe(ctx, topic)
}

// Run delivers messages until ctx is done or the subscription is closed.
func (b *RedisBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-b.ch:
			if !ok {
				return nil
			}
			var env model.Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.log.Warn("Failed to unmarshal envelope from Redis", "error", err, "channel", m.Channel)
				continue
			}
			b.routes.deliver(ctx, m.Channel, env)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.ps.Close()
}
