//go:generate go run go.uber.org/mock/mockgen -source=bus.go -destination=../mocks/mock_bus.go -package=mocks

// Package bus carries room broadcasts between gateway processes. Every
// process subscribed to a room topic receives each published envelope,
// including the publisher's own process.
package bus

import (
	"context"

	"github.com/mahaj/roomcast/pkg/model"
)

type Handler func(ctx context.Context, env model.Envelope)

type Bus interface {
	// Publish returns once the bus accepted the envelope, not once it was
	// delivered.
	Publish(ctx context.Context, topic string, env model.Envelope) error
	// Subscribe registers the process handler for topic, replacing any
	// previous one. Delivery is at-least-once.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
}

// Topic is the bus topic carrying broadcasts for room.
func Topic(room string) string {
	return "room:" + room + ":events"
}
