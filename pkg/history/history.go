//go:generate go run go.uber.org/mock/mockgen -source=history.go -destination=../mocks/mock_history.go -package=mocks -mock_names=Store=MockHistoryStore

// Package history is the durable, time-ordered message log of every room.
package history

import (
	"context"
	"time"

	"github.com/mahaj/roomcast/pkg/model"
)

type Store interface {
	// Append assigns an id and timestamp when they are zero and persists the
	// message. The stored message is returned.
	Append(ctx context.Context, msg model.Message) (model.Message, error)
	// Recent returns up to limit of the newest messages of room, oldest first.
	Recent(ctx context.Context, room string, limit int) ([]model.Message, error)
}

// IDGenerator issues time-ordered message ids.
type IDGenerator interface {
	Next() int64
}

// Stamp fills the id, timestamp and type of msg where they are zero. Callers
// that retry Append stamp first so every attempt writes the same message.
func Stamp(msg model.Message, ids IDGenerator, now time.Time) model.Message {
	if msg.ID == 0 {
		msg.ID = ids.Next()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now.UTC()
	}
	if msg.Type == "" {
		msg.Type = model.TypeText
	}
	return msg
}
