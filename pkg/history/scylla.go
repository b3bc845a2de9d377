package history

import (
	"context"
	"slices"
	"time"

	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/db"
	"github.com/mahaj/roomcast/pkg/model"
)

const (
	insertMessage = `INSERT INTO messages (room, id, sender, content, type, timestamp) VALUES (?, ?, ?, ?, ?, ?)`
	selectRecent  = `SELECT room, id, sender, content, type, timestamp FROM messages WHERE room = ? LIMIT ?`
)

// ScyllaStore persists history in the messages table created by
// db.Bootstrap. Inserts are idempotent on (room, id), so a retried append
// never duplicates a message.
type ScyllaStore struct {
	session *db.Session
	ids     IDGenerator
	now     func() time.Time
}

func NewScyllaStore(session *db.Session, ids IDGenerator) *ScyllaStore {
	return &ScyllaStore{session: session, ids: ids, now: time.Now}
}

var _ Store = (*ScyllaStore)(nil)

func (s *ScyllaStore) Append(ctx context.Context, msg model.Message) (model.Message, error) {
	msg = Stamp(msg, s.ids, s.now())
	err := s.session.Query(insertMessage,
		msg.Room, msg.ID, msg.Sender, msg.Content, string(msg.Type), msg.Timestamp,
	).WithContext(ctx).Exec()
	if err != nil {
		return model.Message{}, apperr.Unavailable("history append", err)
	}
	return msg, nil
}

func (s *ScyllaStore) Recent(ctx context.Context, room string, limit int) ([]model.Message, error) {
	messages := make([]model.Message, 0, max(limit, 0))
	if limit <= 0 {
		return messages, nil
	}

	iter := s.session.Query(selectRecent, room, limit).WithContext(ctx).Iter()
	var (
		msg model.Message
		typ string
	)
	for iter.Scan(&msg.Room, &msg.ID, &msg.Sender, &msg.Content, &typ, &msg.Timestamp) {
		msg.Type = model.MessageType(typ)
		messages = append(messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.Unavailable("history recent", err)
	}
	// clustering order is newest first
	slices.Reverse(messages)
	return messages, nil
}
