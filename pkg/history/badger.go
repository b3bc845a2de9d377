package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/model"
)

// BadgerStore is an embedded history log for single-node deployments.
//
// Keys are "msg:{escaped room}:{id padded to 19 digits}". Snowflake ids are
// time ordered, so a reverse prefix scan yields the newest messages first.
type BadgerStore struct {
	db  *badger.DB
	ids IDGenerator
	now func() time.Time
	log *slog.Logger
}

func OpenBadger(path string, ids IDGenerator, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db, ids, log), nil
}

func NewBadgerStore(db *badger.DB, ids IDGenerator, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, ids: ids, now: time.Now, log: log.With("component", "history_badger")}
}

var _ Store = (*BadgerStore)(nil)

func roomPrefix(room string) []byte {
	return []byte("msg:" + url.QueryEscape(room) + ":")
}

func messageKey(room string, id int64) []byte {
	return fmt.Appendf(roomPrefix(room), "%019d", id)
}

func (s *BadgerStore) Append(ctx context.Context, msg model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, apperr.Unavailable("history append", err)
	}
	msg = Stamp(msg, s.ids, s.now())
	value, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.Room, msg.ID), value)
	})
	if err != nil {
		return model.Message{}, apperr.Unavailable("history append", err)
	}
	return msg, nil
}

func (s *BadgerStore) Recent(ctx context.Context, room string, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Unavailable("history recent", err)
	}
	messages := make([]model.Message, 0, max(limit, 0))
	if limit <= 0 {
		return messages, nil
	}

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(room)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// start past the largest possible id and walk backwards
		seek := append(slices.Clone(prefix), "9999999999999999999"...)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			var msg model.Message
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			})
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Unavailable("history recent", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
