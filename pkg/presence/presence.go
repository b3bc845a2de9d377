//go:generate go run go.uber.org/mock/mockgen -source=presence.go -destination=../mocks/mock_presence.go -package=mocks -mock_names=Store=MockPresenceStore

// Package presence tracks which connections are joined to which room across
// processes. Every entry is a lease: it expires unless its owner renews it,
// so entries left behind by a crashed process disappear on their own.
package presence

import "context"

// Entry is a (room, connection) presence claim.
type Entry struct {
	Room         string
	ConnectionID string
}

type Store interface {
	// Add claims or refreshes a lease. It is idempotent.
	Add(ctx context.Context, room, connID string) error
	// Remove drops a lease. Removing an absent entry is not an error.
	Remove(ctx context.Context, room, connID string) error
	// Members lists unexpired connection ids in room.
	Members(ctx context.Context, room string) ([]string, error)
	// Renew refreshes every lease in entries.
	Renew(ctx context.Context, entries []Entry) error
}
