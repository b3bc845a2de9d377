package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, timeout time.Duration, log *slog.Logger) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect scylla keyspace %q: %w", keyspace, err)
	}

	log.Info("Connected to ScyllaDB cluster", "keyspace", keyspace, "hosts", hosts)
	return &Session{Session: session}, nil
}

// Bootstrap creates the keyspace and the message table when they are missing
// and returns a session bound to the keyspace. Production clusters should
// run the same statements from a migration tool instead.
func Bootstrap(hosts []string, keyspace string, timeout time.Duration, log *slog.Logger) (*Session, error) {
	sys, err := NewSession(hosts, "system", timeout, log)
	if err != nil {
		return nil, err
	}
	err = sys.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`,
		keyspace,
	)).Exec()
	sys.Close()
	if err != nil {
		return nil, fmt.Errorf("create keyspace: %w", err)
	}

	session, err := NewSession(hosts, keyspace, timeout, log)
	if err != nil {
		return nil, err
	}
	if err := session.Query(MessagesTable).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	return session, nil
}

// MessagesTable partitions by room and clusters newest first, so the latest
// N messages of a room are a single partition slice.
const MessagesTable = `CREATE TABLE IF NOT EXISTS messages (
	room text,
	id bigint,
	sender text,
	content text,
	type text,
	timestamp timestamp,
	PRIMARY KEY (room, id)
) WITH CLUSTERING ORDER BY (id DESC)`
