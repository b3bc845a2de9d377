// Package room keeps the process-local membership of every room, mirrors it
// into the presence store and fans bus broadcasts out to local sessions.
package room

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/bus"
	"github.com/mahaj/roomcast/pkg/history"
	"github.com/mahaj/roomcast/pkg/metrics"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/presence"
	"github.com/mahaj/roomcast/pkg/retry"
	"github.com/samber/lo"
)

// Sender delivers a frame to one local connection.
type Sender interface {
	Send(connID string, out model.Outbound) error
}

type Options struct {
	HistoryLimit int
	Retry        retry.Policy
	// Origin identifies this process on the bus.
	Origin string
}

type connection struct {
	user  string
	rooms map[string]struct{}
}

type roomLock struct {
	sync.Mutex
	refs int
}

type Manager struct {
	mu         sync.Mutex
	conns      map[string]*connection
	members    map[string]map[string]struct{}
	subscribed map[string]bool
	// subLocks orders the bus subscription changes of one room. Bus calls
	// never run under mu.
	subLocks map[string]*roomLock

	presence presence.Store
	bus      bus.Bus
	history  history.Store
	sender   Sender
	opts     Options
	metrics  *metrics.Recorder
	log      *slog.Logger
}

func NewManager(p presence.Store, b bus.Bus, h history.Store, s Sender, opts Options, rec *metrics.Recorder, log *slog.Logger) *Manager {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Manager{
		conns:      make(map[string]*connection),
		members:    make(map[string]map[string]struct{}),
		subscribed: make(map[string]bool),
		subLocks:   make(map[string]*roomLock),
		presence:   p,
		bus:        b,
		history:    h,
		sender:     s,
		opts:       opts,
		metrics:    rec,
		log:        log.With("component", "room_manager"),
	}
}

// Register records a new connection with no rooms. It reports false when the
// id is already known.
func (m *Manager) Register(connID, user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connID]; ok {
		return false
	}
	m.conns[connID] = &connection{user: user, rooms: make(map[string]struct{})}
	return true
}

// Forget drops the connection record and any membership it still holds
// locally. It does not touch the presence store.
func (m *Manager) Forget(ctx context.Context, connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	var emptied []string
	for room := range conn.rooms {
		if m.removeMemberLocked(room, connID) {
			emptied = append(emptied, room)
		}
	}
	delete(m.conns, connID)
	m.mu.Unlock()

	for _, room := range emptied {
		m.syncSubscription(ctx, room)
	}
}

// User returns the authenticated user of a connection, if any.
func (m *Manager) User(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return "", false
	}
	return conn.user, true
}

// Rooms lists the rooms a connection has joined. ok is false for unknown
// connections.
func (m *Manager) Rooms(connID string) (rooms []string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	rooms = lo.Keys(conn.rooms)
	slices.Sort(rooms)
	return rooms, true
}

func (m *Manager) IsMember(connID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[room][connID]
	return ok
}

// LocalMembers lists the connections of this process joined to room.
func (m *Manager) LocalMembers(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := lo.Keys(m.members[room])
	slices.Sort(ids)
	return ids
}

// Join adds the connection to room and returns the room's recent history for
// the joiner. Joining a room twice is harmless: the second call only
// refreshes the presence lease and the history.
func (m *Manager) Join(ctx context.Context, connID, room string) ([]model.Message, error) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.ErrDisconnected
	}
	_, already := conn.rooms[room]
	created := false
	if !already {
		conn.rooms[room] = struct{}{}
		if m.members[room] == nil {
			m.members[room] = make(map[string]struct{})
			created = true
		}
		m.members[room][connID] = struct{}{}
	}
	user := conn.user
	m.mu.Unlock()

	if created {
		m.syncSubscription(ctx, room)
	}

	log := m.log.With("conn", connID, "room", room)
	m.writePresence(ctx, log, "add", func(ctx context.Context) error {
		return m.presence.Add(ctx, room, connID)
	})

	if !already {
		env, err := model.NewEnvelope(room, model.EventUserJoined,
			model.PresencePayload{ConnectionID: connID, Room: room, User: user}, connID)
		if err == nil {
			_ = m.Broadcast(ctx, env)
		}
		log.Info("Connection joined room")
	}

	messages, err := retry.Value(ctx, m.opts.Retry, log, "history recent", func(ctx context.Context) ([]model.Message, error) {
		return m.history.Recent(ctx, room, m.opts.HistoryLimit)
	})
	if err != nil {
		m.metrics.RetriesExhausted(ctx, "history recent")
		log.Error("Failed to load room history", "error", err)
		return []model.Message{}, err
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

// Leave removes the connection from room. It reports false, and does
// nothing, when the connection was not a member.
func (m *Manager) Leave(ctx context.Context, connID, room string) (bool, error) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if _, member := conn.rooms[room]; !member {
		m.mu.Unlock()
		return false, nil
	}
	delete(conn.rooms, room)
	emptied := m.removeMemberLocked(room, connID)
	user := conn.user
	m.mu.Unlock()

	if emptied {
		m.syncSubscription(ctx, room)
	}

	log := m.log.With("conn", connID, "room", room)
	perr := m.writePresence(ctx, log, "remove", func(ctx context.Context) error {
		return m.presence.Remove(ctx, room, connID)
	})

	env, err := model.NewEnvelope(room, model.EventUserLeft,
		model.PresencePayload{ConnectionID: connID, Room: room, User: user}, connID)
	if err == nil {
		err = m.Broadcast(ctx, env)
	}
	log.Info("Connection left room")
	return true, errors.Join(perr, err)
}

// removeMemberLocked reports whether room lost its last local member.
func (m *Manager) removeMemberLocked(room, connID string) bool {
	members := m.members[room]
	delete(members, connID)
	if len(members) > 0 {
		return false
	}
	delete(m.members, room)
	return true
}

// syncSubscription brings the bus subscription of room in line with its
// local membership. Concurrent joins and leaves of the same room each call
// it; whichever runs last sees the final membership.
func (m *Manager) syncSubscription(ctx context.Context, room string) {
	unlock := m.lockRoom(room)
	defer unlock()

	m.mu.Lock()
	want := len(m.members[room]) > 0
	have := m.subscribed[room]
	if !want && have {
		// broadcasts fall back to local delivery from here on
		delete(m.subscribed, room)
	}
	m.mu.Unlock()

	topic := bus.Topic(room)
	switch {
	case want && !have:
		err := retry.Do(ctx, m.opts.Retry, m.log, "bus subscribe", func(ctx context.Context) error {
			return m.bus.Subscribe(ctx, topic, m.Deliver)
		})
		if err != nil {
			// broadcasts for this room fall back to local delivery
			m.metrics.RetriesExhausted(ctx, "bus subscribe")
			m.log.Error("Failed to subscribe room topic", "room", room, "error", err)
			return
		}
		m.mu.Lock()
		m.subscribed[room] = true
		m.mu.Unlock()
	case !want && have:
		err := retry.Do(ctx, m.opts.Retry, m.log, "bus unsubscribe", func(ctx context.Context) error {
			return m.bus.Unsubscribe(ctx, topic)
		})
		if err != nil {
			m.log.Warn("Failed to unsubscribe room topic", "room", room, "error", err)
		}
	}
}

// writePresence tries a presence write twice. A failure is soft: local
// membership already changed and the lease settles the store eventually.
func (m *Manager) writePresence(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, m.opts.Retry.Once(), log, "presence "+op, fn)
	if err != nil {
		m.metrics.PresenceSoftFailure(ctx, op)
		log.Warn("Presence write failed, cross-process view may lag", "op", op, "error", err)
	}
	return err
}

func (m *Manager) lockRoom(room string) func() {
	m.mu.Lock()
	l, ok := m.subLocks[room]
	if !ok {
		l = &roomLock{}
		m.subLocks[room] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.subLocks, room)
		}
		m.mu.Unlock()
	}
}

// Broadcast publishes env on the room topic. When the bus stays unavailable
// after retries, or this process holds no subscription for the room, the
// envelope is delivered to local members directly.
func (m *Manager) Broadcast(ctx context.Context, env model.Envelope) error {
	env.Origin = m.opts.Origin
	err := retry.Do(ctx, m.opts.Retry, m.log, "bus publish", func(ctx context.Context) error {
		return m.bus.Publish(ctx, bus.Topic(env.Room), env)
	})
	if err != nil {
		m.metrics.RetriesExhausted(ctx, "bus publish")
		m.log.Error("Bus publish failed, delivering locally only",
			"room", env.Room, "event", env.Type, "error", err)
		m.Deliver(ctx, env)
		return apperr.Unavailable("bus publish", err)
	}
	m.metrics.BroadcastPublished(ctx, string(env.Type))

	m.mu.Lock()
	subscribed := m.subscribed[env.Room]
	m.mu.Unlock()
	if !subscribed {
		m.Deliver(ctx, env)
	}
	return nil
}

// Deliver is the bus handler: it sends env to every local member of its room
// except the excluded connection.
func (m *Manager) Deliver(_ context.Context, env model.Envelope) {
	m.mu.Lock()
	targets := lo.Without(lo.Keys(m.members[env.Room]), env.Exclude)
	m.mu.Unlock()

	out := env.Outbound()
	for _, connID := range targets {
		if err := m.sender.Send(connID, out); err != nil {
			m.log.Debug("Dropped outbound event", "conn", connID, "event", env.Type, "error", err)
		}
	}
}

// SendTo delivers a frame to one local connection, used for replies that
// never cross the bus.
func (m *Manager) SendTo(connID string, out model.Outbound) error {
	return m.sender.Send(connID, out)
}

// Entries snapshots every local (room, connection) presence claim.
func (m *Manager) Entries() []presence.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []presence.Entry
	for room, members := range m.members {
		for connID := range members {
			entries = append(entries, presence.Entry{Room: room, ConnectionID: connID})
		}
	}
	return entries
}

// RenewLeases refreshes the presence lease of every local membership.
func (m *Manager) RenewLeases(ctx context.Context) error {
	entries := m.Entries()
	if len(entries) == 0 {
		return nil
	}
	return retry.Do(ctx, m.opts.Retry, m.log, "presence renew", func(ctx context.Context) error {
		return m.presence.Renew(ctx, entries)
	})
}

// RunLeaseRenewal renews leases every interval until ctx is done.
func (m *Manager) RunLeaseRenewal(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RenewLeases(ctx); err != nil {
				m.metrics.PresenceSoftFailure(ctx, "renew")
				m.log.Warn("Lease renewal failed", "error", err)
			}
		}
	}
}
