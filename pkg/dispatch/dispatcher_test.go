package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/bus"
	"github.com/mahaj/roomcast/pkg/dispatch"
	"github.com/mahaj/roomcast/pkg/history"
	"github.com/mahaj/roomcast/pkg/metrics"
	"github.com/mahaj/roomcast/pkg/mocks"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/presence"
	"github.com/mahaj/roomcast/pkg/retry"
	"github.com/mahaj/roomcast/pkg/room"
	"github.com/mahaj/roomcast/pkg/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fastRetry = retry.Policy{
	MaxAttempts:     3,
	AttemptTimeout:  100 * time.Millisecond,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

type inbox struct {
	mu     sync.Mutex
	frames map[string][]model.Outbound
}

func newInbox() *inbox { return &inbox{frames: make(map[string][]model.Outbound)} }

func (i *inbox) Send(connID string, out model.Outbound) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames[connID] = append(i.frames[connID], out)
	return nil
}

func (i *inbox) of(connID string, typ model.EventType) []model.Outbound {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []model.Outbound
	for _, f := range i.frames[connID] {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func decode[T any](t *testing.T, out model.Outbound) T {
	t.Helper()
	raw, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type env struct {
	dispatcher *dispatch.Dispatcher
	inbox      *inbox
	presence   presence.Store
	history    history.Store
}

type deps struct {
	presence presence.Store
	history  history.Store
	ids      history.IDGenerator
	bus      bus.Bus
	limit    int
}

func newEnv(t *testing.T, d deps) *env {
	t.Helper()
	if d.presence == nil {
		d.presence = presence.NewMemoryStore(time.Minute)
	}
	if d.ids == nil {
		gen, err := snowflake.NewGenerator(1)
		require.NoError(t, err)
		d.ids = gen
	}
	if d.history == nil {
		d.history = history.NewMemoryStore(d.ids)
	}
	if d.bus == nil {
		d.bus = bus.NewMemoryBus()
	}
	if d.limit == 0 {
		d.limit = 10
	}
	log := slog.New(slog.DiscardHandler)
	in := newInbox()
	rooms := room.NewManager(d.presence, d.bus, d.history, in,
		room.Options{HistoryLimit: d.limit, Retry: fastRetry}, metrics.Noop(), log)
	return &env{
		dispatcher: dispatch.New(rooms, d.history, d.ids, fastRetry, metrics.Noop(), log),
		inbox:      in,
		presence:   d.presence,
		history:    d.history,
	}
}

func (e *env) send(t *testing.T, connID string, ev model.Inbound) {
	t.Helper()
	require.NoError(t, e.dispatcher.Dispatch(context.Background(), connID, ev))
}

func join(room string) model.Inbound { return model.Inbound{Type: model.EventJoin, Room: room} }

func leave(room string) model.Inbound { return model.Inbound{Type: model.EventLeave, Room: room} }

func say(room, content string) model.Inbound {
	return model.Inbound{Type: model.EventMessage, Room: room, Content: content}
}

var connect = model.Inbound{Type: model.EventConnect}

var disconnect = model.Inbound{Type: model.EventDisconnect}

func TestLobbyScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t, deps{})

	e.send(t, "A", connect)
	e.send(t, "A", join("lobby"))
	hist := e.inbox.of("A", model.EventHistory)
	req.Len(hist, 1)
	req.Empty(decode[model.HistoryPayload](t, hist[0]).Messages)

	e.send(t, "B", connect)
	e.send(t, "B", join("lobby"))
	req.Empty(decode[model.HistoryPayload](t, e.inbox.of("B", model.EventHistory)[0]).Messages)
	joined := e.inbox.of("A", model.EventUserJoined)
	req.Len(joined, 1)
	req.Equal("B", decode[model.PresencePayload](t, joined[0]).ConnectionID)

	e.send(t, "A", say("lobby", "hi"))
	for _, c := range []string{"A", "B"} {
		got := e.inbox.of(c, model.EventMessage)
		req.Len(got, 1, c)
		msg := decode[model.Message](t, got[0])
		req.Equal("A", msg.Sender)
		req.Equal("hi", msg.Content)
		req.NotZero(msg.ID)
	}
	recent, err := e.history.Recent(ctx, "lobby", 10)
	req.NoError(err)
	req.Len(recent, 1)
	req.Equal("A", recent[0].Sender)
	req.Equal("hi", recent[0].Content)

	e.send(t, "B", disconnect)
	left := e.inbox.of("A", model.EventUserLeft)
	req.Len(left, 1)
	req.Equal("B", decode[model.PresencePayload](t, left[0]).ConnectionID)
	members, err := e.presence.Members(ctx, "lobby")
	req.NoError(err)
	req.Equal([]string{"A"}, members)
}

func TestMessageFromNonMemberIsRejected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t, deps{})
	e.send(t, "A", connect)
	e.send(t, "A", join("lobby"))
	e.send(t, "X", connect)

	err := e.dispatcher.Dispatch(ctx, "X", say("lobby", "sneaky"))
	req.ErrorIs(err, apperr.ErrAuthorization)

	recent, err := e.history.Recent(ctx, "lobby", 10)
	req.NoError(err)
	req.Empty(recent)
	req.Empty(e.inbox.of("A", model.EventMessage))
	req.Empty(e.inbox.of("X", model.EventMessage))

	errs := e.inbox.of("X", model.EventError)
	req.Len(errs, 1)
	payload := decode[model.ErrorPayload](t, errs[0])
	req.Equal("not_a_member", payload.Code)
	req.Equal("lobby", payload.Room)
}

func TestTypingRequiresMembershipAndIsNotPersisted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t, deps{})
	for _, c := range []string{"A", "B", "X"} {
		e.send(t, c, connect)
	}
	e.send(t, "A", join("lobby"))
	e.send(t, "B", join("lobby"))

	e.send(t, "A", model.Inbound{Type: model.EventTyping, Room: "lobby", IsTyping: true})
	got := e.inbox.of("B", model.EventTyping)
	req.Len(got, 1)
	typing := decode[model.TypingPayload](t, got[0])
	req.Equal("A", typing.ConnectionID)
	req.True(typing.IsTyping)
	req.Empty(e.inbox.of("A", model.EventTyping), "typist does not see its own indicator")

	err := e.dispatcher.Dispatch(ctx, "X", model.Inbound{Type: model.EventTyping, Room: "lobby", IsTyping: true})
	req.ErrorIs(err, apperr.ErrAuthorization)

	recent, err := e.history.Recent(ctx, "lobby", 10)
	req.NoError(err)
	req.Empty(recent)
}

func TestValidation(t *testing.T) {
	e := newEnv(t, deps{})
	e.send(t, "A", connect)
	e.send(t, "A", join("lobby"))

	tests := []struct {
		name string
		ev   model.Inbound
	}{
		{"join without room", model.Inbound{Type: model.EventJoin}},
		{"leave without room", model.Inbound{Type: model.EventLeave}},
		{"message without room", model.Inbound{Type: model.EventMessage, Content: "x"}},
		{"message without content", model.Inbound{Type: model.EventMessage, Room: "lobby"}},
		{"message too long", say("lobby", strings.Repeat("a", 4097))},
		{"room name too long", join(strings.Repeat("r", 129))},
		{"unknown type", model.Inbound{Type: "shout", Room: "lobby"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.dispatcher.Dispatch(context.Background(), "A", tt.ev)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	require.Len(t, e.inbox.of("A", model.EventError), len(tests))
	require.Equal(t, dispatch.Joined, e.dispatcher.State("A"), "rejected events change nothing")
}

func TestJoinReceivesOnlyLastLimitMessagesOfRoom(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t, deps{limit: 10})
	for i := 0; i < 15; i++ {
		_, err := e.history.Append(ctx, model.Message{Room: "lobby", Sender: "old", Content: fmt.Sprintf("lobby-%02d", i)})
		req.NoError(err)
		_, err = e.history.Append(ctx, model.Message{Room: "kitchen", Sender: "old", Content: fmt.Sprintf("kitchen-%02d", i)})
		req.NoError(err)
	}

	e.send(t, "A", connect)
	e.send(t, "A", join("lobby"))

	payload := decode[model.HistoryPayload](t, e.inbox.of("A", model.EventHistory)[0])
	req.Equal("lobby", payload.Room)
	req.Len(payload.Messages, 10)
	for i, m := range payload.Messages {
		req.Equal("lobby", m.Room)
		req.Equal(fmt.Sprintf("lobby-%02d", i+5), m.Content)
	}
}

func TestMessagesKeepSendOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t, deps{limit: 50})
	for _, c := range []string{"A", "B"} {
		e.send(t, c, connect)
		e.send(t, c, join("lobby"))
	}

	var want []string
	for i := 0; i < 20; i++ {
		content := fmt.Sprintf("m%02d", i)
		want = append(want, content)
		e.send(t, "A", say("lobby", content))
	}

	var live []string
	for _, f := range e.inbox.of("B", model.EventMessage) {
		live = append(live, decode[model.Message](t, f).Content)
	}
	req.Equal(want, live)

	recent, err := e.history.Recent(ctx, "lobby", 50)
	req.NoError(err)
	var stored []string
	for _, m := range recent {
		stored = append(stored, m.Content)
	}
	req.Equal(want, stored)
}

func TestStateMachine(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	e := newEnv(t, deps{})
	d := e.dispatcher

	req.Equal(dispatch.Disconnected, d.State("A"))
	e.send(t, "A", connect)
	req.Equal(dispatch.Connected, d.State("A"))
	e.send(t, "A", join("lobby"))
	e.send(t, "A", join("kitchen"))
	req.Equal(dispatch.Joined, d.State("A"))
	e.send(t, "A", leave("lobby"))
	req.Equal(dispatch.Joined, d.State("A"))
	e.send(t, "A", leave("kitchen"))
	req.Equal(dispatch.Connected, d.State("A"))
	e.send(t, "A", leave("kitchen"))
	req.Equal(dispatch.Connected, d.State("A"))
	e.send(t, "A", disconnect)
	req.Equal(dispatch.Disconnected, d.State("A"))

	req.ErrorIs(d.Dispatch(ctx, "A", join("lobby")), apperr.ErrDisconnected)
	req.ErrorIs(d.Dispatch(ctx, "A", say("lobby", "late")), apperr.ErrDisconnected)
	req.NoError(d.Dispatch(ctx, "A", disconnect), "disconnect is idempotent")
	req.Equal("disconnected", d.State("A").String())

	e.send(t, "B", connect)
	req.ErrorIs(d.Dispatch(ctx, "B", connect), apperr.ErrValidation)
}

func TestSenderIdentity(t *testing.T) {
	req := require.New(t)
	e := newEnv(t, deps{})
	e.send(t, "A", model.Inbound{Type: model.EventConnect, Sender: "alice"})
	e.send(t, "B", connect)
	e.send(t, "A", join("lobby"))
	e.send(t, "B", join("lobby"))

	e.send(t, "A", model.Inbound{Type: model.EventMessage, Room: "lobby", Content: "hi", Sender: "mallory"})
	e.send(t, "B", model.Inbound{Type: model.EventMessage, Room: "lobby", Content: "yo", Sender: "bob"})

	got := e.inbox.of("B", model.EventMessage)
	req.Len(got, 2)
	req.Equal("alice", decode[model.Message](t, got[0]).Sender, "authenticated user wins")
	req.Equal("bob", decode[model.Message](t, got[1]).Sender)
}

func TestAppendFailureSuppressesBroadcast(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	hist := mocks.NewMockHistoryStore(ctrl)
	hist.EXPECT().Recent(gomock.Any(), "lobby", 10).Return([]model.Message{}, nil).AnyTimes()
	hist.EXPECT().Append(gomock.Any(), gomock.Any()).
		Return(model.Message{}, apperr.Unavailable("history append", errors.New("scylla timeout"))).
		Times(int(fastRetry.MaxAttempts))

	e := newEnv(t, deps{history: hist})
	for _, c := range []string{"A", "B"} {
		e.send(t, c, connect)
		e.send(t, c, join("lobby"))
	}

	err := e.dispatcher.Dispatch(ctx, "A", say("lobby", "lost"))
	req.ErrorIs(err, apperr.ErrStoreUnavailable)
	req.Empty(e.inbox.of("B", model.EventMessage))
	req.Empty(e.inbox.of("A", model.EventMessage))
	req.Equal("store_unavailable", decode[model.ErrorPayload](t, e.inbox.of("A", model.EventError)[0]).Code)
	req.Equal(dispatch.Joined, e.dispatcher.State("A"), "store failure does not tear down the connection")
}

func TestHistoryOutageStillJoins(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	hist := mocks.NewMockHistoryStore(ctrl)
	hist.EXPECT().Recent(gomock.Any(), "lobby", 10).
		Return(nil, apperr.Unavailable("history recent", errors.New("down"))).AnyTimes()

	e := newEnv(t, deps{history: hist})
	e.send(t, "A", connect)
	err := e.dispatcher.Dispatch(ctx, "A", join("lobby"))
	req.ErrorIs(err, apperr.ErrStoreUnavailable)
	req.Equal(dispatch.Joined, e.dispatcher.State("A"))
	req.Empty(decode[model.HistoryPayload](t, e.inbox.of("A", model.EventHistory)[0]).Messages)
}

// flakyPresence fails every removal for one room.
type flakyPresence struct {
	presence.Store
	failRoom string
}

func (f flakyPresence) Remove(ctx context.Context, room, connID string) error {
	if room == f.failRoom {
		return apperr.Unavailable("presence remove", errors.New("connection reset"))
	}
	return f.Store.Remove(ctx, room, connID)
}

func TestDisconnectCleansEveryRoomDespiteFailures(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	at := time.Now()
	store := presence.NewMemoryStoreWithClock(10*time.Second, func() time.Time { return at })

	e := newEnv(t, deps{presence: flakyPresence{Store: store, failRoom: "alpha"}})
	e.send(t, "W", connect)
	e.send(t, "C", connect)
	for _, r := range []string{"alpha", "beta", "gamma"} {
		e.send(t, "W", join(r))
		e.send(t, "C", join(r))
	}

	err := e.dispatcher.Dispatch(ctx, "C", disconnect)
	req.ErrorIs(err, apperr.ErrStoreUnavailable)
	req.Equal(dispatch.Disconnected, e.dispatcher.State("C"))
	req.Len(e.inbox.of("W", model.EventUserLeft), 3, "every room is told, failed one included")

	for _, r := range []string{"beta", "gamma"} {
		members, err := store.Members(ctx, r)
		req.NoError(err)
		req.Equal([]string{"W"}, members)
	}
	members, err := store.Members(ctx, "alpha")
	req.NoError(err)
	req.Equal([]string{"C", "W"}, members, "stale entry survives until its lease runs out")

	// W's process keeps renewing, C's claim is never renewed again
	at = at.Add(11 * time.Second)
	req.NoError(store.Renew(ctx, []presence.Entry{{Room: "alpha", ConnectionID: "W"}}))
	members, err = store.Members(ctx, "alpha")
	req.NoError(err)
	req.Equal([]string{"W"}, members)
}

func TestMessageReachesMembersOnOtherProcesses(t *testing.T) {
	req := require.New(t)
	gen, err := snowflake.NewGenerator(1)
	req.NoError(err)
	hub := bus.NewHub()
	shared := deps{presence: presence.NewMemoryStore(time.Minute), history: history.NewMemoryStore(gen), ids: gen}

	d1, d2 := shared, shared
	d1.bus, d2.bus = hub.Attach(), hub.Attach()
	p1, p2 := newEnv(t, d1), newEnv(t, d2)

	p1.send(t, "A", connect)
	p1.send(t, "A", join("lobby"))
	p2.send(t, "B", connect)
	p2.send(t, "B", join("lobby"))
	p2.send(t, "Z", connect)
	p2.send(t, "Z", join("kitchen"))

	p1.send(t, "A", say("lobby", "across"))

	got := p2.inbox.of("B", model.EventMessage)
	req.Len(got, 1)
	req.Equal("across", decode[model.Message](t, got[0]).Content)
	req.Empty(p2.inbox.of("Z", model.EventMessage))
	req.Len(p1.inbox.of("A", model.EventMessage), 1)
}

// lostAckStore persists the first append but reports it as timed out, like a
// write whose acknowledgement never reached the client.
type lostAckStore struct {
	history.Store
	mu    sync.Mutex
	calls int
}

func (s *lostAckStore) Append(ctx context.Context, msg model.Message) (model.Message, error) {
	stored, err := s.Store.Append(ctx, msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err == nil && s.calls == 1 {
		return model.Message{}, context.DeadlineExceeded
	}
	return stored, err
}

func TestRetriedAppendKeepsOneCopy(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	gen, err := snowflake.NewGenerator(1)
	req.NoError(err)
	store := &lostAckStore{Store: history.NewMemoryStore(gen)}

	e := newEnv(t, deps{history: store, ids: gen})
	for _, c := range []string{"A", "B"} {
		e.send(t, c, connect)
		e.send(t, c, join("lobby"))
	}
	e.send(t, "A", say("lobby", "hi"))

	req.Equal(2, store.calls, "the lost acknowledgement is retried")
	stored, err := store.Recent(ctx, "lobby", 10)
	req.NoError(err)
	req.Len(stored, 1)

	got := e.inbox.of("B", model.EventMessage)
	req.Len(got, 1)
	req.Equal(stored[0].ID, decode[model.Message](t, got[0]).ID)
}

// hangingPresence never completes a removal before its context ends.
type hangingPresence struct {
	presence.Store
}

func (h hangingPresence) Remove(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDisconnectGivesEveryRoomItsOwnTime(t *testing.T) {
	req := require.New(t)
	gen, err := snowflake.NewGenerator(1)
	req.NoError(err)
	hub := bus.NewHub()
	hist := history.NewMemoryStore(gen)

	local := newEnv(t, deps{
		presence: hangingPresence{Store: presence.NewMemoryStore(time.Minute)},
		history:  hist,
		ids:      gen,
		bus:      hub.Attach(),
	})
	remote := newEnv(t, deps{history: hist, ids: gen, bus: hub.Attach()})

	rooms := []string{"r1", "r2", "r3"}
	local.send(t, "C", connect)
	remote.send(t, "W", connect)
	for _, r := range rooms {
		remote.send(t, "W", join(r))
		local.send(t, "C", join(r))
	}

	// the caller's deadline is shorter than the cleanup of a single room
	ctx, cancel := context.WithTimeout(context.Background(), fastRetry.AttemptTimeout)
	defer cancel()
	err = local.dispatcher.Dispatch(ctx, "C", disconnect)
	req.Error(err)
	req.Equal(dispatch.Disconnected, local.dispatcher.State("C"))

	left := remote.inbox.of("W", model.EventUserLeft)
	req.Len(left, len(rooms), "every room's departure crosses the bus")
	var seen []string
	for _, out := range left {
		seen = append(seen, decode[model.PresencePayload](t, out).Room)
	}
	req.ElementsMatch(rooms, seen)
}
