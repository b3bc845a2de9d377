package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/bus"
	"github.com/mahaj/roomcast/pkg/history"
	"github.com/mahaj/roomcast/pkg/metrics"
	"github.com/mahaj/roomcast/pkg/mocks"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/presence"
	"github.com/mahaj/roomcast/pkg/retry"
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

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][]model.Outbound
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][]model.Outbound)}
}

func (s *recordingSender) Send(connID string, out model.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[connID] = append(s.frames[connID], out)
	return nil
}

func (s *recordingSender) of(connID string, typ model.EventType) []model.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Outbound
	for _, f := range s.frames[connID] {
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

type fixture struct {
	manager  *Manager
	sender   *recordingSender
	presence *presence.MemoryStore
	history  *history.MemoryStore
	bus      *bus.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gen, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	f := &fixture{
		sender:   newRecordingSender(),
		presence: presence.NewMemoryStore(time.Minute),
		history:  history.NewMemoryStore(gen),
		bus:      bus.NewMemoryBus(),
	}
	f.manager = NewManager(f.presence, f.bus, f.history, f.sender,
		Options{HistoryLimit: 10, Retry: fastRetry, Origin: "test"},
		metrics.Noop(), slog.New(slog.DiscardHandler))
	return f
}

func (f *fixture) members(t *testing.T, room string) []string {
	t.Helper()
	ids, err := f.presence.Members(context.Background(), room)
	require.NoError(t, err)
	return ids
}

func TestJoinNotifiesOthersAndReturnsHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.manager.Register("a", "")
	f.manager.Register("b", "bob")

	_, err := f.history.Append(ctx, model.Message{Room: "lobby", Sender: "a", Content: "earlier"})
	req.NoError(err)

	msgs, err := f.manager.Join(ctx, "a", "lobby")
	req.NoError(err)
	req.Len(msgs, 1)

	msgs, err = f.manager.Join(ctx, "b", "lobby")
	req.NoError(err)
	req.Equal("earlier", msgs[0].Content)

	joined := f.sender.of("a", model.EventUserJoined)
	req.Len(joined, 1)
	payload := decode[model.PresencePayload](t, joined[0])
	req.Equal("b", payload.ConnectionID)
	req.Equal("bob", payload.User)
	req.Empty(f.sender.of("b", model.EventUserJoined), "joiner is not told about itself")

	req.Equal([]string{"a", "b"}, f.manager.LocalMembers("lobby"))
	req.Equal([]string{"a", "b"}, f.members(t, "lobby"))
}

func TestJoinIsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.manager.Register("a", "")
	f.manager.Register("b", "")

	_, err := f.manager.Join(ctx, "a", "lobby")
	req.NoError(err)
	_, err = f.manager.Join(ctx, "b", "lobby")
	req.NoError(err)
	_, err = f.manager.Join(ctx, "b", "lobby")
	req.NoError(err)

	req.Len(f.sender.of("a", model.EventUserJoined), 1)
	rooms, _ := f.manager.Rooms("b")
	req.Equal([]string{"lobby"}, rooms)
	req.Equal([]string{"a", "b"}, f.members(t, "lobby"))
}

func TestFinalMembershipFollowsReceiptOrder(t *testing.T) {
	tests := []struct {
		name   string
		ops    []string
		member bool
	}{
		{"join", []string{"join"}, true},
		{"join join", []string{"join", "join"}, true},
		{"leave only", []string{"leave"}, false},
		{"join leave", []string{"join", "leave"}, false},
		{"join leave leave", []string{"join", "leave", "leave"}, false},
		{"leave join", []string{"leave", "join"}, true},
		{"join leave join", []string{"join", "leave", "join"}, true},
		{"join join leave", []string{"join", "join", "leave"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.manager.Register("c", "")
			for _, op := range tt.ops {
				switch op {
				case "join":
					_, err := f.manager.Join(ctx, "c", "lobby")
					require.NoError(t, err)
				case "leave":
					_, err := f.manager.Leave(ctx, "c", "lobby")
					require.NoError(t, err)
				}
			}
			require.Equal(t, tt.member, f.manager.IsMember("c", "lobby"))
			if tt.member {
				require.Equal(t, []string{"c"}, f.members(t, "lobby"))
			} else {
				require.Empty(t, f.members(t, "lobby"))
			}
		})
	}
}

func TestLeaveNotifiesOthersAndDropsSubscription(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.manager.Register("a", "")
	f.manager.Register("b", "")
	_, _ = f.manager.Join(ctx, "a", "lobby")
	_, _ = f.manager.Join(ctx, "b", "lobby")
	req.True(f.bus.Subscribed(bus.Topic("lobby")))

	left, err := f.manager.Leave(ctx, "b", "lobby")
	req.NoError(err)
	req.True(left)
	leftEvents := f.sender.of("a", model.EventUserLeft)
	req.Len(leftEvents, 1)
	req.Equal("b", decode[model.PresencePayload](t, leftEvents[0]).ConnectionID)
	req.Empty(f.sender.of("b", model.EventUserLeft))
	req.True(f.bus.Subscribed(bus.Topic("lobby")))

	left, err = f.manager.Leave(ctx, "b", "lobby")
	req.NoError(err)
	req.False(left)

	_, err = f.manager.Leave(ctx, "a", "lobby")
	req.NoError(err)
	req.False(f.bus.Subscribed(bus.Topic("lobby")))
}

func TestJoinUnknownConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Join(context.Background(), "ghost", "lobby")
	require.ErrorIs(t, err, apperr.ErrDisconnected)
}

func TestPresenceFailureIsSoft(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockPresenceStore(ctrl)
	down := apperr.Unavailable("presence add", errors.New("connection refused"))

	// first attempt plus exactly one retry
	store.EXPECT().Add(gomock.Any(), "lobby", "a").Return(down).Times(2)
	store.EXPECT().Remove(gomock.Any(), "lobby", "a").Return(down).Times(2)

	f := newFixture(t)
	m := NewManager(store, f.bus, f.history, f.sender,
		Options{HistoryLimit: 10, Retry: fastRetry}, metrics.Noop(), slog.New(slog.DiscardHandler))
	m.Register("a", "")

	msgs, err := m.Join(ctx, "a", "lobby")
	req.NoError(err, "presence failure does not fail the join")
	req.NotNil(msgs)
	req.True(m.IsMember("a", "lobby"))

	left, err := m.Leave(ctx, "a", "lobby")
	req.True(left)
	req.ErrorIs(err, apperr.ErrStoreUnavailable)
	req.False(m.IsMember("a", "lobby"))
}

func TestBusOutageDeliversLocally(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBus(ctrl)
	b.EXPECT().Subscribe(gomock.Any(), bus.Topic("lobby"), gomock.Any()).Return(nil)
	b.EXPECT().Publish(gomock.Any(), bus.Topic("lobby"), gomock.Any()).Return(errors.New("broker down")).AnyTimes()

	f := newFixture(t)
	m := NewManager(f.presence, b, f.history, f.sender,
		Options{HistoryLimit: 10, Retry: fastRetry}, metrics.Noop(), slog.New(slog.DiscardHandler))
	m.Register("a", "")
	m.Register("b", "")

	_, err := m.Join(ctx, "a", "lobby")
	req.NoError(err)
	_, err = m.Join(ctx, "b", "lobby")
	req.NoError(err)

	req.Len(f.sender.of("a", model.EventUserJoined), 1)
}

func TestBroadcastWithoutSubscriptionDeliversLocally(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBus(ctrl)
	b.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("no subscription")).
		Times(int(fastRetry.MaxAttempts))
	b.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	f := newFixture(t)
	m := NewManager(f.presence, b, f.history, f.sender,
		Options{HistoryLimit: 10, Retry: fastRetry}, metrics.Noop(), slog.New(slog.DiscardHandler))
	m.Register("a", "")
	m.Register("b", "")
	_, _ = m.Join(ctx, "a", "lobby")
	_, _ = m.Join(ctx, "b", "lobby")

	req.Len(f.sender.of("a", model.EventUserJoined), 1)
}

// stallingBus holds Subscribe of one topic until the attempt times out, the
// way a pub/sub connection behaves while Redis is unreachable.
type stallingBus struct {
	*bus.MemoryBus
	topic   string
	entered chan struct{}
}

func (b *stallingBus) Subscribe(ctx context.Context, topic string, h bus.Handler) error {
	if topic != b.topic {
		return b.MemoryBus.Subscribe(ctx, topic, h)
	}
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowSubscribeDoesNotStallOtherRooms(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	sb := &stallingBus{MemoryBus: f.bus, topic: bus.Topic("slow"), entered: make(chan struct{}, 1)}
	m := NewManager(f.presence, sb, f.history, f.sender,
		Options{HistoryLimit: 10, Retry: fastRetry}, metrics.Noop(), slog.New(slog.DiscardHandler))
	m.Register("a", "")
	m.Register("b", "")
	m.Register("c", "")
	_, err := m.Join(ctx, "c", "lobby")
	req.NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Join(ctx, "a", "slow")
		done <- err
	}()
	<-sb.entered

	start := time.Now()
	_, err = m.Join(ctx, "b", "lobby")
	req.NoError(err)
	req.True(m.IsMember("a", "slow"))
	req.Len(f.sender.of("c", model.EventUserJoined), 1)
	req.Less(time.Since(start), fastRetry.AttemptTimeout, "lobby never waits on the slow subscription")

	req.NoError(<-done)
	req.False(sb.Subscribed(bus.Topic("slow")))

	// without a subscription the room still works locally
	m.Register("d", "")
	_, err = m.Join(ctx, "d", "slow")
	req.NoError(err)
	req.Len(f.sender.of("a", model.EventUserJoined), 1)
}

func TestCrossProcessFanout(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	gen, err := snowflake.NewGenerator(1)
	req.NoError(err)

	hub := bus.NewHub()
	shared := presence.NewMemoryStore(time.Minute)
	hist := history.NewMemoryStore(gen)
	s1, s2 := newRecordingSender(), newRecordingSender()
	opts := Options{HistoryLimit: 10, Retry: fastRetry}
	p1 := NewManager(shared, hub.Attach(), hist, s1, opts, metrics.Noop(), slog.New(slog.DiscardHandler))
	p2 := NewManager(shared, hub.Attach(), hist, s2, opts, metrics.Noop(), slog.New(slog.DiscardHandler))

	p1.Register("a", "")
	p2.Register("b", "")
	_, err = p1.Join(ctx, "a", "lobby")
	req.NoError(err)
	_, err = p2.Join(ctx, "b", "lobby")
	req.NoError(err)

	req.Len(s1.of("a", model.EventUserJoined), 1)
	members, err := shared.Members(ctx, "lobby")
	req.NoError(err)
	req.Equal([]string{"a", "b"}, members)
	req.Equal([]string{"a"}, p1.LocalMembers("lobby"))
}

func TestForgetClearsLocalState(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.manager.Register("a", "")
	_, _ = f.manager.Join(ctx, "a", "lobby")

	f.manager.Forget(ctx, "a")
	_, ok := f.manager.Rooms("a")
	req.False(ok)
	req.Empty(f.manager.LocalMembers("lobby"))
	req.False(f.bus.Subscribed(bus.Topic("lobby")))
}

func TestRenewLeasesKeepsPresenceAlive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	at := time.Now()
	now := func() time.Time { return at }
	store := presence.NewMemoryStoreWithClock(10*time.Second, now)

	f := newFixture(t)
	m := NewManager(store, f.bus, f.history, f.sender,
		Options{HistoryLimit: 10, Retry: fastRetry}, metrics.Noop(), slog.New(slog.DiscardHandler))
	m.Register("a", "")
	_, err := m.Join(ctx, "a", "lobby")
	req.NoError(err)

	for i := 0; i < 5; i++ {
		at = at.Add(5 * time.Second)
		req.NoError(m.RenewLeases(ctx))
	}
	members, err := store.Members(ctx, "lobby")
	req.NoError(err)
	req.Equal([]string{"a"}, members)

	// the owner stops renewing, e.g. because its process crashed
	at = at.Add(11 * time.Second)
	members, err = store.Members(ctx, "lobby")
	req.NoError(err)
	req.Empty(members)
}
