package presence

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per room. The member is the connection id
// and the score is the lease expiry in unix milliseconds, so expired entries
// can be pruned with a single range delete.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

var _ Store = (*RedisStore)(nil)

func Key(room string) string {
	return "room:" + room + ":users"
}

func (s *RedisStore) expiry() float64 {
	return float64(s.now().Add(s.ttl).UnixMilli())
}

func (s *RedisStore) Add(ctx context.Context, room, connID string) error {
	return s.Renew(ctx, []Entry{{Room: room, ConnectionID: connID}})
}

func (s *RedisStore) Remove(ctx context.Context, room, connID string) error {
	if err := s.rdb.ZRem(ctx, Key(room), connID).Err(); err != nil {
		return apperr.Unavailable("presence remove", err)
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, room string) ([]string, error) {
	key := Key(room)
	now := strconv.FormatInt(s.now().UnixMilli(), 10)

	var members *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", now)
		members = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"})
		return nil
	})
	if err != nil {
		return nil, apperr.Unavailable("presence members", err)
	}
	ids := members.Val()
	slices.Sort(ids)
	return ids, nil
}

// Renew writes every lease in one pipeline and pushes the key expiry out
// so rooms nobody renews vanish entirely.
func (s *RedisStore) Renew(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	score := s.expiry()
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		touched := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			key := Key(e.Room)
			pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: e.ConnectionID})
			touched[key] = struct{}{}
		}
		for key := range touched {
			pipe.Expire(ctx, key, 2*s.ttl)
		}
		return nil
	})
	if err != nil {
		return apperr.Unavailable(fmt.Sprintf("presence renew %d entries", len(entries)), err)
	}
	return nil
}
