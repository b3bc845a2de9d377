// Package infra opens the store and bus backends selected by configuration.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mahaj/roomcast/pkg/bus"
	"github.com/mahaj/roomcast/pkg/config"
	"github.com/mahaj/roomcast/pkg/db"
	"github.com/mahaj/roomcast/pkg/history"
	"github.com/mahaj/roomcast/pkg/presence"
	"github.com/mahaj/roomcast/pkg/snowflake"
	"github.com/redis/go-redis/v9"
)

// Stack holds the opened backends of one process and the resources behind
// them.
type Stack struct {
	History  history.Store
	Presence presence.Store
	Bus      bus.Bus
	// IDs is the message id generator of this process.
	IDs *snowflake.Generator

	cfg     config.Config
	log     *slog.Logger
	redis   *redis.Client
	runners []func(context.Context) error
	closers []func() error
}

func New(cfg config.Config, log *slog.Logger) *Stack {
	return &Stack{cfg: cfg, log: log.With("component", "infra")}
}

// Open opens history, presence and the bus.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Stack, error) {
	s := New(cfg, log)
	if err := s.OpenHistory(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if err := s.OpenPresence(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if err := s.OpenBus(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

func (s *Stack) redisClient(ctx context.Context) (*redis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", s.cfg.RedisAddr, err)
	}
	s.log.Info("Connected to Redis", "addr", s.cfg.RedisAddr)
	s.redis = rdb
	s.closers = append(s.closers, rdb.Close)
	return rdb, nil
}

func (s *Stack) OpenHistory(_ context.Context) error {
	ids, err := snowflake.NewGenerator(s.cfg.NodeID)
	if err != nil {
		return err
	}
	s.IDs = ids

	switch s.cfg.HistoryBackend {
	case config.BackendScylla:
		session, err := db.Bootstrap(s.cfg.ScyllaHosts, s.cfg.ScyllaKeyspace, s.cfg.ScyllaTimeout, s.log)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error { session.Close(); return nil })
		s.History = history.NewScyllaStore(session, ids)
	case config.BackendBadger:
		store, err := history.OpenBadger(s.cfg.BadgerPath, ids, s.log)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, store.Close)
		s.History = store
	case config.BackendMemory:
		s.History = history.NewMemoryStore(ids)
	default:
		return fmt.Errorf("unsupported history backend %q", s.cfg.HistoryBackend)
	}
	s.log.Info("History store ready", "backend", s.cfg.HistoryBackend)
	return nil
}

func (s *Stack) OpenPresence(ctx context.Context) error {
	switch s.cfg.PresenceBackend {
	case config.BackendRedis:
		rdb, err := s.redisClient(ctx)
		if err != nil {
			return err
		}
		s.Presence = presence.NewRedisStore(rdb, s.cfg.LeaseTTL)
	case config.BackendMemory:
		s.Presence = presence.NewMemoryStore(s.cfg.LeaseTTL)
	default:
		return fmt.Errorf("unsupported presence backend %q", s.cfg.PresenceBackend)
	}
	s.log.Info("Presence store ready", "backend", s.cfg.PresenceBackend, "lease", s.cfg.LeaseTTL)
	return nil
}

func (s *Stack) OpenBus(ctx context.Context) error {
	switch s.cfg.BusBackend {
	case config.BackendKafka:
		kb := bus.NewKafkaBus(s.cfg.KafkaBrokers, s.cfg.KafkaTopic, s.log)
		s.runners = append(s.runners, kb.Run)
		s.closers = append(s.closers, kb.Close)
		s.Bus = kb
	case config.BackendRedis:
		rdb, err := s.redisClient(ctx)
		if err != nil {
			return err
		}
		rb := bus.NewRedisBus(ctx, rdb, s.log)
		s.runners = append(s.runners, rb.Run)
		s.closers = append(s.closers, rb.Close)
		s.Bus = rb
	case config.BackendMemory:
		s.Bus = bus.NewMemoryBus()
	default:
		return fmt.Errorf("unsupported bus backend %q", s.cfg.BusBackend)
	}
	s.log.Info("Message bus ready", "backend", s.cfg.BusBackend)
	return nil
}

// Run drives the bus consumers until ctx is done. Backends without a
// consumer loop return immediately.
func (s *Stack) Run(ctx context.Context) error {
	errc := make(chan error, len(s.runners))
	for _, run := range s.runners {
		go func() { errc <- run(ctx) }()
	}
	var errs []error
	for range s.runners {
		errs = append(errs, <-errc)
	}
	return errors.Join(errs...)
}

// Close releases every opened resource, newest first.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
