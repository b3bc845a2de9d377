// Package retry runs store and bus operations with bounded attempts,
// a per-attempt timeout and exponential backoff between attempts.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	MaxAttempts     uint
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Once is the presence write policy: the first attempt plus one retry.
func (p Policy) Once() Policy {
	p.MaxAttempts = 2
	return p
}

// Budget is the longest Do can run under p, backoff jitter included. It is
// zero when attempts have no timeout.
func (p Policy) Budget() time.Duration {
	if p.AttemptTimeout <= 0 {
		return 0
	}
	wait := p.MaxInterval
	if wait <= 0 {
		wait = backoff.DefaultMaxInterval
	}
	attempts := time.Duration(max(p.MaxAttempts, 1))
	return attempts*p.AttemptTimeout + (attempts-1)*(wait+wait/2)
}

// Do runs op until it succeeds, returns a permanent error, or the attempts
// are exhausted. The last attempt's error is returned.
func Do(ctx context.Context, p Policy, log *slog.Logger, op string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, log, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func Value[T any](ctx context.Context, p Policy, log *slog.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	attempts := max(p.MaxAttempts, 1)
	attempt := func() (T, error) {
		actx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		return fn(actx)
	}
	notify := func(err error, next time.Duration) {
		log.Debug("retrying", "op", op, "error", err, "backoff", next)
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(notify),
	)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
