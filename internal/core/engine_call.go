package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRequestTimeout = 20 * time.Second
	DefaultRequestRetries = 3
)

// CallPolicy bounds every media engine call.
type CallPolicy struct {
	Timeout time.Duration
	Retries int
}

func DefaultCallPolicy() CallPolicy {
	return CallPolicy{Timeout: DefaultRequestTimeout, Retries: DefaultRequestRetries}
}

// Call runs fn with a per attempt timeout. Timeouts and ErrEngineUnavailable
// are retried up to p.Retries extra times; worker death and every other
// error are returned at once.
func Call[T any](ctx context.Context, p CallPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Timeout <= 0 {
		p.Timeout = DefaultRequestTimeout
	}
	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		v, err := fn(actx)
		cancel()
		if err == nil {
			return v, nil
		}
		if !retryable(ctx, err) {
			return zero, err
		}
		lastErr = err
		log.Warn().
			Str("module", "core.engine").
			Str("op", op).
			Int("attempt", attempt+1).
			Err(err).
			Msg("engine call failed, retrying")
	}
	return zero, fmt.Errorf("%s: %w: %w", op, domain.ErrEngineUnavailable, lastErr)
}

// CallErr is Call for operations without a result.
func CallErr(ctx context.Context, p CallPolicy, op string, fn func(context.Context) error) error {
	_, err := Call(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func retryable(parent context.Context, err error) bool {
	if errors.Is(err, domain.ErrWorkerDied) || parent.Err() != nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrEngineUnavailable)
}
