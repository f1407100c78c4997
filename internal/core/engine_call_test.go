package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_RetriesTimeouts(t *testing.T) {
	attempts := 0
	v, err := Call(context.Background(), CallPolicy{Timeout: 10 * time.Millisecond, Retries: 3}, "op",
		func(ctx context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestCall_GivesUpAsUnavailable(t *testing.T) {
	attempts := 0
	err := CallErr(context.Background(), CallPolicy{Timeout: time.Second, Retries: 2}, "createRouter",
		func(context.Context) error {
			attempts++
			return domain.ErrEngineUnavailable
		})
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "createRouter")
}

func TestCall_DoesNotRetryWorkerDeath(t *testing.T) {
	attempts := 0
	err := CallErr(context.Background(), DefaultCallPolicy(), "op", func(context.Context) error {
		attempts++
		return domain.ErrWorkerDied
	})
	require.ErrorIs(t, err, domain.ErrWorkerDied)
	assert.Equal(t, 1, attempts)
}

func TestCall_DoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("bad sdp")
	attempts := 0
	err := CallErr(context.Background(), DefaultCallPolicy(), "op", func(context.Context) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestCall_StopsWhenParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := CallErr(ctx, CallPolicy{Timeout: time.Second, Retries: 5}, "op", func(context.Context) error {
		attempts++
		cancel()
		return domain.ErrEngineUnavailable
	})
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
	assert.Equal(t, 1, attempts)
}
