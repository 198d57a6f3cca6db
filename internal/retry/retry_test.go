package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, InitialInterval: time.Millisecond}, func(int) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 2, InitialInterval: time.Millisecond}, func(int) error {
		calls++
		return errBoom
	})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 5}, func(int) error {
		calls++
		return Permanent(errBoom)
	})

	assert.Equal(t, errBoom, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Config{MaxAttempts: 3, InitialInterval: time.Hour}, func(int) error { return errBoom })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := Config{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 10*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 40*time.Millisecond, cfg.backoff(3))
	assert.Equal(t, 50*time.Millisecond, cfg.backoff(6))
}
