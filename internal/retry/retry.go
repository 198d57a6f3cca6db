// Package retry runs an operation again with exponential backoff until it
// succeeds, the attempt budget is spent or the error is marked permanent.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded wraps the last error once the attempt budget is spent.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Config holds retry configuration
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64 // 0 disables jitter
}

// permanentError stops the loop immediately.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it returns nil. fn receives the 1-based attempt number.
// A permanent error is returned unwrapped from its marker.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if werr := Sleep(ctx, cfg.backoff(attempt)); werr != nil {
			return werr
		}
	}
	return errors.Join(ErrMaxRetriesExceeded, err)
}

func (c Config) backoff(attempt int) time.Duration {
	d := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && d > float64(c.MaxInterval) {
		d = float64(c.MaxInterval)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
