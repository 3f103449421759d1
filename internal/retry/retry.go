// Package retry runs an operation with exponential backoff, used for
// chain reads and webhook deliveries.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error that must not be retried, such as a
// wallet rejection or a 4xx webhook response.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately without further
// attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do invokes fn up to maxAttempts times. The delay doubles after each
// failed attempt, randomized by +-25% so concurrent retriers spread out.
//
// Do returns nil as soon as fn succeeds, the wrapped error when fn
// returns a PermanentError, ctx.Err() if the context ends during a
// backoff sleep, and otherwise the last error once attempts run out.
// maxAttempts below 1 is treated as 1.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := baseDelay
	var lastErr error

	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}

		if attempt >= maxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
}

// jittered spreads d over [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	quarter := int64(d / 4)
	return d - time.Duration(quarter) + time.Duration(randInt64n(2*quarter+1))
}

// randInt64n returns a random int64 in [0, n), 0 when n <= 0.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // v>>1 fits int64 and v%n < n
}
