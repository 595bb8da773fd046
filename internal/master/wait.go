package master

import (
	"context"
	"errors"
	"math"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// backoff yields exponentially growing poll delays.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

// delay returns the wait before attempt n (1-based).
func (b backoff) delay(attempt int) time.Duration {
	if attempt <= 1 || b.initial <= 0 {
		return b.initial
	}
	mult := b.multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	d := float64(b.initial) * math.Pow(mult, float64(attempt-1))
	if b.max > 0 && d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}

// permanentError stops a poll early.
type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

// poll calls try until it reports done, ctx ends, or try returns a
// permanentError. When ctx ends it returns the last error from try together
// with the context error.
func (b backoff) poll(ctx context.Context, try func() (bool, error)) (lastErr error, ctxErr error) {
	for attempt := 1; ; attempt++ {
		done, err := try()
		if done {
			return nil, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.error, nil
		}
		if err != nil {
			lastErr = err
		}
		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr, ctx.Err()
		case <-timer.C:
		}
	}
}

// processGone reports whether pid no longer exists. Signal 0 only checks
// for existence.
func processGone(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return errors.Is(err, unix.ESRCH)
}

func socketGone(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, os.ErrNotExist)
}

// waitForExit waits for a terminated master to go away: its process exits
// or its socket disappears.
func (b backoff) waitForExit(ctx context.Context, pid int, path string) error {
	_, ctxErr := b.poll(ctx, func() (bool, error) {
		return processGone(pid) || socketGone(path), nil
	})
	return ctxErr
}
