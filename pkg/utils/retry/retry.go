package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential backoff schedule: the first wait is Duration,
// every following wait is multiplied by Factor, and Jitter adds up to
// jitter*duration of randomness on top of each wait.
type Backoff struct {
	Steps    int
	Duration time.Duration
	Factor   float64
	Jitter   float64
}

func (b *Backoff) step() time.Duration {
	d := b.Duration
	if b.Factor > 1 {
		next := time.Duration(float64(d) * b.Factor)
		if next > 0 {
			b.Duration = next
		}
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	b.Steps--
	return d
}

var DefaultBackoff = Backoff{
	Steps:    math.MaxInt32,
	Duration: 5 * time.Second,
	Factor:   1.1,
	Jitter:   0.1,
}

func AlwaysError(err error) bool { return true }

func Always(fn func() error) error {
	return OnErrorWithBackoff(DefaultBackoff, AlwaysError, fn)
}

func OnError(isRetry func(error) bool, fn func() error) error {
	return OnErrorWithBackoff(DefaultBackoff, isRetry, fn)
}

// OnErrorWithBackoff calls fn until it succeeds, isRetry rejects the error,
// or the backoff runs out of steps.
func OnErrorWithBackoff(backoff Backoff, isRetry func(error) bool, fn func() error) error {
	var lasterr error
	for backoff.Steps > 0 {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetry(err) {
			return err
		}
		lasterr = err
		if backoff.Steps <= 1 {
			break
		}
		time.Sleep(backoff.step())
	}
	return lasterr
}

func NotContextCancelError(err error) bool {
	return !errors.Is(err, context.Canceled)
}
