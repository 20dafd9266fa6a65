package savequeue

import "time"

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = time.Minute

	// minRetryDelay keeps a misconfigured policy from hammering the backend.
	minRetryDelay = time.Millisecond
)

// Backoff decides how long an item waits after its n-th failed attempt.
type Backoff interface {
	Delay(attempts int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt: Base * 2^(attempts-1), capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Backoff.
func (b ExponentialBackoff) Delay(attempts int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < base {
		max = base
	}
	if attempts < 1 {
		attempts = 1
	}

	shift := attempts - 1
	if shift > 30 {
		return max
	}
	d := base << uint(shift)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// FixedBackoff waits the same duration after every failure.
type FixedBackoff time.Duration

// Delay implements Backoff.
func (f FixedBackoff) Delay(int) time.Duration {
	return time.Duration(f)
}
