package delivery

import (
	"math/rand"
	"time"
)

const (
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// backoff implements exponential backoff with ±20% jitter.
type backoff struct {
	max     time.Duration
	current time.Duration
	jitter  func() float64
}

func newBackoff(initial, max time.Duration, jitter func() float64) *backoff {
	if jitter == nil {
		jitter = rand.Float64
	}
	return &backoff{max: max, current: initial, jitter: jitter}
}

// Next returns the jittered wait for this retry and doubles the base for the next one.
func (b *backoff) Next() time.Duration {
	jitter := float64(b.current) * 0.2 * (b.jitter()*2 - 1)
	wait := time.Duration(float64(b.current) + jitter)

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return wait
}
