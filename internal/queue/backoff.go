package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes how long a failed job waits before it is claimable again.
type Backoff interface {
	Delay(attempts int) time.Duration
}

// ExponentialBackoff yields base*2^(attempts-1) randomized by +/- Jitter and
// never longer than Max. With Jitter below 1/3 consecutive delays never
// overlap, so the sequence increases until the cap.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{Base: time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

func (b ExponentialBackoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.MaxInterval = b.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = eb.NextBackOff()
	}
	// The randomization is applied after the library's own cap.
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// FixedBackoff always waits the same duration. Tests use zero to make retried
// jobs claimable immediately.
type FixedBackoff time.Duration

func (f FixedBackoff) Delay(int) time.Duration { return time.Duration(f) }
