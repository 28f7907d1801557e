package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes the redelivery delay for retryable outcomes.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff is 5s, 10s, 20s ... capped at 2m.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    5 * time.Second,
		Multiplier: 2,
		Max:        2 * time.Minute,
	}
}

// Delay returns the wait before the given 1-based attempt is redelivered.
// A Retry-After hint larger than the computed delay wins, capped at Max.
func (b Backoff) Delay(attempt int, outcome Outcome) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.Multiplier = b.Multiplier
	eb.MaxInterval = b.Max
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}

	if hint := time.Duration(outcome.RetryAfter) * time.Second; hint > d {
		d = hint
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
