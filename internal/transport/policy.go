package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectPolicy produces the delay before each reconnect attempt. The
// sequence is deterministic: base * 1.5^(attempt-1), capped at the ceiling.
type reconnectPolicy struct {
	backoff *backoff.ExponentialBackOff
}

func newReconnectPolicy(base, ceiling time.Duration) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0 // attempts are bounded by count, not wall time
	b.Reset()
	return &reconnectPolicy{backoff: b}
}

// next returns the delay for the upcoming attempt and advances the sequence.
func (p *reconnectPolicy) next() time.Duration {
	return p.backoff.NextBackOff()
}

// reset rewinds the sequence to the base delay.
func (p *reconnectPolicy) reset() {
	p.backoff.Reset()
}
