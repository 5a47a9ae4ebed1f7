package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffDelay returns base*2^attempt capped at max, computed via
// cenkalti/backoff's exponential policy with randomization disabled so
// retries are deterministic and testable, per SPEC_FULL's S2 scenario.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}
