package worker

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryDelay computes the delay before republishing attempt retryCount+1:
// min(base*2^retryCount, cap), plus a uniform [0, jitter) addend. The
// doubling and capping is delegated to backoff.ExponentialBackOff with its
// own randomization disabled, since the jitter term this system specifies
// is additive and uniform, not the library's multiplicative kind.
func retryDelay(base, maxDelay, jitter time.Duration, retryCount int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = maxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()

	delay := eb.InitialInterval
	for i := 0; i <= retryCount; i++ {
		d := eb.NextBackOff()
		if d == backoff.Stop {
			delay = maxDelay
			break
		}
		delay = d
	}

	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}
