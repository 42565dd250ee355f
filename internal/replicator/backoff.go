package replicator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// kMaxOneShotRetryCount bounds one-shot replicator retries.
const kMaxOneShotRetryCount = 2

// kMaxRetryInterval caps the per-attempt delay at 10 minutes.
const kMaxRetryInterval = 600 * time.Second

// newRetryBackoff returns the retry policy: after K consecutive transient
// failures the delay before attempt K+1 is min(2^K, 600) seconds.
// Randomization is disabled so the schedule stays deterministic and
// testable.
func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = kMaxRetryInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // continuous replicators never give up on schedule alone
	b.Reset()
	return b
}
