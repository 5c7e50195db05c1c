package resolve

import (
	"context"
	"math/rand/v2"
	"time"
)

// MaxRetryCount is the total number of fetch attempts a task makes before
// it gives up.
const MaxRetryCount = 3

// RetryPolicy controls the delays between fetch attempts.
type RetryPolicy struct {
	// Base is multiplied by the retry count.
	Base time.Duration
	// Jitter is the upper bound of the random part added to Base.
	Jitter time.Duration
	// InitialJitter is the upper bound of the random delay before the
	// first attempt, which spreads out bursts of new keys.
	InitialJitter time.Duration
}

var (
	// TagRetryPolicy is used for tag resolution.
	TagRetryPolicy = RetryPolicy{
		Base:          500 * time.Millisecond,
		Jitter:        1000 * time.Millisecond,
		InitialJitter: 500 * time.Millisecond,
	}

	// UserRetryPolicy is used for user resolution.
	UserRetryPolicy = RetryPolicy{
		Base:          500 * time.Millisecond,
		Jitter:        300 * time.Millisecond,
		InitialJitter: 200 * time.Millisecond,
	}
)

// Backoff returns the delay after the given number of failed attempts:
// retries * (Base + rand[0, Jitter)).
func (p RetryPolicy) Backoff(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	return time.Duration(retries) * (p.Base + randUpTo(p.Jitter))
}

// InitialDelay returns the randomized delay before the first attempt.
func (p RetryPolicy) InitialDelay() time.Duration {
	return randUpTo(p.InitialJitter)
}

func randUpTo(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
