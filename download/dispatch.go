package download

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Dispatcher decides when a transfer may start.
type Dispatcher interface {
	// Acquire blocks until a transfer may start or ctx is done.
	Acquire(ctx context.Context) error
	// Release is called once for every successful Acquire.
	Release()
}

// Unbounded starts every transfer immediately.
type Unbounded struct{}

func (Unbounded) Acquire(ctx context.Context) error { return ctx.Err() }

func (Unbounded) Release() {}

// Limited runs at most n transfers at once.
type Limited struct {
	sem *semaphore.Weighted
}

// NewLimited creates a dispatcher allowing n concurrent transfers.
// n < 1 is treated as 1.
func NewLimited(n int) *Limited {
	if n < 1 {
		n = 1
	}
	return &Limited{sem: semaphore.NewWeighted(int64(n))}
}

func (l *Limited) Acquire(ctx context.Context) error { return l.sem.Acquire(ctx, 1) }

func (l *Limited) Release() { l.sem.Release(1) }
