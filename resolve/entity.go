// Package resolve implements single-flight resolution of site entities
// through memory, a persistent store and the network, with bounded
// jittered retries and observable per-key status.
package resolve

import (
	"context"
	"time"
)

// Entity is a value the cache can resolve. Implementations are plain
// values; WithReadTime returns an updated copy and must never move the
// read time backwards.
type Entity[K comparable, E any] interface {
	Key() K
	ReadTime() time.Time
	WithReadTime(at time.Time) E
}

// Fetcher retrieves an entity from the network.
//
// Returning an error wrapping boorucache.ErrNotFound reports that the site
// confirmed the entity does not exist; it is not retried. Any other error,
// including boorucache.ErrEmptyResult, is treated as transient.
type Fetcher[K comparable, E any] interface {
	Fetch(ctx context.Context, key K) (E, error)
}

// FetchFunc adapts a function to a Fetcher.
type FetchFunc[K comparable, E any] func(ctx context.Context, key K) (E, error)

// Fetch calls f.
func (f FetchFunc[K, E]) Fetch(ctx context.Context, key K) (E, error) {
	return f(ctx, key)
}

// Store persists entities across process restarts.
type Store[K comparable, E any] interface {
	// Lookup returns the stored entity. A missing entity is found == false
	// with a nil error.
	Lookup(ctx context.Context, key K) (e E, found bool, err error)
	// Upsert writes entities; it must be idempotent.
	Upsert(ctx context.Context, entities ...E) error
	// Touch advances the stored read time only.
	Touch(ctx context.Context, key K, at time.Time) error
}
