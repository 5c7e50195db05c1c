package resolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boorucache "github.com/wolfeidau/booru-cache"
)

type memStore struct {
	mu      sync.Mutex
	tags    map[string]boorucache.Tag
	touches int
	upserts int
}

func newMemStore(tags ...boorucache.Tag) *memStore {
	s := &memStore{tags: make(map[string]boorucache.Tag)}
	for _, tag := range tags {
		s.tags[tag.Name] = tag
	}
	return s
}

func (s *memStore) Lookup(_ context.Context, key string) (boorucache.Tag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[key]
	return tag, ok, nil
}

func (s *memStore) Upsert(_ context.Context, tags ...boorucache.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range tags {
		if old, ok := s.tags[tag.Name]; ok {
			tag = tag.WithReadTime(old.ReadAt)
		}
		s.tags[tag.Name] = tag
		s.upserts++
	}
	return nil
}

func (s *memStore) Touch(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	if tag, ok := s.tags[key]; ok {
		s.tags[key] = tag.WithReadTime(at)
	}
	return nil
}

func (s *memStore) get(key string) (boorucache.Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[key]
	return tag, ok
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestCache(t *testing.T, fetcher Fetcher[string, boorucache.Tag], store Store[string, boorucache.Tag], opts ...Option) *Cache[string, boorucache.Tag] {
	t.Helper()
	c := New(fetcher, store, append([]Option{WithSleep(noSleep), WithKind(boorucache.KindTag), WithSite("test")}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SingleFlight(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		fetches.Add(1)
		<-release
		return boorucache.Tag{Name: key, ID: 9}, nil
	})
	c := newTestCache(t, fetcher, newMemStore())

	statuses := make([]*Status[boorucache.Tag], 10)
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = c.Resolve(context.Background(), "scenery")
		}(i)
	}
	wg.Wait()
	close(release)

	for _, s := range statuses {
		require.Same(t, statuses[0], s)
		tag, err := s.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(9), tag.ID)
	}
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, 0, c.Pending())
}

func TestCache_HitAvoidsNetwork(t *testing.T) {
	var fetches atomic.Int32
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		fetches.Add(1)
		return boorucache.Tag{Name: key}, nil
	})
	store := newMemStore()
	c := newTestCache(t, fetcher, store)

	_, err := c.Resolve(context.Background(), "cat").Wait(context.Background())
	require.NoError(t, err)

	s := c.Resolve(context.Background(), "cat")
	assert.Equal(t, Success, s.Current().Phase)
	select {
	case <-s.Done():
	default:
		t.Fatal("memory hit should return a settled status")
	}

	tag, ok := c.Get(context.Background(), "cat")
	require.True(t, ok)
	assert.Equal(t, "cat", tag.Name)
	assert.Equal(t, int32(1), fetches.Load())

	_, persisted := store.get("cat")
	assert.True(t, persisted, "network results are written through to the store")
}

func TestCache_StoreHitSkipsFetch(t *testing.T) {
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		t.Error("fetcher must not be called on a store hit")
		return boorucache.Tag{}, nil
	})
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore(boorucache.Tag{Name: "dog", PostCount: 5, ReadAt: old})
	c := newTestCache(t, fetcher, store, WithNow(func() time.Time { return now }))

	tag, err := c.Resolve(context.Background(), "dog").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, tag.PostCount)
	assert.True(t, now.Equal(tag.ReadAt))

	stored, _ := store.get("dog")
	assert.True(t, now.Equal(stored.ReadAt), "store read time is bumped")
	assert.Equal(t, 1, c.Len())
}

func TestCache_StatusSequence(t *testing.T) {
	var fetches atomic.Int32
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		if fetches.Add(1) < 3 {
			return boorucache.Tag{}, errors.New("connection reset")
		}
		return boorucache.Tag{Name: key}, nil
	})

	gate := make(chan struct{})
	var sleeps atomic.Int32
	sleep := func(ctx context.Context, _ time.Duration) error {
		if sleeps.Add(1) == 1 {
			<-gate
		}
		return ctx.Err()
	}
	c := newTestCache(t, fetcher, newMemStore(), WithSleep(sleep))

	s := c.Resolve(context.Background(), "sky")
	var mu sync.Mutex
	var phases []Phase
	var attempts []int
	stop := s.Observe(func(st State[boorucache.Tag]) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, st.Phase)
		attempts = append(attempts, st.Attempt)
	})
	defer stop()
	close(gate)

	_, err := s.Wait(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{Waiting, Loading, Loading, Loading, Success}, phases)
	assert.Equal(t, []int{0, 1, 2, 3, 0}, attempts)
	assert.Equal(t, int32(3), fetches.Load())
}

func TestCache_ExhaustedRetriesThenFreshTask(t *testing.T) {
	var fetches atomic.Int32
	cause := errors.New("503 service unavailable")
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		fetches.Add(1)
		return boorucache.Tag{}, cause
	})
	c := newTestCache(t, fetcher, newMemStore())

	first := c.Resolve(context.Background(), "rain")
	_, err := first.Wait(context.Background())
	require.ErrorIs(t, err, boorucache.ErrExhaustedRetries)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, int32(MaxRetryCount), fetches.Load())
	assert.Equal(t, 0, c.Pending())

	second := c.Resolve(context.Background(), "rain")
	assert.NotSame(t, first, second)
	_, err = second.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2*MaxRetryCount), fetches.Load())

	// The old status keeps its stale error.
	assert.Equal(t, Error, first.Current().Phase)
}

func TestCache_NotFoundIsNotRetried(t *testing.T) {
	var fetches atomic.Int32
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		fetches.Add(1)
		return boorucache.Tag{}, boorucache.ErrNotFound
	})
	c := newTestCache(t, fetcher, newMemStore())

	_, err := c.Resolve(context.Background(), "nope").Wait(context.Background())
	require.ErrorIs(t, err, boorucache.ErrNotFound)
	assert.NotErrorIs(t, err, boorucache.ErrExhaustedRetries)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestCache_EmptyResultIsTransient(t *testing.T) {
	var fetches atomic.Int32
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		if fetches.Add(1) == 1 {
			return boorucache.Tag{}, boorucache.ErrEmptyResult
		}
		return boorucache.Tag{Name: key}, nil
	})
	c := newTestCache(t, fetcher, newMemStore())

	_, err := c.Resolve(context.Background(), "flower").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestCache_CloseCancelsTasks(t *testing.T) {
	started := make(chan struct{})
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		close(started)
		<-ctx.Done()
		return boorucache.Tag{}, ctx.Err()
	})
	c := New[string, boorucache.Tag](fetcher, newMemStore(), WithSleep(noSleep))

	s := c.Resolve(context.Background(), "slow")
	var sawError atomic.Bool
	s.Observe(func(st State[boorucache.Tag]) {
		if st.Phase == Error {
			sawError.Store(true)
		}
	})
	<-started

	require.NoError(t, c.Close())

	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, boorucache.ErrCancelled)
	assert.False(t, sawError.Load(), "cancellation is not an error state")
	assert.Equal(t, 0, c.Pending())

	_, err = c.Resolve(context.Background(), "after-close").Wait(context.Background())
	require.ErrorIs(t, err, boorucache.ErrCancelled)
}

func TestCache_ReadTimeNeverMovesBackwards(t *testing.T) {
	var clock atomic.Int64
	clock.Store(1000)
	now := func() time.Time { return time.Unix(clock.Load(), 0) }
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		return boorucache.Tag{Name: key}, nil
	})
	c := newTestCache(t, fetcher, newMemStore(), WithNow(now))

	tag, err := c.Resolve(context.Background(), "sea").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tag.ReadAt.Unix())

	clock.Store(2000)
	tag, ok := c.Get(context.Background(), "sea")
	require.True(t, ok)
	assert.Equal(t, int64(2000), tag.ReadAt.Unix())

	// An older copy added later does not regress the read time.
	c.Add(context.Background(), boorucache.Tag{Name: "sea", PostCount: 3, ReadAt: time.Unix(10, 0)})
	clock.Store(500)
	tag, ok = c.Get(context.Background(), "sea")
	require.True(t, ok)
	assert.Equal(t, int64(2000), tag.ReadAt.Unix())
	assert.Equal(t, 3, tag.PostCount)
}

func TestCache_ResolveMemoryHitBumpsReadTime(t *testing.T) {
	var clock atomic.Int64
	clock.Store(1000)
	now := func() time.Time { return time.Unix(clock.Load(), 0) }
	fetcher := FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		return boorucache.Tag{Name: key}, nil
	})
	store := newMemStore()
	c := newTestCache(t, fetcher, store, WithNow(now))

	_, err := c.Resolve(context.Background(), "sky").Wait(context.Background())
	require.NoError(t, err)

	clock.Store(3000)
	tag, err := c.Resolve(context.Background(), "sky").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3000), tag.ReadAt.Unix())

	// Close drains the background read-time writes.
	require.NoError(t, c.Close())
	stored, ok := store.get("sky")
	require.True(t, ok)
	assert.Equal(t, int64(3000), stored.ReadAt.Unix())
}

func TestCache_AddAllPersists(t *testing.T) {
	store := newMemStore()
	c := New[string, boorucache.Tag](FetchFunc[string, boorucache.Tag](func(ctx context.Context, key string) (boorucache.Tag, error) {
		return boorucache.Tag{}, boorucache.ErrNotFound
	}), store, WithSleep(noSleep))

	c.AddAll(context.Background(), boorucache.Tag{Name: "a"}, boorucache.Tag{Name: "b"})
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Close())
	_, ok := store.get("a")
	assert.True(t, ok)
	_, ok = store.get("b")
	assert.True(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Base: 500 * time.Millisecond, Jitter: 300 * time.Millisecond, InitialJitter: 200 * time.Millisecond}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	for retries := 1; retries < MaxRetryCount; retries++ {
		for range 50 {
			d := p.Backoff(retries)
			assert.GreaterOrEqual(t, d, time.Duration(retries)*p.Base)
			assert.Less(t, d, time.Duration(retries)*(p.Base+p.Jitter))
		}
	}
	for range 50 {
		assert.Less(t, p.InitialDelay(), p.InitialJitter)
	}

	fixed := RetryPolicy{Base: time.Second}
	assert.Equal(t, 2*time.Second, fixed.Backoff(2))
	assert.Equal(t, time.Duration(0), fixed.InitialDelay())
}
