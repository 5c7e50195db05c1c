package registry

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boorucache "github.com/wolfeidau/booru-cache"
)

type siteCache struct {
	site    boorucache.Site
	entries map[string]int
}

func newSiteCache(site boorucache.Site) *siteCache {
	return &siteCache{site: site, entries: make(map[string]int)}
}

func TestRegistry_GetReturnsSameLiveValue(t *testing.T) {
	r := New(newSiteCache)

	a := r.Get("danbooru")
	b := r.Get("danbooru")
	c := r.Get("yandere")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, boorucache.Site("yandere"), c.site)
	assert.Equal(t, 2, r.Created())
	assert.Equal(t, []boorucache.Site{"danbooru", "yandere"}, r.Live())

	runtime.KeepAlive(a)
	runtime.KeepAlive(c)
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := New(newSiteCache)

	results := make([]*siteCache, 20)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("danbooru")
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Same(t, results[0], v)
	}
	assert.Equal(t, 1, r.Created())
}

func TestRegistry_ReleasesUnreferencedValues(t *testing.T) {
	r := New(newSiteCache)

	func() {
		v := r.Get("danbooru")
		v.entries["x"] = 1
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(r.Live()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	v := r.Get("danbooru")
	assert.Empty(t, v.entries, "a released site gets a fresh value")
	assert.Equal(t, 2, r.Created())
	runtime.KeepAlive(v)
}

func TestRegistry_PeekAndValues(t *testing.T) {
	r := New(newSiteCache)

	assert.Nil(t, r.Peek("danbooru"))
	v := r.Get("danbooru")
	assert.Same(t, v, r.Peek("danbooru"))
	assert.Equal(t, []*siteCache{v}, r.Values())
	assert.Equal(t, 1, r.Created(), "peek never creates")
	runtime.KeepAlive(v)
}
