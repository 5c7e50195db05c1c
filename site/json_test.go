package site

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	boorucache "github.com/wolfeidau/booru-cache"
)

func newTestServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tags.json", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Query().Get("search[name]") == "hatsune_miku":
			_, _ = w.Write([]byte(`[{"id":7,"name":"hatsune_miku","post_count":120000,"category":4,"created_at":"2013-02-28T04:29:20.000-05:00","updated_at":"2024-01-01T00:00:00.000-05:00"}]`))
		case r.URL.Query().Get("search[name]") == "slow":
			time.Sleep(50 * time.Millisecond)
			_, _ = w.Write([]byte(`[{"id":8,"name":"slow"}]`))
		case r.URL.Query().Get("search[name]") == "blank":
			// Empty body: neither found nor absent.
		case r.URL.Query().Get("search[name]") != "":
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Query().Get("page") == "1":
			_, _ = w.Write([]byte(`[{"id":1,"name":"a","category":0},{"id":2,"name":"b","category":1}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	})
	mux.HandleFunc("GET /users/{file}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("file") {
		case "42.json":
			_, _ = w.Write([]byte(`{"id":42,"name":"albert"}`))
		case "500.json":
			http.Error(w, "oops", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestParser(t *testing.T, srv *httptest.Server) *JSONParser {
	t.Helper()
	p, err := NewJSONParser("danbooru", srv.URL+"/", WithRateLimit(rate.Inf, 1), WithUserAgent("booru-cache-test"))
	require.NoError(t, err)
	return p
}

func TestJSONParser_FetchTag(t *testing.T) {
	p := newTestParser(t, newTestServer(t, nil))
	ctx := context.Background()

	tag, err := p.FetchTag(ctx, "hatsune_miku")
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, int64(7), tag.ID)
	assert.Equal(t, 120000, tag.PostCount)
	assert.Equal(t, boorucache.CategoryCharacter, tag.Category)
	assert.Equal(t, 2013, tag.CreatedAt.Year())

	_, err = p.FetchTag(ctx, "no_such_tag")
	require.ErrorIs(t, err, boorucache.ErrNotFound)

	tag, err = p.FetchTag(ctx, "blank")
	require.NoError(t, err)
	assert.Nil(t, tag)
}

func TestJSONParser_FetchUser(t *testing.T) {
	p := newTestParser(t, newTestServer(t, nil))
	ctx := context.Background()

	user, err := p.FetchUser(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "albert", user.Name)

	_, err = p.FetchUser(ctx, 404)
	require.ErrorIs(t, err, boorucache.ErrNotFound)

	_, err = p.FetchUser(ctx, 500)
	require.Error(t, err)
	assert.NotErrorIs(t, err, boorucache.ErrNotFound)
}

func TestJSONParser_ListTags(t *testing.T) {
	p := newTestParser(t, newTestServer(t, nil))

	tags, err := p.ListTags(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, boorucache.CategoryArtist, tags[1].Category)

	tags, err = p.ListTags(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestJSONParser_MergesIdenticalRequests(t *testing.T) {
	var hits atomic.Int32
	p := newTestParser(t, newTestServer(t, &hits))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tag, err := p.FetchTag(context.Background(), "slow")
			assert.NoError(t, err)
			assert.NotNil(t, tag)
		}()
	}
	wg.Wait()
	assert.Less(t, hits.Load(), int32(5))
}

func TestNewJSONParser_RejectsBadURL(t *testing.T) {
	_, err := NewJSONParser("x", "ftp://example.com")
	require.Error(t, err)
}

func TestJSONParser_SendsAccount(t *testing.T) {
	var login, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		login, key, _ = r.BasicAuth()
		_, _ = w.Write([]byte(`{"id":1,"name":"me"}`))
	}))
	t.Cleanup(srv.Close)

	p, err := NewJSONParser("danbooru", srv.URL, WithRateLimit(rate.Inf, 1), WithAccount("me", "s3cret"))
	require.NoError(t, err)

	_, err = p.FetchUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "me", login)
	assert.Equal(t, "s3cret", key)
}
