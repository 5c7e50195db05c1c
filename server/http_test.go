package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/download"
	"github.com/wolfeidau/booru-cache/site"
)

type fakeCache struct {
	lastDownload download.Request
}

func (f *fakeCache) ResolveTag(_ context.Context, s boorucache.Site, name string) (boorucache.Tag, error) {
	switch {
	case s != "danbooru":
		return boorucache.Tag{}, site.ErrUnknownSite
	case name == "missing":
		return boorucache.Tag{}, fmt.Errorf("resolving %s: %w", name, boorucache.ErrNotFound)
	case name == "flaky":
		return boorucache.Tag{}, fmt.Errorf("resolving %s: %w: %w", name, boorucache.ErrExhaustedRetries, boorucache.ErrEmptyResult)
	}
	return boorucache.Tag{Name: name, ID: 9}, nil
}

func (f *fakeCache) ResolveUser(_ context.Context, _ boorucache.Site, id int64) (boorucache.User, error) {
	return boorucache.User{ID: id, Name: "albert"}, nil
}

func (f *fakeCache) RecentTags(context.Context, boorucache.Site, int) ([]boorucache.Tag, error) {
	return []boorucache.Tag{{Name: "a"}, {Name: "b"}}, nil
}

func (f *fakeCache) RecentUsers(context.Context, boorucache.Site, int) ([]boorucache.User, error) {
	return nil, nil
}

func (f *fakeCache) Download(_ context.Context, req download.Request) (boorucache.DownloadedFile, error) {
	f.lastDownload = req
	return boorucache.DownloadedFile{URL: req.URL, Site: req.Site, Size: 3}, nil
}

func (f *fakeCache) ClearSite(context.Context, boorucache.Site) (int, error) {
	return 7, nil
}

func newTestServer(t *testing.T) (*fakeCache, http.Handler) {
	t.Helper()
	cache := &fakeCache{}
	s := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, cache)
	return cache, s.Handler()
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestServer_Health(t *testing.T) {
	_, h := newTestServer(t)
	rec := serve(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Tag(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/sites/danbooru/tags/touhou", http.StatusOK},
		{"/v1/sites/danbooru/tags/missing", http.StatusNotFound},
		{"/v1/sites/gelbooru/tags/touhou", http.StatusNotFound},
		{"/v1/sites/danbooru/tags/flaky", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.path, "")
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := serve(h, http.MethodGet, "/v1/sites/danbooru/tags/touhou", "")
	var tag boorucache.Tag
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tag))
	assert.Equal(t, "touhou", tag.Name)
}

func TestServer_User(t *testing.T) {
	_, h := newTestServer(t)

	rec := serve(h, http.MethodGet, "/v1/sites/danbooru/users/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var user boorucache.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.Equal(t, int64(42), user.ID)

	for _, bad := range []string{"abc", "0", "-3"} {
		rec := serve(h, http.MethodGet, "/v1/sites/danbooru/users/"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestServer_Recent(t *testing.T) {
	_, h := newTestServer(t)

	rec := serve(h, http.MethodGet, "/v1/sites/danbooru/recent/tags?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tags []boorucache.Tag
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tags))
	assert.Len(t, tags, 2)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/v1/sites/danbooru/recent/tags?limit=x", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/v1/sites/danbooru/recent/posts", "").Code)
}

func TestServer_Clear(t *testing.T) {
	_, h := newTestServer(t)
	rec := serve(h, http.MethodDelete, "/v1/sites/danbooru", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":7}`, rec.Body.String())
}

func TestServer_Download(t *testing.T) {
	cache, h := newTestServer(t)

	rec := serve(h, http.MethodPost, "/v1/downloads",
		`{"url":"https://cdn.example/1.jpg","site":"danbooru","post_id":1,"quality":"original","name":"danbooru/1.jpg"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "danbooru/1.jpg", cache.lastDownload.Name)
	assert.Equal(t, boorucache.Site("danbooru"), cache.lastDownload.Site)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/v1/downloads", `{"url":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/v1/downloads", `{"bogus":1}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/v1/downloads", "").Code)
}
