// Package site defines the per-site Parser capability, a directory of
// parsers by site name, and a JSON client for Danbooru-style APIs.
package site

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/resolve"
)

// ErrUnknownSite is returned when no parser is registered for a site.
var ErrUnknownSite = errors.New("unknown site")

// Parser fetches entities from one site.
//
// An error wrapping boorucache.ErrNotFound means the site confirmed the
// entity does not exist. A nil entity with a nil error means the response
// could not be interpreted either way.
type Parser interface {
	FetchTag(ctx context.Context, name string) (*boorucache.Tag, error)
	FetchUser(ctx context.Context, id int64) (*boorucache.User, error)
}

// Lister is implemented by parsers that can page through a site's tags.
type Lister interface {
	ListTags(ctx context.Context, page int) ([]boorucache.Tag, error)
}

// Directory maps site names to parsers. It is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	parsers map[boorucache.Site]Parser
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{parsers: make(map[boorucache.Site]Parser)}
}

// Register sets the parser for site, replacing any previous one.
func (d *Directory) Register(site boorucache.Site, p Parser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parsers[site] = p
}

// Lookup returns the parser for site.
func (d *Directory) Lookup(site boorucache.Site) (Parser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.parsers[site]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	return p, nil
}

// Sites returns the registered site names, sorted.
func (d *Directory) Sites() []boorucache.Site {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sites := make([]boorucache.Site, 0, len(d.parsers))
	for s := range d.parsers {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}

// TagFetcher adapts p to a resolve.Fetcher for tags.
func TagFetcher(p Parser) resolve.FetchFunc[string, boorucache.Tag] {
	return func(ctx context.Context, name string) (boorucache.Tag, error) {
		tag, err := p.FetchTag(ctx, name)
		if err != nil {
			return boorucache.Tag{}, err
		}
		if tag == nil {
			return boorucache.Tag{}, fmt.Errorf("tag %q: %w", name, boorucache.ErrEmptyResult)
		}
		return *tag, nil
	}
}

// UserFetcher adapts p to a resolve.Fetcher for users.
func UserFetcher(p Parser) resolve.FetchFunc[int64, boorucache.User] {
	return func(ctx context.Context, id int64) (boorucache.User, error) {
		user, err := p.FetchUser(ctx, id)
		if err != nil {
			return boorucache.User{}, err
		}
		if user == nil {
			return boorucache.User{}, fmt.Errorf("user %d: %w", id, boorucache.ErrEmptyResult)
		}
		return *user, nil
	}
}
