// Package registry holds one lazily created value per site. Entries are
// referenced weakly so a site's value is released once nothing else uses
// it, and recreated on the next request.
package registry

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"weak"

	boorucache "github.com/wolfeidau/booru-cache"
)

// Registry maps sites to values of type V.
type Registry[V any] struct {
	newValue func(boorucache.Site) *V
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[boorucache.Site]weak.Pointer[V]
	created int
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a registry that builds values with newValue.
func New[V any](newValue func(boorucache.Site) *V, opts ...Option) *Registry[V] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[V]{
		newValue: newValue,
		logger:   o.logger,
		entries:  make(map[boorucache.Site]weak.Pointer[V]),
	}
}

// Get returns the value for site, creating it if there is no live one.
// The caller's reference keeps the value alive.
func (r *Registry[V]) Get(site boorucache.Site) *V {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wp, ok := r.entries[site]; ok {
		if v := wp.Value(); v != nil {
			return v
		}
	}

	v := r.newValue(site)
	wp := weak.Make(v)
	r.entries[site] = wp
	r.created++
	runtime.AddCleanup(v, func(site boorucache.Site) { r.prune(site, wp) }, site)
	r.logger.Debug("created site entry", "site", site)
	return v
}

func (r *Registry[V]) prune(site boorucache.Site, wp weak.Pointer[V]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[site]; ok && cur == wp {
		delete(r.entries, site)
		r.logger.Debug("released site entry", "site", site)
	}
}

// Peek returns the live value for site without creating one.
func (r *Registry[V]) Peek(site boorucache.Site) *V {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.entries[site]; ok {
		return wp.Value()
	}
	return nil
}

// Values returns every live value. The returned slice holds strong
// references until the caller drops it.
func (r *Registry[V]) Values() []*V {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make([]*V, 0, len(r.entries))
	for _, wp := range r.entries {
		if v := wp.Value(); v != nil {
			values = append(values, v)
		}
	}
	return values
}

// Live returns the sites whose values are still reachable, sorted.
func (r *Registry[V]) Live() []boorucache.Site {
	r.mu.Lock()
	defer r.mu.Unlock()

	sites := make([]boorucache.Site, 0, len(r.entries))
	for site, wp := range r.entries {
		if wp.Value() != nil {
			sites = append(sites, site)
		}
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}

// Created returns how many values have been built over the registry's life.
func (r *Registry[V]) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}
