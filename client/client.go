// Package client wires the stores, resolution caches, download coalescer
// and sweep into one explicitly constructed object.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/backend"
	"github.com/wolfeidau/booru-cache/download"
	"github.com/wolfeidau/booru-cache/merge"
	"github.com/wolfeidau/booru-cache/registry"
	"github.com/wolfeidau/booru-cache/resolve"
	"github.com/wolfeidau/booru-cache/site"
	"github.com/wolfeidau/booru-cache/store"
	"github.com/wolfeidau/booru-cache/store/metadb"
	"github.com/wolfeidau/booru-cache/sweep"
)

// TagCache resolves tags for one site.
type TagCache = resolve.Cache[string, boorucache.Tag]

// UserCache resolves users for one site.
type UserCache = resolve.Cache[int64, boorucache.User]

// Config configures a Client.
type Config struct {
	// DataDir holds the metadata database.
	DataDir string

	// DownloadDir is where downloads are published.
	DownloadDir string

	// MaxConcurrentDownloads limits parallel transfers. Zero means no limit.
	MaxConcurrentDownloads int

	// KeepFailedTemp leaves temp files of failed downloads for the sweep.
	KeepFailedTemp bool

	// Sweep configures temp file cleanup. A zero CheckInterval disables
	// the background sweep.
	Sweep sweep.Config

	// TagRetry and UserRetry override the default retry policies.
	TagRetry  *resolve.RetryPolicy
	UserRetry *resolve.RetryPolicy

	// NoSync disables fsync on metadata writes.
	NoSync bool

	Logger *slog.Logger
}

// Client is the composition root. Create one per process with New and
// pass it to consumers.
type Client struct {
	config  Config
	logger  *slog.Logger
	db      *metadb.BoltDB
	parsers *site.Directory

	tags  *registry.Registry[TagCache]
	users *registry.Registry[UserCache]

	files     *backend.InstrumentedBackend
	history   *store.Downloads
	downloads *download.Coalescer
	sweeper   *sweep.Manager
}

// New opens the database and builds a client serving the sites in parsers.
func New(ctx context.Context, cfg Config, parsers *site.Directory, opts ...download.Option) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataDir == "" || cfg.DownloadDir == "" {
		return nil, errors.New("client: data and download directories are required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "booru-cache.db"),
		metadb.WithLogger(cfg.Logger), metadb.WithNoSync(cfg.NoSync))
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	fs, err := backend.NewFilesystem(cfg.DownloadDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating download directory: %w", err)
	}

	c := &Client{
		config:  cfg,
		logger:  cfg.Logger,
		db:      db,
		parsers: parsers,
		files:   backend.NewInstrumentedBackend(fs),
		history: store.NewDownloads(db),
	}
	c.tags = registry.New(c.newTagCache, registry.WithLogger(cfg.Logger))
	c.users = registry.New(c.newUserCache, registry.WithLogger(cfg.Logger))

	var dispatcher download.Dispatcher = download.Unbounded{}
	if cfg.MaxConcurrentDownloads > 0 {
		dispatcher = download.NewLimited(cfg.MaxConcurrentDownloads)
	}
	c.downloads = download.New(c.files, append([]download.Option{
		download.WithLogger(cfg.Logger),
		download.WithDispatcher(dispatcher),
		download.WithKeepFailedTemp(cfg.KeepFailedTemp),
		download.WithHistory(c.history),
	}, opts...)...)

	if cfg.Sweep.CheckInterval > 0 {
		sweepCfg := cfg.Sweep
		sweepCfg.InUse = c.downloads.Writing
		if sweepCfg.Logger == nil {
			sweepCfg.Logger = cfg.Logger
		}
		c.sweeper = sweep.NewManager(c.files, sweepCfg)
		c.sweeper.Start(ctx)
	}

	return c, nil
}

func (c *Client) newTagCache(s boorucache.Site) *TagCache {
	// Sites are validated before the registry is asked.
	p, _ := c.parsers.Lookup(s)
	policy := resolve.TagRetryPolicy
	if c.config.TagRetry != nil {
		policy = *c.config.TagRetry
	}
	return resolve.New(site.TagFetcher(p), store.Tags(c.db, s, store.WithLogger(c.logger)),
		resolve.WithLogger(c.logger),
		resolve.WithRetryPolicy(policy),
		resolve.WithSite(s),
		resolve.WithKind(boorucache.KindTag),
	)
}

func (c *Client) newUserCache(s boorucache.Site) *UserCache {
	p, _ := c.parsers.Lookup(s)
	policy := resolve.UserRetryPolicy
	if c.config.UserRetry != nil {
		policy = *c.config.UserRetry
	}
	return resolve.New(site.UserFetcher(p), store.Users(c.db, s, store.WithLogger(c.logger)),
		resolve.WithLogger(c.logger),
		resolve.WithRetryPolicy(policy),
		resolve.WithSite(s),
		resolve.WithKind(boorucache.KindUser),
	)
}

// Tags returns the tag cache for s. The cache lives while the caller
// holds it.
func (c *Client) Tags(s boorucache.Site) (*TagCache, error) {
	if _, err := c.parsers.Lookup(s); err != nil {
		return nil, err
	}
	return c.tags.Get(s), nil
}

// Users returns the user cache for s.
func (c *Client) Users(s boorucache.Site) (*UserCache, error) {
	if _, err := c.parsers.Lookup(s); err != nil {
		return nil, err
	}
	return c.users.Get(s), nil
}

// ResolveTag resolves one tag and waits for the outcome.
func (c *Client) ResolveTag(ctx context.Context, s boorucache.Site, name string) (boorucache.Tag, error) {
	cache, err := c.Tags(s)
	if err != nil {
		return boorucache.Tag{}, err
	}
	return cache.Resolve(ctx, name).Wait(ctx)
}

// ResolveUser resolves one user and waits for the outcome.
func (c *Client) ResolveUser(ctx context.Context, s boorucache.Site, id int64) (boorucache.User, error) {
	cache, err := c.Users(s)
	if err != nil {
		return boorucache.User{}, err
	}
	return cache.Resolve(ctx, id).Wait(ctx)
}

// TagLoader returns a loader paging through the site's tag listing. Every
// fetched page is also added to the site's tag cache.
func (c *Client) TagLoader(s boorucache.Site) (*merge.Loader[string, boorucache.Tag], error) {
	p, err := c.parsers.Lookup(s)
	if err != nil {
		return nil, err
	}
	lister, ok := p.(site.Lister)
	if !ok {
		return nil, fmt.Errorf("site %s does not support tag listings", s)
	}
	cache := c.tags.Get(s)

	fetch := func(ctx context.Context, page int) ([]boorucache.Tag, error) {
		tags, err := lister.ListTags(ctx, page)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		stamped := make([]boorucache.Tag, len(tags))
		for i, t := range tags {
			stamped[i] = t.WithReadTime(now)
		}
		cache.AddAll(ctx, stamped...)
		return stamped, nil
	}
	return merge.NewLoader(boorucache.Tag.Key, fetch, merge.WithLogger(c.logger)), nil
}

// Download fetches req unless another caller already is, and waits.
func (c *Client) Download(ctx context.Context, req download.Request) (boorucache.DownloadedFile, error) {
	return c.downloads.Download(ctx, req)
}

// Downloads returns the coalescer for callback-style use.
func (c *Client) Downloads() *download.Coalescer {
	return c.downloads
}

// RecentTags returns up to limit stored tags of s, most recently read
// first.
func (c *Client) RecentTags(ctx context.Context, s boorucache.Site, limit int) ([]boorucache.Tag, error) {
	return store.Tags(c.db, s, store.WithLogger(c.logger)).Recent(ctx, limit)
}

// RecentUsers returns up to limit stored users of s, most recently read
// first.
func (c *Client) RecentUsers(ctx context.Context, s boorucache.Site, limit int) ([]boorucache.User, error) {
	return store.Users(c.db, s, store.WithLogger(c.logger)).Recent(ctx, limit)
}

// History returns the completed download history.
func (c *Client) History() *store.Downloads {
	return c.history
}

// Sweep runs one temp file sweep now.
func (c *Client) Sweep(ctx context.Context) sweep.Result {
	cfg := c.config.Sweep
	cfg.InUse = c.downloads.Writing
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return sweep.NewManager(c.files, cfg).RunOnce(ctx)
}

// ClearSite deletes the stored history of s and empties its live caches.
func (c *Client) ClearSite(ctx context.Context, s boorucache.Site) (int, error) {
	n, err := store.ClearSite(ctx, c.db, s)
	if err != nil {
		return n, err
	}
	if cache := c.tags.Peek(s); cache != nil {
		cache.Clear()
	}
	if cache := c.users.Peek(s); cache != nil {
		cache.Clear()
	}
	return n, nil
}

// Close stops background work, cancels in-flight tasks and closes the
// database.
func (c *Client) Close() error {
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	_ = c.downloads.Close()
	for _, cache := range c.tags.Values() {
		_ = cache.Close()
	}
	for _, cache := range c.users.Values() {
		_ = cache.Close()
	}
	return c.db.Close()
}
