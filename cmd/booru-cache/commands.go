package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/download"
	"github.com/wolfeidau/booru-cache/server"
)

// maxParallelResolves bounds how many keys one command resolves at once.
const maxParallelResolves = 8

func rateEvery(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// resolveResult is printed for every requested key.
type resolveResult struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// TagCmd resolves tags.
type TagCmd struct {
	Site  string   `arg:"" help:"Site name."`
	Names []string `arg:"" help:"Tag names."`
}

func (cmd *TagCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	results := make([]resolveResult, len(cmd.Names))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelResolves)
	for i, name := range cmd.Names {
		eg.Go(func() error {
			tag, err := c.ResolveTag(egCtx, boorucache.Site(cmd.Site), name)
			results[i] = result(name, tag, err)
			return fatal(err)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return printJSON(results)
}

// UserCmd resolves users.
type UserCmd struct {
	Site string  `arg:"" help:"Site name."`
	IDs  []int64 `arg:"" name:"id" help:"User ids."`
}

func (cmd *UserCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	results := make([]resolveResult, len(cmd.IDs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelResolves)
	for i, id := range cmd.IDs {
		eg.Go(func() error {
			user, err := c.ResolveUser(egCtx, boorucache.Site(cmd.Site), id)
			results[i] = result(strconv.FormatInt(id, 10), user, err)
			return fatal(err)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return printJSON(results)
}

func result(key string, v any, err error) resolveResult {
	if err != nil {
		return resolveResult{Key: key, Error: err.Error()}
	}
	return resolveResult{Key: key, Value: v}
}

// fatal reports errors that should stop the whole command. Per-key
// resolution failures are printed instead.
func fatal(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, boorucache.ErrCancelled) {
		return err
	}
	return nil
}

// TagsCmd pages through a site's tag listing.
type TagsCmd struct {
	Site  string `arg:"" help:"Site name."`
	Pages int    `help:"Number of pages to load." default:"1"`
}

func (cmd *TagsCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	loader, err := c.TagLoader(boorucache.Site(cmd.Site))
	if err != nil {
		return err
	}
	if err := loader.Refresh(ctx); err != nil {
		return fmt.Errorf("loading page 1: %w", err)
	}
	for page := 2; page <= cmd.Pages && !loader.HasNoMore(); page++ {
		if err := loader.LoadMore(ctx); err != nil {
			return fmt.Errorf("loading page %d: %w", page, err)
		}
	}
	return printJSON(loader.Items())
}

// DownloadCmd downloads one file.
type DownloadCmd struct {
	Site    string `arg:"" help:"Site the file belongs to."`
	URL     string `arg:"" help:"File URL."`
	Post    int64  `help:"Post id."`
	Quality string `help:"Quality label, e.g. original or sample." default:"original"`
	Name    string `help:"Path to publish the file at, relative to the download directory. Defaults to SITE/FILENAME."`
	Referer string `help:"Referer header to send."`
}

func (cmd *DownloadCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	name := cmd.Name
	if name == "" {
		name = path.Join(cmd.Site, path.Base(cmd.URL))
	}
	file, err := c.Download(ctx, download.Request{
		URL:     cmd.URL,
		Site:    boorucache.Site(cmd.Site),
		PostID:  cmd.Post,
		Quality: cmd.Quality,
		Name:    name,
		Referer: cmd.Referer,
	})
	if err != nil {
		return err
	}
	return printJSON(file)
}

// RecentCmd lists recently read entities.
type RecentCmd struct {
	Kind  string `arg:"" enum:"tag,user,download" help:"Entity kind (tag, user or download)."`
	Site  string `arg:"" help:"Site name."`
	Limit int    `help:"Maximum number of entries." default:"20"`
}

func (cmd *RecentCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	s := boorucache.Site(cmd.Site)
	var v any
	switch cmd.Kind {
	case boorucache.KindTag:
		v, err = c.RecentTags(ctx, s, cmd.Limit)
	case boorucache.KindUser:
		v, err = c.RecentUsers(ctx, s, cmd.Limit)
	default:
		v, err = c.History().Recent(ctx, s, cmd.Limit)
	}
	if err != nil {
		return err
	}
	return printJSON(v)
}

// ClearCmd deletes a site's stored history.
type ClearCmd struct {
	Site string `arg:"" help:"Site name."`
}

func (cmd *ClearCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	n, err := c.ClearSite(ctx, boorucache.Site(cmd.Site))
	if err != nil {
		return err
	}
	fmt.Printf("removed %d records from %s\n", n, cmd.Site)
	return nil
}

// SweepCmd runs one temp file sweep.
type SweepCmd struct{}

func (cmd *SweepCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	res := c.Sweep(ctx)
	fmt.Printf("removed %d temp files (%d expired, %d evicted), freed %d bytes in %s\n",
		res.Removed(), res.Expired, res.Evicted, res.BytesFreed, res.Duration.Round(time.Millisecond))
	return nil
}

// ServeCmd serves the JSON API until interrupted.
type ServeCmd struct {
	Address   string `help:"Address to listen on." default:":8080"`
	AuthToken string `help:"Bearer token required on API routes." env:"BOORU_CACHE_TOKEN"`
}

func (cmd *ServeCmd) Run(ctx context.Context, g *Globals) error {
	c, release, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	srv := server.New(server.Config{
		Address:   cmd.Address,
		AuthToken: cmd.AuthToken,
		Logger:    slog.Default(),
	}, c)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
