// Package download coalesces concurrent download requests for the same
// URL into one transfer. Files are streamed to a "<name>_tmp" temp file
// and atomically published when the transfer completes.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/backend"
	"github.com/wolfeidau/booru-cache/telemetry"
)

// ErrClosed is reported to subscribers that arrive after Close.
var ErrClosed = errors.New("download: coalescer closed")

// Request describes a file to download.
type Request struct {
	URL     string
	Site    boorucache.Site
	PostID  int64
	Quality string
	// Name is the path the file is published at, relative to the backend
	// root.
	Name string
	// Referer is sent with the request when set; some CDNs require it.
	Referer string
}

// Subscriber receives the callbacks of one transfer. Registration is by
// pointer: subscribing the same *Subscriber twice has no effect.
type Subscriber struct {
	OnProgress func(Progress)
	OnSuccess  func(boorucache.DownloadedFile)
	OnError    func(error)
	// OnCancel is called if the transfer is cancelled. Cancelled
	// transfers never call OnSuccess or OnError.
	OnCancel func()
}

// History records completed downloads.
type History interface {
	RecordDownload(ctx context.Context, f boorucache.DownloadedFile) error
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithLogger sets the logger for the coalescer.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coalescer) {
		c.logger = logger
	}
}

// WithDispatcher sets the dispatcher. Defaults to Unbounded.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Coalescer) {
		c.dispatcher = d
	}
}

// WithDispatchNext sets a hook called after every transfer settles,
// including cancelled ones.
func WithDispatchNext(fn func()) Option {
	return func(c *Coalescer) {
		c.dispatchNext = fn
	}
}

// WithKeepFailedTemp controls whether temp files of failed transfers are
// left on disk. Defaults to true.
func WithKeepFailedTemp(keep bool) Option {
	return func(c *Coalescer) {
		c.keepFailedTemp = keep
	}
}

// WithHistory records completed downloads in h.
func WithHistory(h History) Option {
	return func(c *Coalescer) {
		c.history = h
	}
}

// WithTransfer replaces the transfer client. Defaults to NewHTTPTransfer().
func WithTransfer(t Transfer) Option {
	return func(c *Coalescer) {
		c.transfer = t
	}
}

// WithNow sets the time function used for completion times.
func WithNow(now func() time.Time) Option {
	return func(c *Coalescer) {
		c.now = now
	}
}

type task struct {
	id          string
	req         Request
	subscribers []*Subscriber
	cancel      context.CancelFunc
	cancelled   bool
	// committing is set once the transfer is past the point where a
	// cancel can still stop the file being published.
	committing bool
	done       chan struct{}
	// prev is the cancelled task for the same URL that may still hold the
	// temp file.
	prev <-chan struct{}
}

// Coalescer runs at most one transfer per URL and fans its callbacks out
// to every subscriber.
type Coalescer struct {
	backend        backend.Backend
	transfer       Transfer
	dispatcher     Dispatcher
	dispatchNext   func()
	history        History
	keepFailedTemp bool
	logger         *slog.Logger
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*task
	draining map[string]*task
	closed   bool
}

// New creates a coalescer that publishes files into b.
func New(b backend.Backend, opts ...Option) *Coalescer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coalescer{
		backend:        b,
		dispatcher:     Unbounded{},
		keepFailedTemp: true,
		logger:         slog.Default(),
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		tasks:          make(map[string]*task),
		draining:       make(map[string]*task),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transfer == nil {
		c.transfer = NewHTTPTransfer()
	}
	return c
}

// Request subscribes sub to the transfer of req.URL, starting it if none
// is in flight. It returns true when a new transfer was started.
func (c *Coalescer) Request(req Request, sub *Subscriber) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if sub != nil && sub.OnError != nil {
			sub.OnError(ErrClosed)
		}
		return false
	}

	if t, ok := c.tasks[req.URL]; ok {
		if sub != nil && !slices.Contains(t.subscribers, sub) {
			t.subscribers = append(t.subscribers, sub)
		}
		c.mu.Unlock()
		telemetry.RecordDownloadJoin(telemetry.WithSite(c.ctx, string(req.Site)))
		c.logger.Debug("joined download", "url", req.URL, "task", t.id)
		return false
	}

	ctx, cancel := context.WithCancel(telemetry.WithSite(c.ctx, string(req.Site)))
	t := &task{
		id:     uuid.NewString(),
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if sub != nil {
		t.subscribers = append(t.subscribers, sub)
	}
	if prev, ok := c.draining[req.URL]; ok {
		t.prev = prev.done
	}
	c.tasks[req.URL] = t
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("starting download", "url", req.URL, "name", req.Name, "task", t.id)
	go c.run(ctx, t)
	return true
}

// Cancel stops the transfer of url for every subscriber. It returns false
// if no transfer was in flight or the file is already being published.
// Subscribers receive OnCancel only.
func (c *Coalescer) Cancel(url string) bool {
	c.mu.Lock()
	t, ok := c.tasks[url]
	if ok && t.committing {
		ok = false
	}
	if ok {
		t.cancelled = true
		delete(c.tasks, url)
		c.draining[url] = t
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	t.cancel()
	c.logger.Debug("cancelled download", "url", url, "task", t.id)
	return true
}

// Pending returns the number of transfers in flight.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Active reports whether url has a transfer in flight.
func (c *Coalescer) Active(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[url]
	return ok
}

// Writing reports whether tempPath belongs to a transfer that has not
// settled. The sweep uses it to leave live temp files alone.
func (c *Coalescer) Writing(tempPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, set := range []map[string]*task{c.tasks, c.draining} {
		for _, t := range set {
			if c.backend.Path(t.req.Name)+backend.TempSuffix == tempPath {
				return true
			}
		}
	}
	return false
}

// Close cancels every transfer and waits for them to stop.
func (c *Coalescer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for url, t := range c.tasks {
		if !t.committing {
			t.cancelled = true
		}
		delete(c.tasks, url)
		c.draining[url] = t
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coalescer) run(ctx context.Context, t *task) {
	defer c.wg.Done()
	defer close(t.done)
	defer t.cancel()
	start := time.Now()

	if t.prev != nil {
		select {
		case <-t.prev:
		case <-ctx.Done():
			c.settle(ctx, t, nil, nil)
			return
		}
	}

	if err := c.dispatcher.Acquire(ctx); err != nil {
		c.settle(ctx, t, nil, err)
		return
	}
	defer c.dispatcher.Release()

	file, err := c.download(ctx, t)
	telemetry.RecordDownload(ctx, downloadOutcome(ctx, err), file.Size, time.Since(start))
	c.settle(ctx, t, &file, err)
}

func (c *Coalescer) download(ctx context.Context, t *task) (boorucache.DownloadedFile, error) {
	req := t.req
	file := boorucache.DownloadedFile{
		URL:     req.URL,
		Site:    req.Site,
		PostID:  req.PostID,
		Quality: req.Quality,
		Path:    c.backend.Path(req.Name),
	}

	pf, err := c.backend.Writer(ctx, req.Name)
	if err != nil {
		return file, fmt.Errorf("opening %s: %w", req.Name, err)
	}

	cw := boorucache.NewChecksumWriter(pf)
	_, err = c.transfer.Transfer(ctx, req, cw, func(p Progress) { c.progress(t, p) })
	if err != nil {
		if abortErr := pf.Abort(c.keepFailedTemp); abortErr != nil {
			c.logger.Warn("aborting temp file failed", "path", pf.TempPath(), "error", abortErr)
		}
		return file, err
	}

	c.mu.Lock()
	cancelled := t.cancelled
	if !cancelled {
		t.committing = true
	}
	c.mu.Unlock()
	if cancelled {
		if abortErr := pf.Abort(c.keepFailedTemp); abortErr != nil {
			c.logger.Warn("aborting temp file failed", "path", pf.TempPath(), "error", abortErr)
		}
		return file, boorucache.ErrCancelled
	}

	if err := pf.Commit(); err != nil {
		return file, fmt.Errorf("publishing %s: %w", req.Name, err)
	}

	file.Size = cw.BytesWritten()
	file.Checksum = cw.Sum()
	file.CompletedAt = c.now()

	if c.history != nil {
		if err := c.history.RecordDownload(context.WithoutCancel(ctx), file); err != nil {
			c.logger.Warn("recording download failed", "url", req.URL, "error", err)
		}
	}
	return file, nil
}

func (c *Coalescer) progress(t *task, p Progress) {
	c.mu.Lock()
	if t.cancelled {
		c.mu.Unlock()
		return
	}
	subs := slices.Clone(t.subscribers)
	c.mu.Unlock()

	for _, s := range subs {
		if s.OnProgress != nil {
			s.OnProgress(p)
		}
	}
}

// settle removes t from the table and notifies its subscribers. file is
// nil when the transfer never started.
func (c *Coalescer) settle(ctx context.Context, t *task, file *boorucache.DownloadedFile, err error) {
	c.mu.Lock()
	if c.tasks[t.req.URL] == t {
		delete(c.tasks, t.req.URL)
	}
	if c.draining[t.req.URL] == t {
		delete(c.draining, t.req.URL)
	}
	cancelled := t.cancelled || (err != nil && ctx.Err() != nil)
	subs := slices.Clone(t.subscribers)
	c.mu.Unlock()

	logger := c.logger.With("url", t.req.URL, "task", t.id)
	switch {
	case cancelled:
		logger.Debug("download cancelled")
		for _, s := range subs {
			if s.OnCancel != nil {
				s.OnCancel()
			}
		}
	case err != nil:
		logger.Warn("download failed", "error", err)
		for _, s := range subs {
			if s.OnError != nil {
				s.OnError(err)
			}
		}
	default:
		logger.Info("download complete", "path", file.Path, "size", file.Size, "checksum", file.Checksum.Short())
		for _, s := range subs {
			if s.OnSuccess != nil {
				s.OnSuccess(*file)
			}
		}
	}

	if c.dispatchNext != nil {
		c.dispatchNext()
	}
}

func downloadOutcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case ctx.Err() != nil:
		return "cancelled"
	case errors.Is(err, boorucache.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Download requests req and blocks until it settles or ctx is done. A
// cancelled transfer returns boorucache.ErrCancelled.
func (c *Coalescer) Download(ctx context.Context, req Request) (boorucache.DownloadedFile, error) {
	type result struct {
		file boorucache.DownloadedFile
		err  error
	}
	ch := make(chan result, 1)
	sub := &Subscriber{
		OnSuccess: func(f boorucache.DownloadedFile) { ch <- result{file: f} },
		OnError:   func(err error) { ch <- result{err: err} },
		OnCancel:  func() { ch <- result{err: boorucache.ErrCancelled} },
	}
	c.Request(req, sub)

	select {
	case r := <-ch:
		return r.file, r.err
	case <-ctx.Done():
		return boorucache.DownloadedFile{}, ctx.Err()
	}
}
