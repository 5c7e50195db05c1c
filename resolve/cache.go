package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/telemetry"
)

// Task outcomes used in metrics.
const (
	outcomeSuccess   = "success"
	outcomeNotFound  = "not_found"
	outcomeExhausted = "exhausted"
	outcomeCancelled = "cancelled"
	outcomeTransient = "transient"
)

// Option configures a Cache.
type Option func(*config)

type config struct {
	logger *slog.Logger
	now    func() time.Time
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	site   boorucache.Site
	kind   string
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithNow sets the time function used for read times.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithRetryPolicy sets the backoff policy. Defaults to TagRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *config) {
		c.sleep = sleep
	}
}

// WithSite labels logs and metrics with the site the cache serves.
func WithSite(site boorucache.Site) Option {
	return func(c *config) {
		c.site = site
	}
}

// WithKind labels logs and metrics with the entity kind.
func WithKind(kind string) Option {
	return func(c *config) {
		c.kind = kind
	}
}

// task is the in-flight resolution of one key.
type task[K comparable, E Entity[K, E]] struct {
	id      string
	key     K
	status  *Status[E]
	retries int
}

// Cache resolves entities of one kind for one site. Concurrent requests
// for the same key share a single task and observe the same outcome.
type Cache[K comparable, E Entity[K, E]] struct {
	fetcher Fetcher[K, E]
	store   Store[K, E]
	cfg     config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu     sync.Mutex
	memory map[K]E
	tasks  map[K]*task[K, E]
	closed bool
}

// New creates a cache backed by store that fetches misses with fetcher.
func New[K comparable, E Entity[K, E]](fetcher Fetcher[K, E], store Store[K, E], opts ...Option) *Cache[K, E] {
	cfg := config{
		logger: slog.Default(),
		now:    time.Now,
		policy: TagRetryPolicy,
		sleep:  sleepContext,
		kind:   "entity",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if cfg.site != "" {
		ctx = telemetry.WithSite(ctx, string(cfg.site))
	}

	return &Cache[K, E]{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		logger:  cfg.logger.With("site", cfg.site, "kind", cfg.kind),
		ctx:     ctx,
		cancel:  cancel,
		memory:  make(map[K]E),
		tasks:   make(map[K]*task[K, E]),
	}
}

// Get returns the entity for key from memory or the store without any
// network access. A hit advances the entity's read time.
func (c *Cache[K, E]) Get(ctx context.Context, key K) (E, bool) {
	if e, ok := c.fromMemory(key); ok {
		telemetry.RecordResolution(c.ctx, c.cfg.kind, telemetry.SourceMemory)
		return e, true
	}

	e, found, err := c.store.Lookup(ctx, key)
	if err != nil {
		c.logger.Warn("store lookup failed", "key", key, "error", err)
		var zero E
		return zero, false
	}
	if !found {
		var zero E
		return zero, false
	}

	e = c.remember(e.WithReadTime(c.cfg.now()))
	c.touchAsync(key, e.ReadTime())
	telemetry.RecordResolution(c.ctx, c.cfg.kind, telemetry.SourceStore)
	return e, true
}

// fromMemory returns the memory entry for key with its read time bumped.
func (c *Cache[K, E]) fromMemory(key K) (E, bool) {
	c.mu.Lock()
	e, ok := c.bumpLocked(key)
	c.mu.Unlock()

	if ok {
		c.touchAsync(key, e.ReadTime())
	}
	return e, ok
}

// bumpLocked advances the read time of the memory entry for key. c.mu
// must be held; the caller persists the new time.
func (c *Cache[K, E]) bumpLocked(key K) (E, bool) {
	e, ok := c.memory[key]
	if ok {
		e = e.WithReadTime(c.cfg.now())
		c.memory[key] = e
	}
	return e, ok
}

// Resolve returns the status of resolving key. A memory hit returns an
// already settled status. Otherwise the caller joins the key's in-flight
// task, or a new task is started.
func (c *Cache[K, E]) Resolve(_ context.Context, key K) *Status[E] {
	c.mu.Lock()
	if e, ok := c.bumpLocked(key); ok {
		c.mu.Unlock()
		c.touchAsync(key, e.ReadTime())
		telemetry.RecordResolution(c.ctx, c.cfg.kind, telemetry.SourceMemory)
		return settledStatus(e)
	}
	if c.closed {
		c.mu.Unlock()
		return abandonedStatus[E]()
	}
	if t, ok := c.tasks[key]; ok {
		c.mu.Unlock()
		telemetry.RecordResolution(c.ctx, c.cfg.kind, telemetry.SourceJoined)
		c.logger.Debug("joined in-flight task", "key", key, "task", t.id)
		return t.status
	}

	t := &task[K, E]{
		id:     uuid.NewString(),
		key:    key,
		status: newStatus[E](),
	}
	c.tasks[key] = t
	c.bg.Add(1)
	c.mu.Unlock()

	go c.run(t)
	return t.status
}

// run drives a task from Waiting to a terminal state.
func (c *Cache[K, E]) run(t *task[K, E]) {
	defer c.bg.Done()
	ctx := c.ctx
	logger := c.logger.With("key", t.key, "task", t.id)

	e, found, err := c.store.Lookup(ctx, t.key)
	switch {
	case err != nil:
		logger.Warn("store lookup failed", "error", err)
	case found:
		e = c.remember(e.WithReadTime(c.cfg.now()))
		if err := c.store.Touch(ctx, t.key, e.ReadTime()); err != nil {
			logger.Warn("persisting read time failed", "error", err)
		}
		telemetry.RecordResolution(ctx, c.cfg.kind, telemetry.SourceStore)
		c.finish(t, State[E]{Phase: Success, Value: e}, outcomeSuccess)
		return
	}

	if err := c.cfg.sleep(ctx, c.cfg.policy.InitialDelay()); err != nil {
		c.cancelTask(t)
		return
	}

	for {
		attempt := t.retries + 1
		t.status.publish(State[E]{Phase: Loading, Attempt: attempt})

		start := time.Now()
		e, err := c.fetcher.Fetch(ctx, t.key)
		if ctx.Err() != nil {
			c.cancelTask(t)
			return
		}

		if err == nil {
			telemetry.RecordFetchAttempt(ctx, c.cfg.kind, outcomeSuccess, time.Since(start))
			e = e.WithReadTime(c.cfg.now())
			if err := c.store.Upsert(ctx, e); err != nil {
				logger.Warn("persisting entity failed", "error", err)
			}
			e = c.remember(e)
			telemetry.RecordResolution(ctx, c.cfg.kind, telemetry.SourceNetwork)
			logger.Debug("resolved", "attempt", attempt)
			c.finish(t, State[E]{Phase: Success, Value: e}, outcomeSuccess)
			return
		}

		if errors.Is(err, boorucache.ErrNotFound) {
			telemetry.RecordFetchAttempt(ctx, c.cfg.kind, outcomeNotFound, time.Since(start))
			logger.Debug("confirmed absent", "attempt", attempt)
			c.finish(t, State[E]{Phase: Error, Err: fmt.Errorf("resolving %v: %w", t.key, err)}, outcomeNotFound)
			return
		}

		telemetry.RecordFetchAttempt(ctx, c.cfg.kind, outcomeTransient, time.Since(start))
		t.retries++
		if t.retries >= MaxRetryCount {
			logger.Warn("giving up", "attempts", t.retries, "error", err)
			c.finish(t, State[E]{Phase: Error, Err: fmt.Errorf("resolving %v: %w: %w", t.key, boorucache.ErrExhaustedRetries, err)}, outcomeExhausted)
			return
		}

		delay := c.cfg.policy.Backoff(t.retries)
		logger.Debug("fetch failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		telemetry.RecordRetry(ctx, c.cfg.kind)
		if err := c.cfg.sleep(ctx, delay); err != nil {
			c.cancelTask(t)
			return
		}
	}
}

// finish removes t from the task table and publishes its terminal state.
// Removal happens first so an observer reacting to Error can start a
// fresh task.
func (c *Cache[K, E]) finish(t *task[K, E], st State[E], outcome string) {
	c.removeTask(t)
	telemetry.RecordTask(c.ctx, c.cfg.kind, outcome)
	t.status.publish(st)
}

func (c *Cache[K, E]) cancelTask(t *task[K, E]) {
	c.removeTask(t)
	telemetry.RecordTask(c.ctx, c.cfg.kind, outcomeCancelled)
	t.status.abandon()
}

func (c *Cache[K, E]) removeTask(t *task[K, E]) {
	c.mu.Lock()
	if c.tasks[t.key] == t {
		delete(c.tasks, t.key)
	}
	c.mu.Unlock()
}

// remember stores e in memory, keeping the later of the two read times,
// and returns the stored value.
func (c *Cache[K, E]) remember(e E) E {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.memory[e.Key()]; ok {
		e = e.WithReadTime(old.ReadTime())
	}
	c.memory[e.Key()] = e
	return e
}

// Add puts entities obtained elsewhere (for example from a post listing)
// into memory and persists them in the background.
func (c *Cache[K, E]) Add(ctx context.Context, e E) {
	c.AddAll(ctx, e)
}

// AddAll is Add for several entities, persisted in one write.
func (c *Cache[K, E]) AddAll(_ context.Context, entities ...E) {
	if len(entities) == 0 {
		return
	}
	stored := make([]E, 0, len(entities))
	for _, e := range entities {
		stored = append(stored, c.remember(e))
	}
	c.background(func(ctx context.Context) {
		if err := c.store.Upsert(ctx, stored...); err != nil {
			c.logger.Warn("persisting entities failed", "count", len(stored), "error", err)
		}
	})
}

func (c *Cache[K, E]) touchAsync(key K, at time.Time) {
	c.background(func(ctx context.Context) {
		if err := c.store.Touch(ctx, key, at); err != nil {
			c.logger.Warn("persisting read time failed", "key", key, "error", err)
		}
	})
}

// background runs fn unless the cache is closed. Close waits for it.
func (c *Cache[K, E]) background(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bg.Done()
		fn(context.WithoutCancel(c.ctx))
	}()
}

// Clear drops every memory entry. Stored entities and in-flight tasks are
// unaffected.
func (c *Cache[K, E]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.memory)
}

// Len returns the number of entities held in memory.
func (c *Cache[K, E]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memory)
}

// Pending returns the number of in-flight tasks.
func (c *Cache[K, E]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Close cancels in-flight tasks and waits for background work. Waiters on
// cancelled tasks receive boorucache.ErrCancelled.
func (c *Cache[K, E]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := len(c.tasks)
	c.mu.Unlock()

	c.cancel()
	c.bg.Wait()
	c.logger.Debug("closed cache", "cancelled", pending)
	return nil
}
