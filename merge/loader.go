package merge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wolfeidau/booru-cache/telemetry"
)

// ErrSuperseded is returned by a fetch whose result was discarded because
// a newer operation started on the same loader.
var ErrSuperseded = errors.New("merge: superseded by a newer load")

// LoadPhase describes what a Loader is doing.
type LoadPhase int

const (
	Idle LoadPhase = iota
	Loading
	Error
	NoMore
)

func (p LoadPhase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Error:
		return "error"
	case NoMore:
		return "no_more"
	default:
		return "unknown"
	}
}

// LoadState is the loader's current phase. Err is set in the Error phase.
type LoadState struct {
	Phase LoadPhase
	Err   error
}

// PageFunc fetches a 1-based page.
type PageFunc[T any] func(ctx context.Context, page int) ([]T, error)

// LoaderOption configures a Loader.
type LoaderOption func(*loaderOptions)

type loaderOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the loader.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(o *loaderOptions) {
		o.logger = logger
	}
}

// Loader pages through a source into a List. Starting an operation
// cancels the one in flight; only the most recent operation may change
// the list.
type Loader[ID comparable, T any] struct {
	fetch  PageFunc[T]
	logger *slog.Logger

	mu       sync.Mutex
	list     *List[ID, T]
	gen      uint64
	cancel   context.CancelFunc
	nextPage int
	state    LoadState
}

// NewLoader creates a loader over fetch.
func NewLoader[ID comparable, T any](idOf func(T) ID, fetch PageFunc[T], opts ...LoaderOption) *Loader[ID, T] {
	o := loaderOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader[ID, T]{
		fetch:    fetch,
		logger:   o.logger,
		list:     NewList(idOf),
		nextPage: 1,
	}
}

// Refresh replaces the list with page 1.
func (l *Loader[ID, T]) Refresh(ctx context.Context) error {
	return l.load(ctx, Prepend, true)
}

// Prepend merges page 1 into the head of the list.
func (l *Loader[ID, T]) Prepend(ctx context.Context) error {
	return l.load(ctx, Prepend, false)
}

// LoadMore appends the next page. It does nothing once the source is
// exhausted; Refresh resets that.
func (l *Loader[ID, T]) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	noMore := l.list.HasNoMore()
	l.mu.Unlock()
	if noMore {
		return nil
	}
	return l.load(ctx, Append, false)
}

func (l *Loader[ID, T]) load(ctx context.Context, dir Direction, fullReplace bool) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	gen := l.gen
	page := 1
	if dir == Append {
		page = l.nextPage
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.state = LoadState{Phase: Loading}
	l.mu.Unlock()
	defer cancel()

	items, err := l.fetch(ctx, page)

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		l.logger.Debug("discarding superseded page", "page", page, "direction", dir)
		return ErrSuperseded
	}
	l.cancel = nil

	// A cancelled load never applies its page, even if the fetch ignored
	// the context and returned data.
	if ctxErr := ctx.Err(); ctxErr != nil {
		l.state = l.restingState()
		if err == nil {
			err = ctxErr
		}
		l.logger.Debug("discarding cancelled page", "page", page, "direction", dir)
		return err
	}
	if err != nil {
		l.state = LoadState{Phase: Error, Err: err}
		return err
	}

	added := l.list.ApplyPage(items, dir, fullReplace)
	switch {
	case fullReplace:
		l.nextPage = 2
	case dir == Append && added > 0:
		l.nextPage++
	case dir == Prepend && l.nextPage == 1:
		l.nextPage = 2
	}
	l.state = l.restingState()
	telemetry.RecordMergePage(ctx, dir.String(), added)
	l.logger.Debug("merged page", "page", page, "direction", dir, "added", added, "total", l.list.Len())
	return nil
}

func (l *Loader[ID, T]) restingState() LoadState {
	if l.list.HasNoMore() {
		return LoadState{Phase: NoMore}
	}
	return LoadState{Phase: Idle}
}

// State returns the current load state.
func (l *Loader[ID, T]) State() LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Items returns a copy of the current list.
func (l *Loader[ID, T]) Items() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Items()
}

// HasNoMore reports whether the source is exhausted.
func (l *Loader[ID, T]) HasNoMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.HasNoMore()
}

// Cancel stops the operation in flight, if any.
func (l *Loader[ID, T]) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}
