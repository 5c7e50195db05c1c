package resolve

import (
	"context"
	"sync"

	boorucache "github.com/wolfeidau/booru-cache"
)

// Phase is the discriminator of a State.
type Phase int

const (
	Waiting Phase = iota
	Loading
	Success
	Error
)

func (p Phase) String() string {
	switch p {
	case Waiting:
		return "waiting"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// State is one observable step of a resolution.
type State[E any] struct {
	Phase Phase
	// Attempt is the 1-based fetch attempt while Loading.
	Attempt int
	// Value is set on Success.
	Value E
	// Err is set on Error.
	Err error
}

// Terminal reports whether no further transitions follow.
func (s State[E]) Terminal() bool {
	return s.Phase == Success || s.Phase == Error
}

type observer[E any] struct {
	fn func(State[E])
}

// Status is the observable outcome of resolving one key. Every observer
// sees the same transitions in the same order.
type Status[E any] struct {
	// deliver serialises callbacks so observers never see transitions
	// out of order. It is held while callbacks run; mu is not.
	deliver   sync.Mutex
	mu        sync.Mutex
	state     State[E]
	observers []*observer[E]
	done      chan struct{}
	abandoned bool
}

func newStatus[E any]() *Status[E] {
	return &Status[E]{done: make(chan struct{})}
}

func settledStatus[E any](v E) *Status[E] {
	s := newStatus[E]()
	s.state = State[E]{Phase: Success, Value: v}
	close(s.done)
	return s
}

func abandonedStatus[E any]() *Status[E] {
	s := newStatus[E]()
	s.abandoned = true
	close(s.done)
	return s
}

// Current returns the latest state.
func (s *Status[E]) Current() State[E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the status is terminal or the resolution was
// cancelled.
func (s *Status[E]) Done() <-chan struct{} {
	return s.done
}

// Observe calls fn with the current state and then with every later
// transition. If the status is already settled fn is called once and not
// retained; an abandoned status never calls fn. fn must not call Observe
// on the same status. The returned function stops delivery.
func (s *Status[E]) Observe(fn func(State[E])) (stop func()) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	current := s.state
	abandoned := s.abandoned
	settled := abandoned || current.Terminal()
	o := &observer[E]{fn: fn}
	if !settled {
		s.observers = append(s.observers, o)
	}
	s.mu.Unlock()

	if !abandoned {
		fn(current)
	}
	if settled {
		return func() {}
	}
	return func() { s.remove(o) }
}

func (s *Status[E]) remove(o *observer[E]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.observers {
		if cur == o {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// Wait blocks until the status settles and returns the entity, the Error
// cause, or boorucache.ErrCancelled if the resolution was abandoned.
func (s *Status[E]) Wait(ctx context.Context) (E, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		var zero E
		return zero, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned {
		var zero E
		return zero, boorucache.ErrCancelled
	}
	if s.state.Phase == Error {
		var zero E
		return zero, s.state.Err
	}
	return s.state.Value, nil
}

// publish moves to st and notifies observers. Publishing after the status
// settled is a no-op.
func (s *Status[E]) publish(st State[E]) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.abandoned || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = st
	observers := append([]*observer[E](nil), s.observers...)
	if st.Terminal() {
		s.observers = nil
		close(s.done)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.fn(st)
	}
}

// abandon settles the status without publishing a state. Observers are
// released and waiters get ErrCancelled.
func (s *Status[E]) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned || s.state.Terminal() {
		return
	}
	s.abandoned = true
	s.observers = nil
	close(s.done)
}
