package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boorucache "github.com/wolfeidau/booru-cache"
)

func TestStatus_ObserveAfterSettled(t *testing.T) {
	s := settledStatus(boorucache.Tag{Name: "x"})

	var calls int
	stop := s.Observe(func(st State[boorucache.Tag]) {
		calls++
		assert.Equal(t, Success, st.Phase)
	})
	stop()
	assert.Equal(t, 1, calls)

	s.publish(State[boorucache.Tag]{Phase: Error, Err: errors.New("late")})
	assert.Equal(t, Success, s.Current().Phase, "terminal states are final")
}

func TestStatus_StopObserving(t *testing.T) {
	s := newStatus[boorucache.Tag]()

	var phases []Phase
	stop := s.Observe(func(st State[boorucache.Tag]) { phases = append(phases, st.Phase) })
	s.publish(State[boorucache.Tag]{Phase: Loading, Attempt: 1})
	stop()
	s.publish(State[boorucache.Tag]{Phase: Success})

	assert.Equal(t, []Phase{Waiting, Loading}, phases)
}

func TestStatus_WaitHonoursContext(t *testing.T) {
	s := newStatus[boorucache.Tag]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatus_Abandon(t *testing.T) {
	s := newStatus[boorucache.Tag]()
	s.abandon()
	s.abandon()

	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, boorucache.ErrCancelled)

	var called bool
	s.Observe(func(State[boorucache.Tag]) { called = true })
	assert.False(t, called)

	s.publish(State[boorucache.Tag]{Phase: Success})
	_, err = s.Wait(context.Background())
	require.ErrorIs(t, err, boorucache.ErrCancelled)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "error", Error.String())
}
