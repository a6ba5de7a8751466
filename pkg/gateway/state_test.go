package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	s := newStateMachine()
	require.Equal(t, StatePending, s.current())
	for _, next := range []ServiceState{StateStarting, StateRunning, StateStopping, StateStopped} {
		require.NoError(t, s.to(next))
	}
	require.NoError(t, s.to(StateStarting), "a stopped service may start again")
}

func TestStateMachineRejectsSkippingStates(t *testing.T) {
	s := newStateMachine()
	err := s.to(StateRunning)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatePending, s.current(), "state unchanged after rejection")
}

func TestStartingCannotStopDirectly(t *testing.T) {
	s := newStateMachine()
	require.NoError(t, s.to(StateStarting))
	assert.ErrorIs(t, s.to(StateStopping), ErrInvalidState, "a stop mid-startup must route through error")
	require.NoError(t, s.to(StateError))
	require.NoError(t, s.to(StateStopping))
	require.NoError(t, s.to(StateStopped))
}

func TestStateMachineErrorRecovery(t *testing.T) {
	s := newStateMachine()
	require.NoError(t, s.to(StateStarting))
	require.NoError(t, s.to(StateError))
	require.NoError(t, s.to(StateStarting), "errored services may retry startup")
}

func TestEventLogBounded(t *testing.T) {
	l := newEventLog(3)
	for i := 0; i < 10; i++ {
		l.emit(EventBackendConnected, "files", "")
	}
	events := l.list()
	require.Len(t, events, 3, "oldest entries fall off")
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	}
}

func TestEventLogSetCapacityTrims(t *testing.T) {
	l := newEventLog(10)
	for i := 0; i < 8; i++ {
		l.emit(EventHealthChanged, "files", "")
	}
	l.setCapacity(2)
	assert.Len(t, l.list(), 2)
}

func TestSubscriberReceivesEvents(t *testing.T) {
	l := newEventLog(10)
	ch, cancel := l.subscribe(4)
	defer cancel()

	l.emit(EventReloadApplied, "", "added=1")
	event := <-ch
	assert.Equal(t, EventReloadApplied, event.Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	l := newEventLog(100)
	ch, cancel := l.subscribe(1)
	defer cancel()

	// Nobody is reading; the emitter must not stall.
	for i := 0; i < 50; i++ {
		l.emit(EventBackendFailed, "files", "")
	}
	assert.Len(t, l.list(), 50, "the log itself keeps everything within capacity")
	assert.Len(t, ch, 1, "the subscriber only holds what its buffer fits")
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	l := newEventLog(10)
	ch, cancel := l.subscribe(1)
	cancel()
	cancel() // double cancel is safe
	_, open := <-ch
	assert.False(t, open)
	l.emit(EventStateChanged, "", "running") // no panic on a cancelled subscriber
}
