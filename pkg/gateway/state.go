package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceState is the orchestrator's lifecycle position.
type ServiceState string

const (
	StatePending  ServiceState = "pending"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateStopped  ServiceState = "stopped"
	StateError    ServiceState = "error"
)

// ErrInvalidState rejects a lifecycle operation the current state does not
// permit.
var ErrInvalidState = errors.New("invalid service state transition")

var stateAdjacency = map[ServiceState][]ServiceState{
	StatePending:  {StateStarting, StateStopped},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateStarting},
	StateError:    {StateStarting, StateStopping, StateStopped},
}

type stateMachine struct {
	mu    sync.Mutex
	state ServiceState
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StatePending}
}

func (s *stateMachine) current() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stateMachine) to(next ServiceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range stateAdjacency[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, next)
}

// Event types emitted on the orchestrator's event stream.
const (
	EventStateChanged     = "state_changed"
	EventBackendConnected = "backend_connected"
	EventBackendFailed    = "backend_failed"
	EventBackendRemoved   = "backend_removed"
	EventHealthChanged    = "health_changed"
	EventReloadApplied    = "reload_applied"
	EventReloadFailed     = "reload_failed"
)

// Event is one observable lifecycle occurrence.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Backend string    `json:"backend,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// eventLog is a bounded append-only log with non-blocking subscriber fan-out.
// When the log is full the oldest entries fall off; when a subscriber's
// channel is full the event is dropped for that subscriber rather than
// stalling the emitter.
type eventLog struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	subs     map[int]chan Event
	nextSub  int
}

func newEventLog(capacity int) *eventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &eventLog{
		capacity: capacity,
		subs:     make(map[int]chan Event),
	}
}

// setCapacity resizes the retained window; existing overflow is trimmed.
func (l *eventLog) setCapacity(n int) {
	if n < 1 {
		return
	}
	l.mu.Lock()
	l.capacity = n
	if overflow := len(l.events) - l.capacity; overflow > 0 {
		l.events = append([]Event(nil), l.events[overflow:]...)
	}
	l.mu.Unlock()
}

func (l *eventLog) emit(eventType, backendName, message string) {
	event := Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Backend: backendName,
		Message: message,
		Time:    time.Now(),
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	if overflow := len(l.events) - l.capacity; overflow > 0 {
		l.events = append([]Event(nil), l.events[overflow:]...)
	}
	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
	l.mu.Unlock()
}

func (l *eventLog) list() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// subscribe returns a buffered event channel and its cancel function. The
// channel is closed on cancel.
func (l *eventLog) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.mu.Unlock()
	}
}
