package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase is a backend connection's lifecycle position.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseInitializing Phase = "initializing"
	PhaseRetrying     Phase = "retrying"
	PhaseReady        Phase = "ready"
	PhaseDegraded     Phase = "degraded"
	PhaseFailed       Phase = "failed"
	PhaseShuttingDown Phase = "shutting_down"
)

// ErrInvalidPhase is returned when a requested phase transition is not in the
// adjacency table.
var ErrInvalidPhase = errors.New("invalid phase transition")

// maxConditions bounds each record's transition history.
const maxConditions = 32

var phaseAdjacency = map[Phase][]Phase{
	PhasePending:      {PhaseInitializing, PhaseShuttingDown},
	PhaseInitializing: {PhaseRetrying, PhaseReady, PhaseFailed, PhaseShuttingDown},
	PhaseRetrying:     {PhaseInitializing, PhaseReady, PhaseFailed, PhaseShuttingDown},
	PhaseReady:        {PhaseInitializing, PhaseDegraded, PhaseFailed, PhaseShuttingDown},
	PhaseDegraded:     {PhaseReady, PhaseFailed, PhaseShuttingDown},
	PhaseFailed:       {PhaseInitializing, PhaseShuttingDown},
	PhaseShuttingDown: {PhaseInitializing},
}

func phaseAllowed(from, to Phase) bool {
	for _, next := range phaseAdjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Condition is one timestamped entry in a record's transition history.
type Condition struct {
	From    Phase     `json:"from"`
	To      Phase     `json:"to"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
	// Rejected marks an attempted transition the adjacency table refused.
	Rejected bool `json:"rejected,omitempty"`
}

// StatusRecord tracks one backend's connection lifecycle. A record is created
// at the first connect attempt and survives until the backend is removed from
// configuration. Only the Manager writes to it.
type StatusRecord struct {
	mu sync.Mutex

	name       string
	phase      Phase
	lastErr    string
	latency    time.Duration
	conditions []Condition
}

// StatusSnapshot is a point-in-time copy of a record, safe to serialize.
type StatusSnapshot struct {
	Name       string        `json:"name"`
	Phase      Phase         `json:"phase"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latency"`
	Conditions []Condition   `json:"conditions"`
}

// NewStatusRecord creates a record in the pending phase.
func NewStatusRecord(name string) *StatusRecord {
	return &StatusRecord{name: name, phase: PhasePending}
}

// Transition moves the record to the target phase. An edge missing from the
// adjacency table leaves the phase unchanged, appends a rejected condition
// for diagnosis, and returns ErrInvalidPhase.
func (r *StatusRecord) Transition(to Phase, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.phase
	if !phaseAllowed(from, to) {
		r.appendLocked(Condition{From: from, To: to, Message: message, Time: time.Now(), Rejected: true})
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPhase, from, to)
	}
	r.phase = to
	r.appendLocked(Condition{From: from, To: to, Message: message, Time: time.Now()})
	return nil
}

// SetError records the most recent failure message.
func (r *StatusRecord) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.lastErr = ""
		return
	}
	r.lastErr = err.Error()
}

// SetLatency records the most recent probe or call latency.
func (r *StatusRecord) SetLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency = d
}

// Phase returns the current phase.
func (r *StatusRecord) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Snapshot copies the record for status and introspection callers.
func (r *StatusRecord) Snapshot() StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StatusSnapshot{
		Name:       r.name,
		Phase:      r.phase,
		Error:      r.lastErr,
		Latency:    r.latency,
		Conditions: append([]Condition(nil), r.conditions...),
	}
}

func (r *StatusRecord) appendLocked(c Condition) {
	r.conditions = append(r.conditions, c)
	if overflow := len(r.conditions) - maxConditions; overflow > 0 {
		r.conditions = append([]Condition(nil), r.conditions[overflow:]...)
	}
}
