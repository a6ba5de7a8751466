// Package health runs the periodic liveness loop over connected backends.
// Each backend gets a circuit breaker; probes are skipped while a breaker is
// open, an unhealthy verdict hides the backend's capabilities from the
// catalog, and a recovery triggers a single-backend rediscovery so they
// reappear.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshgate/meshgate/pkg/backend"
	"github.com/meshgate/meshgate/pkg/breaker"
	"github.com/meshgate/meshgate/pkg/config"
)

// State is a backend's health verdict.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// SessionSource supplies the live sessions to probe.
type SessionSource interface {
	Sessions() map[string]backend.Session
}

// PhaseMirror reflects health verdicts onto the connection status records.
// Transitions the phase machine rejects are recorded there and ignored here.
type PhaseMirror interface {
	SetPhase(name string, phase backend.Phase, message string) error
	SetLatency(name string, d time.Duration)
}

// CapabilityStore is the slice of the registry the checker needs: hiding an
// unhealthy backend's entries.
type CapabilityStore interface {
	RemoveBackend(name string)
}

// RecoverFunc re-discovers one backend's capabilities after it returns to
// health. It runs on its own goroutine; the implementation handles locking
// against concurrent reloads.
type RecoverFunc func(ctx context.Context, name string) error

// Status is one backend's probe summary.
type Status struct {
	Backend      string        `json:"backend"`
	State        State         `json:"state"`
	Latency      time.Duration `json:"latency"`
	Breaker      breaker.State `json:"breaker"`
	Consecutive  int           `json:"consecutive_failures"`
	LastChecked  time.Time     `json:"last_checked,omitzero"`
	LastReported string        `json:"last_error,omitempty"`
}

// Options wire a Checker to its collaborators.
type Options struct {
	Config   config.HealthConfig
	Sessions SessionSource
	Mirror   PhaseMirror
	Store    CapabilityStore
	Recover  RecoverFunc
	Logger   *slog.Logger
	// OnChange, when set, fires on every state transition, including the
	// initial unknown -> first verdict.
	OnChange func(name string, from, to State)
}

type entry struct {
	state    State
	latency  time.Duration
	breaker  *breaker.Breaker
	checked  time.Time
	lastErr  string
	recovery bool // rediscovery in flight
}

// Checker owns the probe loop. Start and Stop are idempotent.
type Checker struct {
	cfg      config.HealthConfig
	sessions SessionSource
	mirror   PhaseMirror
	store    CapabilityStore
	recover  RecoverFunc
	logger   *slog.Logger
	onChange func(name string, from, to State)

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewChecker builds a stopped checker.
func NewChecker(opts Options) *Checker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		mirror:   opts.Mirror,
		store:    opts.Store,
		recover:  opts.Recover,
		logger:   logger,
		onChange: opts.OnChange,
		entries:  make(map[string]*entry),
	}
}

// Start launches the probe loop. Calling Start on a running checker is a
// no-op.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(lctx, c.done)
}

// Stop cancels the loop and waits for the in-flight sweep to finish. Safe to
// call on a stopped checker.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Checker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// Sweep probes every live session once. Exposed for tests and for an
// immediate post-start check.
func (c *Checker) Sweep(ctx context.Context) { c.sweep(ctx) }

func (c *Checker) sweep(ctx context.Context) {
	sessions := c.sessions.Sessions()

	c.mu.Lock()
	for name := range c.entries {
		if _, ok := sessions[name]; !ok {
			delete(c.entries, name)
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for name, session := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probe(ctx, name, session)
		}()
	}
	wg.Wait()
}

func (c *Checker) probe(ctx context.Context, name string, session backend.Session) {
	e := c.entryFor(name)
	if !e.breaker.Allow() {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	start := time.Now()
	err := session.Ping(pctx, nil)
	latency := time.Since(start)
	cancel()

	if err != nil {
		e.breaker.RecordFailure()
		// Failures below the threshold degrade; an open circuit is unhealthy.
		verdict := StateDegraded
		if e.breaker.State() == breaker.StateOpen {
			verdict = StateUnhealthy
		}
		c.report(name, e, verdict, latency, err)
		return
	}
	e.breaker.RecordSuccess()
	if latency > c.cfg.DegradedLatency {
		c.report(name, e, StateDegraded, latency, nil)
		return
	}
	c.report(name, e, StateHealthy, latency, nil)
}

// report applies one probe verdict: state bookkeeping, phase mirroring,
// catalog visibility, and the recovery trigger.
func (c *Checker) report(name string, e *entry, verdict State, latency time.Duration, err error) {
	c.mu.Lock()
	prev := e.state
	e.state = verdict
	e.latency = latency
	e.checked = time.Now()
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	triggerRecovery := prev == StateUnhealthy && (verdict == StateHealthy || verdict == StateDegraded) && !e.recovery
	if triggerRecovery {
		e.recovery = true
	}
	c.mu.Unlock()

	if c.mirror != nil {
		c.mirror.SetLatency(name, latency)
		switch verdict {
		case StateHealthy:
			_ = c.mirror.SetPhase(name, backend.PhaseReady, "probe ok")
		case StateDegraded:
			message := "probe latency above threshold"
			if err != nil {
				message = "probe failed, circuit accumulating"
			}
			_ = c.mirror.SetPhase(name, backend.PhaseDegraded, message)
		case StateUnhealthy:
			_ = c.mirror.SetPhase(name, backend.PhaseFailed, "probe failed, circuit open")
		}
	}

	if prev != verdict {
		c.logger.Info("backend health changed", "backend", name, "from", string(prev), "to", string(verdict), "latency", latency)
		if verdict == StateUnhealthy && c.store != nil {
			// Hide the backend from the catalog until it recovers.
			c.store.RemoveBackend(name)
		}
		if c.onChange != nil {
			c.onChange(name, prev, verdict)
		}
	}

	if triggerRecovery && c.recover != nil {
		go c.runRecovery(name)
	} else if triggerRecovery {
		c.clearRecovery(name)
	}
}

func (c *Checker) runRecovery(name string) {
	defer c.clearRecovery(name)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout+c.cfg.Interval)
	defer cancel()
	if err := c.recover(ctx, name); err != nil {
		c.logger.Warn("post-recovery rediscovery failed", "backend", name, "error", err)
		return
	}
	c.logger.Info("backend capabilities restored", "backend", name)
}

func (c *Checker) clearRecovery(name string) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok {
		e.recovery = false
	}
	c.mu.Unlock()
}

func (c *Checker) entryFor(name string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		e = &entry{
			state:   StateUnknown,
			breaker: breaker.New(c.cfg.FailureThreshold, c.cfg.Cooldown),
		}
		c.entries[name] = e
	}
	return e
}

// Health returns one backend's probe summary. Unprobed backends report
// unknown.
func (c *Checker) Health(name string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return Status{Backend: name, State: StateUnknown, Breaker: breaker.StateClosed}
	}
	return statusLocked(name, e)
}

// Statuses returns every tracked backend's summary, name-ordered.
func (c *Checker) Statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.entries))
	for name, e := range c.entries {
		out = append(out, statusLocked(name, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

func statusLocked(name string, e *entry) Status {
	return Status{
		Backend:      name,
		State:        e.state,
		Latency:      e.latency,
		Breaker:      e.breaker.State(),
		Consecutive:  e.breaker.ConsecutiveFailures(),
		LastChecked:  e.checked,
		LastReported: e.lastErr,
	}
}

// ResetBackend forces a backend's breaker closed and forgets its verdict, so
// the next sweep probes it immediately. Used after an operator reconnect.
func (c *Checker) ResetBackend(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.breaker.Reset()
		e.state = StateUnknown
		e.lastErr = ""
	}
}
