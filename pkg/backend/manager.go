// Package backend owns the connection lifecycle for every configured MCP
// backend: transport setup (subprocess pipes or HTTP), protocol session
// initialization, per-backend status records with a validated phase machine,
// and deterministic teardown. One backend's failure never aborts its
// siblings; every outcome is collected and reflected in that backend's
// record.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/meshgate/meshgate/pkg/config"
)

// ErrUnknownBackend is returned for operations on a name the manager does
// not track.
var ErrUnknownBackend = errors.New("unknown backend")

// ErrNotConnected is returned when a live session is required but absent.
var ErrNotConnected = errors.New("backend not connected")

// Options configure a Manager.
type Options struct {
	// ClientName and ClientVersion identify the gateway to backends during
	// session initialization.
	ClientName    string
	ClientVersion string
	Logger        *slog.Logger
}

// Manager owns exactly one connection per backend name. It is the single
// writer of the session table and the status records.
type Manager struct {
	logger *slog.Logger
	impl   *mcp.Implementation
	dial   dialFunc

	mu     sync.Mutex
	states map[string]*backendState
}

type backendState struct {
	cfg      *config.Backend
	record   *StatusRecord
	session  Session
	releases []releaseFunc // acquisition order
	cancel   context.CancelFunc
}

// NewManager constructs an empty manager; backends appear on the first
// StartAll or Connect that names them.
func NewManager(opts Options) *Manager {
	if opts.ClientName == "" {
		opts.ClientName = "meshgate"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "0.0.0"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		logger: opts.Logger,
		impl:   &mcp.Implementation{Name: opts.ClientName, Version: opts.ClientVersion},
		states: make(map[string]*backendState),
	}
	m.dial = m.dialBackend
	return m
}

// StartAll connects every configured backend concurrently and returns the
// per-backend outcome. Failures are collected, never propagated across
// siblings; the caller decides what a partial result means.
func (m *Manager) StartAll(ctx context.Context, configs map[string]*config.Backend) map[string]error {
	results := make(map[string]error, len(configs))
	var resultsMu sync.Mutex

	var g errgroup.Group
	for name, cfg := range configs {
		g.Go(func() error {
			err := m.Connect(ctx, cfg)
			resultsMu.Lock()
			results[name] = err
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Connect establishes the session for one backend, creating its status
// record on first contact. Re-connecting an already-live backend is a no-op.
func (m *Manager) Connect(ctx context.Context, cfg *config.Backend) error {
	state := m.ensureState(cfg)
	m.mu.Lock()
	if state.session != nil {
		m.mu.Unlock()
		return nil
	}
	cctx, cancel := context.WithCancel(ctx)
	state.cancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if state.cancel != nil {
			state.cancel()
			state.cancel = nil
		}
		m.mu.Unlock()
	}()

	logger := m.logger.With("backend", cfg.Name)
	record := state.record
	_ = record.Transition(PhaseInitializing, "connecting")

	creds, err := NewCredentialProvider(cfg.Auth)
	if err != nil {
		record.SetError(err)
		_ = record.Transition(PhaseFailed, fmt.Sprintf("%s: %v", FailureConfig, err))
		return fmt.Errorf("backend %q: %w", cfg.Name, err)
	}

	var session Session
	var releases []releaseFunc
	attempt := func() error {
		ictx, icancel := context.WithTimeout(cctx, cfg.InitTimeout)
		defer icancel()
		s, r, dialErr := m.dial(ictx, cfg, creds, logger)
		if dialErr != nil {
			if Classify(dialErr) == FailureConfig {
				return backoff.Permanent(dialErr)
			}
			return dialErr
		}
		session, releases = s, r
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("connect attempt failed", "error", err, "class", string(Classify(err)), "retry_in", next)
		_ = record.Transition(PhaseRetrying, err.Error())
		_ = record.Transition(PhaseInitializing, "retrying connect")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.Retries)), cctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		class := Classify(err)
		record.SetError(err)
		_ = record.Transition(PhaseFailed, fmt.Sprintf("%s: %v", class, err))
		logger.Error("connect failed", "error", err, "class", string(class))
		return fmt.Errorf("backend %q (%s): %w", cfg.Name, class, err)
	}

	m.mu.Lock()
	state.session = session
	state.releases = releases
	m.mu.Unlock()
	record.SetError(nil)
	_ = record.Transition(PhaseReady, "session initialized")
	logger.Info("backend connected", "transport", string(cfg.Transport))

	go m.monitorSession(cfg.Name, session)
	return nil
}

// monitorSession clears the session table entry when a live session ends on
// its own (process exit, dropped connection).
func (m *Manager) monitorSession(name string, session Session) {
	err := session.Wait()
	m.mu.Lock()
	state, ok := m.states[name]
	if !ok || state.session != session {
		m.mu.Unlock()
		return
	}
	state.session = nil
	releases := state.releases
	state.releases = nil
	record := state.record
	m.mu.Unlock()

	runReleases(releases)
	if err != nil {
		record.SetError(err)
	}
	_ = record.Transition(PhaseFailed, "session ended")
	m.logger.Warn("backend session ended", "backend", name, "error", err)
}

// Disconnect tears down one backend's connection, releasing every acquired
// resource in reverse acquisition order. The status record survives.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	state, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	session := state.session
	releases := state.releases
	state.session = nil
	state.releases = nil
	record := state.record
	m.mu.Unlock()

	_ = record.Transition(PhaseShuttingDown, "disconnect requested")
	if session == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		runReleases(releases)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Reconnect disconnects and re-dials one backend without touching siblings.
// When cfg is nil the stored descriptor is reused.
func (m *Manager) Reconnect(ctx context.Context, name string, cfg *config.Backend) error {
	m.mu.Lock()
	state, ok := m.states[name]
	if !ok && cfg == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	if cfg == nil {
		cfg = state.cfg
	}
	m.mu.Unlock()

	if ok {
		if err := m.Disconnect(ctx, name); err != nil {
			return err
		}
	}
	return m.Connect(ctx, cfg)
}

// Remove disconnects a backend and drops its record entirely. Used when a
// reload removes the backend from configuration.
func (m *Manager) Remove(ctx context.Context, name string) error {
	err := m.Disconnect(ctx, name)
	if errors.Is(err, ErrUnknownBackend) {
		return nil
	}
	m.mu.Lock()
	delete(m.states, name)
	m.mu.Unlock()
	return err
}

// StopAll cancels pending startup attempts, then releases every backend's
// resources. Iteration is name-ordered so teardown is deterministic.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.states))
	for name, state := range m.states {
		if state.cancel != nil {
			state.cancel()
			state.cancel = nil
		}
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := m.Disconnect(ctx, name); err != nil && !errors.Is(err, ErrUnknownBackend) {
			errs = append(errs, fmt.Errorf("stop %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Session returns the live session for name, if any.
func (m *Manager) Session(name string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[name]
	if !ok || state.session == nil {
		return nil, false
	}
	return state.session, true
}

// Sessions snapshots the live session table.
func (m *Manager) Sessions() map[string]Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Session)
	for name, state := range m.states {
		if state.session != nil {
			out[name] = state.session
		}
	}
	return out
}

// Config returns the stored descriptor for name.
func (m *Manager) Config(name string) (*config.Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[name]
	if !ok {
		return nil, false
	}
	return state.cfg, true
}

// ConnectedCount reports how many backends currently hold a live session.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, state := range m.states {
		if state.session != nil {
			n++
		}
	}
	return n
}

// Records snapshots every status record, name-ordered.
func (m *Manager) Records() []StatusSnapshot {
	m.mu.Lock()
	records := make([]*StatusRecord, 0, len(m.states))
	for _, state := range m.states {
		records = append(records, state.record)
	}
	m.mu.Unlock()

	out := make([]StatusSnapshot, 0, len(records))
	for _, r := range records {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Record returns one backend's status snapshot.
func (m *Manager) Record(name string) (StatusSnapshot, bool) {
	m.mu.Lock()
	state, ok := m.states[name]
	m.mu.Unlock()
	if !ok {
		return StatusSnapshot{}, false
	}
	return state.record.Snapshot(), true
}

// SetPhase mirrors an externally observed condition (health probes) onto a
// backend's record. Invalid transitions are recorded as rejected conditions
// by the record itself; the error is informational.
func (m *Manager) SetPhase(name string, phase Phase, message string) error {
	m.mu.Lock()
	state, ok := m.states[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return state.record.Transition(phase, message)
}

// SetLatency stores the most recent observed latency for a backend.
func (m *Manager) SetLatency(name string, d time.Duration) {
	m.mu.Lock()
	state, ok := m.states[name]
	m.mu.Unlock()
	if ok {
		state.record.SetLatency(d)
	}
}

func (m *Manager) ensureState(cfg *config.Backend) *backendState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[cfg.Name]
	if !ok {
		state = &backendState{record: NewStatusRecord(cfg.Name)}
		m.states[cfg.Name] = state
	}
	state.cfg = cfg
	return state
}

func runReleases(releases []releaseFunc) {
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}
