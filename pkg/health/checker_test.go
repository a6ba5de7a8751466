package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/backend"
	"github.com/meshgate/meshgate/pkg/config"
)

// probeSession answers pings from a controllable script.
type probeSession struct {
	mu      sync.Mutex
	pingErr error
	delay   time.Duration
	pings   int
}

func (s *probeSession) setPing(err error, delay time.Duration) {
	s.mu.Lock()
	s.pingErr, s.delay = err, delay
	s.mu.Unlock()
}

func (s *probeSession) Ping(ctx context.Context, _ *mcp.PingParams) error {
	s.mu.Lock()
	err, delay := s.pingErr, s.delay
	s.pings++
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *probeSession) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *probeSession) ID() string   { return "probe" }
func (s *probeSession) Close() error { return nil }
func (s *probeSession) Wait() error  { select {} }
func (s *probeSession) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}
func (s *probeSession) ListPrompts(context.Context, *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{}, nil
}
func (s *probeSession) ListResources(context.Context, *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}
func (s *probeSession) CallTool(context.Context, *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (s *probeSession) GetPrompt(context.Context, *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (s *probeSession) ReadResource(context.Context, *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

type staticSessions map[string]backend.Session

func (s staticSessions) Sessions() map[string]backend.Session {
	out := make(map[string]backend.Session, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

type recordingStore struct {
	mu      sync.Mutex
	removed []string
}

func (s *recordingStore) RemoveBackend(name string) {
	s.mu.Lock()
	s.removed = append(s.removed, name)
	s.mu.Unlock()
}

func (s *recordingStore) removedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:         50 * time.Millisecond,
		ProbeTimeout:     time.Second,
		DegradedLatency:  20 * time.Millisecond,
		FailureThreshold: 2,
		Cooldown:         time.Minute,
	}
}

func TestSweepMarksHealthy(t *testing.T) {
	session := &probeSession{}
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: staticSessions{"files": session},
	})
	c.Sweep(context.Background())
	status := c.Health("files")
	assert.Equal(t, StateHealthy, status.State)
	assert.False(t, status.LastChecked.IsZero())
}

func TestSlowProbeIsDegraded(t *testing.T) {
	session := &probeSession{}
	session.setPing(nil, 40*time.Millisecond)
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: staticSessions{"files": session},
	})
	c.Sweep(context.Background())
	assert.Equal(t, StateDegraded, c.Health("files").State)
}

func TestFailuresHideCapabilities(t *testing.T) {
	session := &probeSession{}
	session.setPing(errors.New("ping: broken pipe"), 0)
	store := &recordingStore{}
	changes := make(chan State, 8)
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: staticSessions{"files": session},
		Store:    store,
		OnChange: func(_ string, _, to State) { changes <- to },
	})

	c.Sweep(context.Background())
	assert.Equal(t, StateDegraded, c.Health("files").State, "below the threshold the backend degrades")
	assert.Empty(t, store.removedNames(), "degraded backends stay visible")
	assert.Equal(t, StateDegraded, <-changes)

	c.Sweep(context.Background())
	assert.Equal(t, StateUnhealthy, c.Health("files").State, "open circuit makes it unhealthy")
	assert.Equal(t, []string{"files"}, store.removedNames(), "capabilities hidden on the verdict change")
	assert.Equal(t, StateUnhealthy, <-changes)
	assert.Len(t, store.removedNames(), 1, "repeat verdicts do not re-remove")
}

func TestBreakerSkipsProbesWhileOpen(t *testing.T) {
	session := &probeSession{}
	session.setPing(errors.New("down"), 0)
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: staticSessions{"files": session},
	})

	c.Sweep(context.Background())
	c.Sweep(context.Background())
	require.Equal(t, 2, session.pingCount())
	assert.Equal(t, StateUnhealthy, c.Health("files").State)

	// Threshold reached, breaker open: further sweeps skip the backend.
	c.Sweep(context.Background())
	c.Sweep(context.Background())
	assert.Equal(t, 2, session.pingCount())
}

func TestRecoveryTriggersRediscovery(t *testing.T) {
	session := &probeSession{}
	session.setPing(errors.New("down"), 0)
	recovered := make(chan string, 1)
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: staticSessions{"files": session},
		Recover: func(_ context.Context, name string) error {
			recovered <- name
			return nil
		},
	})

	c.Sweep(context.Background())
	c.Sweep(context.Background())
	require.Equal(t, StateUnhealthy, c.Health("files").State)

	session.setPing(nil, 0)
	// Clear only the breaker so the unhealthy verdict survives; the next
	// successful probe is the recovery edge.
	forceBreakerClosed(c, "files")
	c.Sweep(context.Background())
	select {
	case name := <-recovered:
		assert.Equal(t, "files", name)
	case <-time.After(2 * time.Second):
		t.Fatal("recovery rediscovery never fired")
	}
}

// forceBreakerClosed clears only the breaker, keeping the recorded verdict.
func forceBreakerClosed(c *Checker, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.breaker.Reset()
	}
}

func TestPhaseMirroring(t *testing.T) {
	session := &probeSession{}
	mirror := &recordingMirror{}
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: staticSessions{"files": session},
		Mirror:   mirror,
	})
	c.Sweep(context.Background())
	assert.Equal(t, backend.PhaseReady, mirror.lastPhase())
	assert.Positive(t, mirror.lastLatency())

	session.setPing(errors.New("down"), 0)
	c.Sweep(context.Background())
	assert.Equal(t, backend.PhaseDegraded, mirror.lastPhase())
	c.Sweep(context.Background())
	assert.Equal(t, backend.PhaseFailed, mirror.lastPhase())
}

type recordingMirror struct {
	mu      sync.Mutex
	phase   backend.Phase
	latency time.Duration
}

func (m *recordingMirror) SetPhase(_ string, phase backend.Phase, _ string) error {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
	return nil
}

func (m *recordingMirror) SetLatency(_ string, d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

func (m *recordingMirror) lastPhase() backend.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *recordingMirror) lastLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

func TestStartStopIdempotent(t *testing.T) {
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: staticSessions{},
	})
	ctx := context.Background()
	c.Start(ctx)
	c.Start(ctx)
	c.Stop()
	c.Stop()
}

func TestDepartedBackendsAreForgotten(t *testing.T) {
	sessions := staticSessions{"files": &probeSession{}}
	c := NewChecker(Options{
		Config:   testConfig(),
		Sessions: sessions,
	})
	c.Sweep(context.Background())
	require.Equal(t, StateHealthy, c.Health("files").State)

	delete(sessions, "files")
	c.Sweep(context.Background())
	assert.Equal(t, StateUnknown, c.Health("files").State)
	assert.Empty(t, c.Statuses())
}
