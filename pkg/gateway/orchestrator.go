// Package gateway assembles the whole service: it loads configuration,
// connects the backends, aggregates their capabilities, runs the health
// loop, and serves the combined catalog through one Streamable HTTP
// endpoint. All lifecycle operations go through the Orchestrator, which
// serializes reloads, reconnects, and post-recovery rediscovery behind a
// single lock.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meshgate/meshgate/pkg/backend"
	"github.com/meshgate/meshgate/pkg/config"
	"github.com/meshgate/meshgate/pkg/health"
	"github.com/meshgate/meshgate/pkg/middleware"
	"github.com/meshgate/meshgate/pkg/registry"
)

// ErrNoBackendsConnected makes startup fatal when every configured backend
// failed to connect. Partial connectivity is tolerated; total failure is not.
var ErrNoBackendsConnected = errors.New("no backends connected")

// ErrNotRunning rejects operations that need a running service.
var ErrNotRunning = errors.New("service is not running")

// Options configure an Orchestrator.
type Options struct {
	ConfigPath string
	Version    string
	Logger     *slog.Logger
	// WatchConfig enables automatic reload when the config file changes.
	WatchConfig bool
	// Audit receives one entry per served request; nil disables the trail.
	Audit middleware.AuditSink
}

// ReloadResult summarizes one applied configuration reload.
type ReloadResult struct {
	Added   []string          `json:"added"`
	Removed []string          `json:"removed"`
	Changed []string          `json:"changed"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Status is the service-level snapshot returned to operators.
type Status struct {
	State        ServiceState             `json:"state"`
	Backends     []backend.StatusSnapshot `json:"backends"`
	Health       []health.Status          `json:"health"`
	Connected    int                      `json:"connected"`
	Capabilities int                      `json:"capabilities"`
}

// Orchestrator owns the service lifecycle. Construct with New, then Start,
// Serve, and eventually Stop.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	state  *stateMachine
	events *eventLog

	// pipeline is swapped atomically on reload so in-flight requests keep
	// the chain they started with.
	pipeline atomic.Pointer[middleware.Handler]

	// reloadMu serializes reload, reconnect, and recovery rediscovery.
	reloadMu sync.Mutex

	mu      sync.Mutex
	cfg     *config.Config
	manager *backend.Manager
	reg     *registry.Registry
	checker *health.Checker
	front   *frontEnd
	watcher *config.Watcher

	// startHook is a seam for lifecycle tests; when set it runs after the
	// components are live but before they are published.
	startHook func()
}

// New builds an orchestrator in the pending state. Nothing connects until
// Start.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "0.0.0"
	}
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
		state:  newStateMachine(),
		events: newEventLog(config.DefaultEventCapacity),
	}
}

// Start loads the configuration, connects every backend, runs the first
// discovery pass, and brings up the health loop. Startup succeeds with
// partial backend connectivity but fails when nothing connected at all.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.state.to(StateStarting); err != nil {
		return err
	}
	o.events.emit(EventStateChanged, "", string(StateStarting))

	if err := o.start(ctx); err != nil {
		_ = o.state.to(StateError)
		o.events.emit(EventStateChanged, "", string(StateError))
		return err
	}
	if err := o.state.to(StateRunning); err != nil {
		// A concurrent Stop won the race before the components were
		// published; its teardown saw nothing, so release them here.
		return errors.Join(err, o.teardown(ctx))
	}
	o.events.emit(EventStateChanged, "", string(StateRunning))
	return nil
}

func (o *Orchestrator) start(ctx context.Context) error {
	cfg, err := config.Load(o.opts.ConfigPath)
	if err != nil {
		return err
	}
	o.events.setCapacity(cfg.EventCapacity)

	strategy, err := registry.NewStrategy(cfg.Conflict)
	if err != nil {
		return err
	}
	pipeline, err := o.buildPipeline(cfg)
	if err != nil {
		return err
	}

	manager := backend.NewManager(backend.Options{
		ClientName:    "meshgate",
		ClientVersion: o.opts.Version,
		Logger:        o.logger,
	})
	reg := registry.New(o.logger)
	reg.Configure(strategy, cfg.Backends)

	o.mu.Lock()
	o.cfg = cfg
	o.manager = manager
	o.reg = reg
	o.mu.Unlock()
	o.pipeline.Store(&pipeline)

	impl := &mcp.Implementation{Name: "meshgate", Title: "MeshGate", Version: o.opts.Version}
	front := newFrontEnd(impl, o.dispatch, cfg.Listen, cfg.Path)

	results := manager.StartAll(ctx, cfg.Backends)
	connected := 0
	for name, err := range results {
		if err != nil {
			o.events.emit(EventBackendFailed, name, err.Error())
			continue
		}
		connected++
		o.events.emit(EventBackendConnected, name, "")
	}
	if len(cfg.Backends) > 0 && connected == 0 {
		_ = manager.StopAll(ctx)
		return fmt.Errorf("%w: %d configured", ErrNoBackendsConnected, len(cfg.Backends))
	}

	for name, err := range reg.DiscoverAll(ctx, manager.Sessions()) {
		if err != nil {
			o.logger.Warn("initial discovery failed", "backend", name, "error", err)
		}
	}
	front.Refresh(reg.Capabilities())

	checker := health.NewChecker(health.Options{
		Config:   cfg.Health,
		Sessions: manager,
		Mirror:   manager,
		Store:    reg,
		Recover:  o.rediscoverBackend,
		Logger:   o.logger,
		OnChange: func(name string, from, to health.State) {
			o.events.emit(EventHealthChanged, name, fmt.Sprintf("%s -> %s", from, to))
		},
	})
	checker.Start(context.WithoutCancel(ctx))

	var watcher *config.Watcher
	if o.opts.WatchConfig {
		watcher = config.NewWatcher(o.opts.ConfigPath, func() {
			if _, err := o.Reload(context.Background()); err != nil {
				o.logger.Error("automatic reload failed", "error", err)
			}
		}, o.logger)
		if err := watcher.Start(); err != nil {
			checker.Stop()
			_ = manager.StopAll(ctx)
			return fmt.Errorf("start config watcher: %w", err)
		}
	}

	if o.startHook != nil {
		o.startHook()
	}

	o.mu.Lock()
	o.front = front
	o.checker = checker
	o.watcher = watcher
	o.mu.Unlock()

	o.logger.Info("gateway started",
		"backends", len(cfg.Backends),
		"connected", connected,
		"capabilities", len(reg.Capabilities()),
		"listen", cfg.Listen)
	return nil
}

func (o *Orchestrator) buildPipeline(cfg *config.Config) (middleware.Handler, error) {
	authenticator, err := middleware.NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	terminal := middleware.Routing(o.resolverProxy(), o.sessionProxy(), o.callTimeout)
	return middleware.Chain(terminal,
		middleware.Auth(authenticator),
		middleware.Authz(cfg.Auth),
		middleware.Telemetry(o.logger),
		middleware.Audit(o.opts.Audit),
		middleware.Recovery(o.logger),
	), nil
}

// dispatch runs one request through whichever pipeline is current.
func (o *Orchestrator) dispatch(ctx context.Context, req *middleware.RequestContext) (any, error) {
	pipeline := o.pipeline.Load()
	if pipeline == nil {
		return nil, ErrNotRunning
	}
	return (*pipeline)(ctx, req)
}

// Serve runs the HTTP endpoint until ctx is cancelled. Call after Start.
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.mu.Lock()
	front := o.front
	o.mu.Unlock()
	if front == nil || o.state.current() != StateRunning {
		return ErrNotRunning
	}
	return front.ListenAndServe(ctx)
}

// Handler returns the mounted HTTP handler, for embedding instead of Serve.
func (o *Orchestrator) Handler() (http.Handler, error) {
	o.mu.Lock()
	front := o.front
	o.mu.Unlock()
	if front == nil {
		return nil, ErrNotRunning
	}
	return front.Handler(), nil
}

// Stop tears the service down: health loop, watcher, HTTP endpoint, then
// every backend connection. Stopping a service that never started is a
// no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.state.current() == StatePending {
		if err := o.state.to(StateStopped); err != nil {
			return err
		}
		return nil
	}
	// A stop request racing a startup forces the service through ERROR; the
	// teardown below then releases whatever startup had acquired.
	if o.state.current() == StateStarting {
		_ = o.state.to(StateError)
		o.events.emit(EventStateChanged, "", string(StateError))
	}
	if err := o.state.to(StateStopping); err != nil {
		return err
	}
	o.events.emit(EventStateChanged, "", string(StateStopping))

	var errs []error
	if err := o.teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.state.to(StateStopped); err != nil {
		errs = append(errs, err)
	}
	o.events.emit(EventStateChanged, "", string(StateStopped))
	o.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// teardown releases every published component. Idempotent: a second call
// finds the fields already cleared and does nothing. Shared by Stop and by
// the startup path that lost a race against a concurrent Stop.
func (o *Orchestrator) teardown(ctx context.Context) error {
	o.mu.Lock()
	watcher, checker, front, manager := o.watcher, o.checker, o.front, o.manager
	o.watcher, o.checker, o.front = nil, nil, nil
	o.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	if checker != nil {
		checker.Stop()
	}
	var errs []error
	if front != nil {
		if err := front.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown front end: %w", err))
		}
	}
	if manager != nil {
		if err := manager.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload applies an edited configuration without restarting: removed
// backends are torn down, added ones connected, changed ones reconnected,
// and the catalog rebuilt. A config that fails to load or validate leaves
// the running state untouched.
func (o *Orchestrator) Reload(ctx context.Context) (*ReloadResult, error) {
	o.reloadMu.Lock()
	defer o.reloadMu.Unlock()
	if o.state.current() != StateRunning {
		return nil, ErrNotRunning
	}

	next, err := config.Load(o.opts.ConfigPath)
	if err != nil {
		o.events.emit(EventReloadFailed, "", err.Error())
		return nil, err
	}
	strategy, err := registry.NewStrategy(next.Conflict)
	if err != nil {
		o.events.emit(EventReloadFailed, "", err.Error())
		return nil, err
	}
	pipeline, err := o.buildPipeline(next)
	if err != nil {
		o.events.emit(EventReloadFailed, "", err.Error())
		return nil, err
	}

	o.mu.Lock()
	old := o.cfg
	manager, reg, front := o.manager, o.reg, o.front
	o.mu.Unlock()

	diff := config.Compare(old, next)
	result := &ReloadResult{
		Added:   diff.Added,
		Removed: diff.Removed,
		Changed: diff.Changed,
		Failed:  make(map[string]string),
	}

	if next.Listen != old.Listen || next.Path != old.Path {
		o.logger.Warn("listen address and mount path changes require a restart",
			"listen", next.Listen, "path", next.Path)
	}

	for _, name := range diff.Removed {
		if err := manager.Remove(ctx, name); err != nil {
			result.Failed[name] = err.Error()
		}
		reg.RemoveBackend(name)
		o.events.emit(EventBackendRemoved, name, "removed from configuration")
	}
	for _, name := range diff.Added {
		if err := manager.Connect(ctx, next.Backends[name]); err != nil {
			result.Failed[name] = err.Error()
			o.events.emit(EventBackendFailed, name, err.Error())
			continue
		}
		o.events.emit(EventBackendConnected, name, "added by reload")
	}
	for _, name := range diff.Changed {
		if err := manager.Reconnect(ctx, name, next.Backends[name]); err != nil {
			result.Failed[name] = err.Error()
			o.events.emit(EventBackendFailed, name, err.Error())
			continue
		}
		o.mu.Lock()
		checker := o.checker
		o.mu.Unlock()
		if checker != nil {
			checker.ResetBackend(name)
		}
	}

	// The discovery pass clears the route map and re-registers every backend;
	// a lookup racing the rebuild can briefly miss an entry until its backend
	// finishes re-registering.
	reg.Configure(strategy, next.Backends)
	for name, err := range reg.DiscoverAll(ctx, manager.Sessions()) {
		if err != nil {
			result.Failed[name] = err.Error()
		}
	}
	front.Refresh(reg.Capabilities())

	o.mu.Lock()
	o.cfg = next
	o.mu.Unlock()
	o.pipeline.Store(&pipeline)
	o.events.setCapacity(next.EventCapacity)

	o.events.emit(EventReloadApplied, "", fmt.Sprintf("added=%d removed=%d changed=%d failed=%d",
		len(diff.Added), len(diff.Removed), len(diff.Changed), len(result.Failed)))
	o.logger.Info("configuration reloaded",
		"added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)
	return result, nil
}

// ReconnectBackend force-reconnects one backend and rediscovers its
// capabilities, leaving every other backend alone.
func (o *Orchestrator) ReconnectBackend(ctx context.Context, name string) error {
	o.reloadMu.Lock()
	defer o.reloadMu.Unlock()
	if o.state.current() != StateRunning {
		return ErrNotRunning
	}
	o.mu.Lock()
	manager, reg, front, checker := o.manager, o.reg, o.front, o.checker
	o.mu.Unlock()

	if err := manager.Reconnect(ctx, name, nil); err != nil {
		o.events.emit(EventBackendFailed, name, err.Error())
		return err
	}
	if checker != nil {
		checker.ResetBackend(name)
	}
	session, ok := manager.Session(name)
	if !ok {
		return fmt.Errorf("%w: %q", backend.ErrNotConnected, name)
	}
	if err := reg.DiscoverBackend(ctx, name, session); err != nil {
		return err
	}
	front.Refresh(reg.Capabilities())
	o.events.emit(EventBackendConnected, name, "reconnected")
	return nil
}

// rediscoverBackend restores a recovered backend's capabilities. Runs under
// the reload lock so it cannot interleave with a reload's rebuild.
func (o *Orchestrator) rediscoverBackend(ctx context.Context, name string) error {
	o.reloadMu.Lock()
	defer o.reloadMu.Unlock()
	o.mu.Lock()
	manager, reg, front := o.manager, o.reg, o.front
	o.mu.Unlock()
	if manager == nil || reg == nil || front == nil {
		return ErrNotRunning
	}
	session, ok := manager.Session(name)
	if !ok {
		return fmt.Errorf("%w: %q", backend.ErrNotConnected, name)
	}
	if err := reg.DiscoverBackend(ctx, name, session); err != nil {
		return err
	}
	front.Refresh(reg.Capabilities())
	return nil
}

// State returns the lifecycle position.
func (o *Orchestrator) State() ServiceState {
	return o.state.current()
}

// Status snapshots service, backend, and health state for operators.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	manager, checker, reg := o.manager, o.checker, o.reg
	o.mu.Unlock()
	status := Status{State: o.state.current()}
	if manager != nil {
		status.Backends = manager.Records()
		status.Connected = manager.ConnectedCount()
	}
	if checker != nil {
		status.Health = checker.Statuses()
	}
	if reg != nil {
		status.Capabilities = len(reg.Routes())
	}
	return status
}

// RouteMap returns a copy of the exposed-name route table.
func (o *Orchestrator) RouteMap() map[string]registry.Route {
	o.mu.Lock()
	reg := o.reg
	o.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Routes()
}

// Capabilities returns the aggregated catalog.
func (o *Orchestrator) Capabilities() []registry.Capability {
	o.mu.Lock()
	reg := o.reg
	o.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Capabilities()
}

// Events returns the retained event log.
func (o *Orchestrator) Events() []Event {
	return o.events.list()
}

// Subscribe streams future events. Slow consumers miss events instead of
// blocking the service; the returned cancel closes the channel.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.events.subscribe(buffer)
}

// resolverProxy and sessionProxy defer component lookup to call time, so the
// pipeline built before the registry can still route through it.
func (o *Orchestrator) resolverProxy() middleware.RouteResolver {
	return resolverFunc(func(exposed string) (registry.Route, bool) {
		o.mu.Lock()
		reg := o.reg
		o.mu.Unlock()
		if reg == nil {
			return registry.Route{}, false
		}
		return reg.Resolve(exposed)
	})
}

func (o *Orchestrator) sessionProxy() middleware.SessionSource {
	return sessionFunc(func(name string) (backend.Session, bool) {
		o.mu.Lock()
		manager := o.manager
		o.mu.Unlock()
		if manager == nil {
			return nil, false
		}
		return manager.Session(name)
	})
}

func (o *Orchestrator) callTimeout(name string) time.Duration {
	o.mu.Lock()
	manager := o.manager
	o.mu.Unlock()
	if manager == nil {
		return 0
	}
	if cfg, ok := manager.Config(name); ok {
		return cfg.CallTimeout
	}
	return 0
}

type resolverFunc func(exposed string) (registry.Route, bool)

func (f resolverFunc) Resolve(exposed string) (registry.Route, bool) { return f(exposed) }

type sessionFunc func(name string) (backend.Session, bool)

func (f sessionFunc) Session(name string) (backend.Session, bool) { return f(name) }
