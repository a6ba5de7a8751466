// Package registry aggregates the tools, prompts, and resources discovered
// across backends into one catalog with a single authoritative route map.
// Exposed names are derived by a pluggable conflict strategy; per-backend
// allow/deny filters and tool overrides are applied before a name is ever
// registered. Registration decisions run under one mutex with no suspension
// point, so concurrent discovery tasks cannot interleave inside a
// check-then-insert sequence.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/meshgate/meshgate/pkg/backend"
	"github.com/meshgate/meshgate/pkg/config"
)

// Kind distinguishes the three capability families.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Route maps an exposed name back to its owner. Resources are keyed by URI.
// Exposed names are unique across all three kinds; a name contested between
// kinds resolves through the conflict strategy like any other collision.
type Route struct {
	Backend  string `json:"backend"`
	Original string `json:"original"`
	Kind     Kind   `json:"kind"`
}

// Capability is one aggregated catalog entry. The embedded payload carries
// the exposed name so it can be served downstream directly.
type Capability struct {
	Exposed     string `json:"exposed"`
	Original    string `json:"original"`
	Backend     string `json:"backend"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`

	Tool     *mcp.Tool     `json:"-"`
	Prompt   *mcp.Prompt   `json:"-"`
	Resource *mcp.Resource `json:"-"`
}

type backendSettings struct {
	filter       Filter
	overrides    map[string]config.ToolOverride
	fetchTimeout time.Duration
}

// Registry owns the aggregate capability lists and the route map. It is
// rebuilt wholesale by DiscoverAll and mutated incrementally by
// RemoveBackend / DiscoverBackend; the caller serializes those two paths.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	strategy Strategy
	settings map[string]backendSettings
	routes   map[string]Route
	caps     map[string]*Capability
	owned    map[string][]string // backend -> exposed names
}

// New constructs an empty registry. Configure must run before discovery.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		settings: make(map[string]backendSettings),
		routes:   make(map[string]Route),
		caps:     make(map[string]*Capability),
		owned:    make(map[string][]string),
	}
}

// Configure installs the conflict strategy and the per-backend filters,
// overrides, and fetch timeouts derived from a config snapshot. Called at
// startup and again on every reload, before the discovery pass.
func (r *Registry) Configure(strategy Strategy, backends map[string]*config.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategy
	r.settings = make(map[string]backendSettings, len(backends))
	for name, b := range backends {
		r.settings[name] = backendSettings{
			filter:       Filter{Allow: b.Allow, Deny: b.Deny},
			overrides:    b.Overrides,
			fetchTimeout: b.FetchTimeout,
		}
	}
}

// DiscoverAll clears the aggregate state and re-enumerates every backend
// concurrently. Per-backend failures are collected in the returned map; one
// backend's failure never aborts its siblings.
func (r *Registry) DiscoverAll(ctx context.Context, sessions map[string]backend.Session) map[string]error {
	r.mu.Lock()
	r.routes = make(map[string]Route)
	r.caps = make(map[string]*Capability)
	r.owned = make(map[string][]string)
	r.mu.Unlock()

	results := make(map[string]error, len(sessions))
	var resultsMu sync.Mutex
	var g errgroup.Group
	for name, session := range sessions {
		g.Go(func() error {
			err := r.discoverOne(ctx, name, session)
			resultsMu.Lock()
			results[name] = err
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DiscoverBackend re-enumerates a single backend, replacing only its own
// entries and leaving every other backend's registrations untouched.
func (r *Registry) DiscoverBackend(ctx context.Context, name string, session backend.Session) error {
	r.mu.Lock()
	r.removeBackendLocked(name)
	r.mu.Unlock()
	return r.discoverOne(ctx, name, session)
}

// RemoveBackend purges every capability and route owned by name.
func (r *Registry) RemoveBackend(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeBackendLocked(name)
}

func (r *Registry) removeBackendLocked(name string) {
	for _, exposed := range r.owned[name] {
		delete(r.routes, exposed)
		delete(r.caps, exposed)
	}
	delete(r.owned, name)
}

// kindSpec parameterizes the discovery routine per capability family, so the
// list/register logic exists once instead of three times.
type kindSpec struct {
	kind Kind
	list func(ctx context.Context, s backend.Session) ([]item, error)
}

type item struct {
	name        string
	description string
	tool        *mcp.Tool
	prompt      *mcp.Prompt
	resource    *mcp.Resource
}

var kindSpecs = []kindSpec{
	{kind: KindTool, list: listTools},
	{kind: KindPrompt, list: listPrompts},
	{kind: KindResource, list: listResources},
}

func listTools(ctx context.Context, s backend.Session) ([]item, error) {
	res, err := s.ListTools(ctx, nil)
	if err != nil {
		if backend.IsMethodUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	items := make([]item, 0, len(res.Tools))
	for _, tool := range res.Tools {
		if tool == nil {
			continue
		}
		items = append(items, item{name: tool.Name, description: tool.Description, tool: tool})
	}
	return items, nil
}

func listPrompts(ctx context.Context, s backend.Session) ([]item, error) {
	res, err := s.ListPrompts(ctx, nil)
	if err != nil {
		if backend.IsMethodUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	items := make([]item, 0, len(res.Prompts))
	for _, prompt := range res.Prompts {
		if prompt == nil {
			continue
		}
		items = append(items, item{name: prompt.Name, description: prompt.Description, prompt: prompt})
	}
	return items, nil
}

func listResources(ctx context.Context, s backend.Session) ([]item, error) {
	res, err := s.ListResources(ctx, nil)
	if err != nil {
		if backend.IsMethodUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	items := make([]item, 0, len(res.Resources))
	for _, resource := range res.Resources {
		if resource == nil {
			continue
		}
		// Resources route by URI; the human-readable name is not unique.
		items = append(items, item{name: resource.URI, description: resource.Description, resource: resource})
	}
	return items, nil
}

func (r *Registry) discoverOne(ctx context.Context, name string, session backend.Session) error {
	r.mu.RLock()
	settings := r.settings[name]
	r.mu.RUnlock()
	timeout := settings.fetchTimeout
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout
	}

	perKind := make([][]item, len(kindSpecs))
	var g errgroup.Group
	for i, spec := range kindSpecs {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			items, err := spec.list(fctx, session)
			if err != nil {
				return fmt.Errorf("list %ss: %w", spec.kind, err)
			}
			perKind[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("capability discovery failed", "backend", name, "error", err)
		return fmt.Errorf("backend %q: %w", name, err)
	}

	for i, spec := range kindSpecs {
		for _, it := range perKind[i] {
			if err := r.register(name, spec.kind, it, settings); err != nil {
				return fmt.Errorf("backend %q: %w", name, err)
			}
		}
	}
	return nil
}

// register applies the filter, overrides, and conflict strategy for one item
// and inserts the winner. The whole decision holds the lock; there is no
// suspension point between the collision check and the insert.
func (r *Registry) register(backendName string, kind Kind, it item, settings backendSettings) error {
	if !settings.filter.Admit(it.name) {
		return nil
	}
	original := it.name
	// Rename/description overrides apply to tools only.
	if kind == KindTool {
		if ov, ok := settings.overrides[original]; ok {
			if ov.Name != "" {
				it.name = ov.Name
			}
			if ov.Description != "" {
				it.description = ov.Description
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exposed := r.strategy.TransformName(backendName, it.name)
	current, taken := r.routes[exposed]
	if taken {
		// A same-backend re-announcement of the same kind is a duplicate; a
		// collision between kinds is a real contest and goes to the strategy.
		if current.Backend == backendName && current.Kind == kind {
			r.logger.Warn("duplicate capability announcement", "backend", backendName, "name", exposed, "kind", string(kind))
			return nil
		}
		resolution, alt, err := r.strategy.ResolveConflict(backendName, exposed, current)
		switch resolution {
		case ResolutionSkip:
			r.logger.Warn("capability conflict, keeping existing", "name", exposed, "existing", current.Backend, "candidate", backendName)
			return nil
		case ResolutionReplace:
			r.logger.Info("capability conflict, replacing", "name", exposed, "evicted", current.Backend, "winner", backendName)
			r.evictLocked(current.Backend, exposed)
		case ResolutionRename:
			if _, stillTaken := r.routes[alt]; stillTaken {
				r.logger.Warn("rename target also taken, skipping", "name", exposed, "rename", alt, "backend", backendName)
				return nil
			}
			exposed = alt
		case ResolutionError:
			return err
		}
	}

	r.routes[exposed] = Route{Backend: backendName, Original: original, Kind: kind}
	r.caps[exposed] = buildCapability(backendName, kind, exposed, original, it)
	r.owned[backendName] = append(r.owned[backendName], exposed)
	return nil
}

func (r *Registry) evictLocked(owner, exposed string) {
	delete(r.routes, exposed)
	delete(r.caps, exposed)
	names := r.owned[owner]
	for i, n := range names {
		if n == exposed {
			r.owned[owner] = append(names[:i], names[i+1:]...)
			break
		}
	}
}

func buildCapability(backendName string, kind Kind, exposed, original string, it item) *Capability {
	c := &Capability{
		Exposed:     exposed,
		Original:    original,
		Backend:     backendName,
		Description: it.description,
		Kind:        kind,
	}
	switch kind {
	case KindTool:
		clone := *it.tool
		clone.Name = exposed
		clone.Description = it.description
		c.Tool = &clone
	case KindPrompt:
		clone := *it.prompt
		clone.Name = exposed
		c.Prompt = &clone
	case KindResource:
		clone := *it.resource
		clone.URI = exposed
		c.Resource = &clone
	}
	return c
}

// Resolve returns the route for an exposed name.
func (r *Registry) Resolve(exposed string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[exposed]
	return route, ok
}

// Routes returns a copy of the route map.
func (r *Registry) Routes() map[string]Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Route, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}

// Capabilities returns every catalog entry, ordered by exposed name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exposed < out[j].Exposed })
	return out
}

// Tools returns clones of the aggregated tool list.
func (r *Registry) Tools() []*mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mcp.Tool
	for _, c := range r.caps {
		if c.Kind == KindTool {
			clone := *c.Tool
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Prompts returns clones of the aggregated prompt list.
func (r *Registry) Prompts() []*mcp.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mcp.Prompt
	for _, c := range r.caps {
		if c.Kind == KindPrompt {
			clone := *c.Prompt
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resources returns clones of the aggregated resource list.
func (r *Registry) Resources() []*mcp.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mcp.Resource
	for _, c := range r.caps {
		if c.Kind == KindResource {
			clone := *c.Resource
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// CountFor reports how many capabilities a backend currently owns.
func (r *Registry) CountFor(backendName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owned[backendName])
}
