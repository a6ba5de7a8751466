package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/backend"
	"github.com/meshgate/meshgate/pkg/config"
)

// catalogSession serves fixed capability lists.
type catalogSession struct {
	tools     []string
	prompts   []string
	resources []string

	promptsErr error
}

func (s *catalogSession) ID() string                                  { return "test" }
func (s *catalogSession) Ping(context.Context, *mcp.PingParams) error { return nil }
func (s *catalogSession) Close() error                                { return nil }
func (s *catalogSession) Wait() error                                 { return nil }

func (s *catalogSession) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	res := &mcp.ListToolsResult{}
	for _, name := range s.tools {
		res.Tools = append(res.Tools, &mcp.Tool{Name: name, Description: "tool " + name})
	}
	return res, nil
}

func (s *catalogSession) ListPrompts(context.Context, *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	if s.promptsErr != nil {
		return nil, s.promptsErr
	}
	res := &mcp.ListPromptsResult{}
	for _, name := range s.prompts {
		res.Prompts = append(res.Prompts, &mcp.Prompt{Name: name})
	}
	return res, nil
}

func (s *catalogSession) ListResources(context.Context, *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	res := &mcp.ListResourcesResult{}
	for _, uri := range s.resources {
		res.Resources = append(res.Resources, &mcp.Resource{URI: uri, Name: uri})
	}
	return res, nil
}

func (s *catalogSession) CallTool(context.Context, *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (s *catalogSession) GetPrompt(context.Context, *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (s *catalogSession) ReadResource(context.Context, *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func configure(t *testing.T, r *Registry, strategyCfg config.ConflictConfig, backends map[string]*config.Backend) {
	t.Helper()
	strategy, err := NewStrategy(strategyCfg)
	require.NoError(t, err)
	if backends == nil {
		backends = map[string]*config.Backend{}
	}
	r.Configure(strategy, backends)
}

func TestPrefixStrategyNamespacesEverything(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyPrefix, Separator: "__"}, nil)

	sessions := map[string]backend.Session{
		"alpha": &catalogSession{tools: []string{"read"}},
		"beta":  &catalogSession{tools: []string{"read"}},
	}
	results := r.DiscoverAll(context.Background(), sessions)
	require.NoError(t, results["alpha"])
	require.NoError(t, results["beta"])

	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "read", routes["alpha__read"].Original)
	assert.Equal(t, "beta", routes["beta__read"].Backend)

	tools := r.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha__read", tools[0].Name, "served tool carries the exposed name")
}

func TestFirstWinsKeepsEarliestRegistrant(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyFirstWins}, nil)

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{tools: []string{"read"}}))
	require.NoError(t, r.DiscoverBackend(context.Background(), "beta", &catalogSession{tools: []string{"read"}}))

	routes := r.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "alpha", routes["read"].Backend)
	assert.Equal(t, 0, r.CountFor("beta"))
}

func TestPriorityStrategyEvicts(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{
		Strategy: config.StrategyPriority,
		Priority: []string{"beta", "alpha"},
	}, nil)

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{tools: []string{"read"}}))
	require.NoError(t, r.DiscoverBackend(context.Background(), "beta", &catalogSession{tools: []string{"read"}}))

	routes := r.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "beta", routes["read"].Backend, "higher priority evicts the incumbent")
	assert.Equal(t, 0, r.CountFor("alpha"))

	// The reverse order keeps beta as well: outcome is order-independent.
	r2 := New(nil)
	configure(t, r2, config.ConflictConfig{
		Strategy: config.StrategyPriority,
		Priority: []string{"beta", "alpha"},
	}, nil)
	require.NoError(t, r2.DiscoverBackend(context.Background(), "beta", &catalogSession{tools: []string{"read"}}))
	require.NoError(t, r2.DiscoverBackend(context.Background(), "alpha", &catalogSession{tools: []string{"read"}}))
	assert.Equal(t, "beta", r2.Routes()["read"].Backend)
}

func TestErrorStrategyAbortsOnConflict(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyError}, nil)

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{tools: []string{"read"}}))
	err := r.DiscoverBackend(context.Background(), "beta", &catalogSession{tools: []string{"read"}})
	require.ErrorIs(t, err, ErrNameConflict)
	assert.Contains(t, err.Error(), "alpha")
	assert.Contains(t, err.Error(), "beta")
}

// renameStrategy always proposes the same alternate, so a second collision is
// observable.
type renameStrategy struct{ alt string }

func (renameStrategy) TransformName(_, name string) string { return name }
func (s renameStrategy) ResolveConflict(string, string, Route) (Resolution, string, error) {
	return ResolutionRename, s.alt, nil
}

func TestRenameRetriesOnceThenSkips(t *testing.T) {
	r := New(nil)
	r.Configure(renameStrategy{alt: "read_2"}, map[string]*config.Backend{})

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{tools: []string{"read", "read_2"}}))
	require.NoError(t, r.DiscoverBackend(context.Background(), "beta", &catalogSession{tools: []string{"read"}}))

	// alpha owns both "read" and the rename target, so beta's entry is skipped.
	assert.Equal(t, "alpha", r.Routes()["read"].Backend)
	assert.Equal(t, "alpha", r.Routes()["read_2"].Backend)
	assert.Equal(t, 0, r.CountFor("beta"))
}

func TestRenameSucceedsWhenTargetFree(t *testing.T) {
	r := New(nil)
	r.Configure(renameStrategy{alt: "read_2"}, map[string]*config.Backend{})

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{tools: []string{"read"}}))
	require.NoError(t, r.DiscoverBackend(context.Background(), "beta", &catalogSession{tools: []string{"read"}}))

	assert.Equal(t, "beta", r.Routes()["read_2"].Backend)
	assert.Equal(t, "read", r.Routes()["read_2"].Original, "route keeps the backend's native name")
}

func TestSameBackendReannouncementIsSkipped(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyFirstWins}, nil)

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{
		tools: []string{"read", "read"},
	}))
	assert.Equal(t, 1, r.CountFor("alpha"))
}

func TestSameBackendCrossKindCollisionResolves(t *testing.T) {
	// One backend announcing a tool and a prompt under the same name is a
	// real contest over the exposed name, not a duplicate; the strategy gets
	// to resolve it.
	r := New(nil)
	r.Configure(renameStrategy{alt: "search_prompt"}, map[string]*config.Backend{})

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{
		tools:   []string{"search"},
		prompts: []string{"search"},
	}))

	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, KindTool, routes["search"].Kind)
	assert.Equal(t, KindPrompt, routes["search_prompt"].Kind)
	assert.Equal(t, "search", routes["search_prompt"].Original, "route keeps the backend's native name")
	assert.Equal(t, 2, r.CountFor("alpha"))
}

func TestFiltersApplyBeforeRegistration(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyPrefix, Separator: "__"}, map[string]*config.Backend{
		"alpha": {Name: "alpha", Allow: []string{"read", "db_*"}, Deny: []string{"db_drop"}},
	})

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{
		tools: []string{"read", "write", "db_query", "db_drop"},
	}))

	routes := r.Routes()
	assert.Contains(t, routes, "alpha__read")
	assert.Contains(t, routes, "alpha__db_query")
	assert.NotContains(t, routes, "alpha__write", "not on the allow list")
	assert.NotContains(t, routes, "alpha__db_drop", "deny wins over allow")
}

func TestToolOverridesRenameAndRedescribe(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyPrefix, Separator: "__"}, map[string]*config.Backend{
		"alpha": {Name: "alpha", Overrides: map[string]config.ToolOverride{
			"read": {Name: "fetch", Description: "fetch a document"},
		}},
	})

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{
		tools:   []string{"read"},
		prompts: []string{"read"},
	}))

	routes := r.Routes()
	route, ok := routes["alpha__fetch"]
	require.True(t, ok)
	assert.Equal(t, "read", route.Original, "routing uses the pre-override name")

	tools := r.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "fetch a document", tools[0].Description)

	// Overrides never touch prompts, even with a matching name.
	assert.Contains(t, routes, "alpha__read")
	assert.Equal(t, KindPrompt, routes["alpha__read"].Kind)
}

func TestMethodUnavailableYieldsEmptySet(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyPrefix, Separator: "__"}, nil)

	err := r.DiscoverBackend(context.Background(), "alpha", &catalogSession{
		tools:      []string{"read"},
		promptsErr: fmt.Errorf("jsonrpc: method not found"),
	})
	require.NoError(t, err, "missing optional methods are not failures")
	assert.Equal(t, 1, r.CountFor("alpha"))
}

func TestDiscoveryFailureReportsBackend(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyPrefix, Separator: "__"}, nil)

	sessions := map[string]backend.Session{
		"ok":     &catalogSession{tools: []string{"read"}},
		"broken": &catalogSession{promptsErr: fmt.Errorf("connection reset")},
	}
	results := r.DiscoverAll(context.Background(), sessions)
	assert.NoError(t, results["ok"])
	assert.Error(t, results["broken"], "real errors propagate per backend")
	assert.Equal(t, 1, r.CountFor("ok"), "a broken sibling does not block registration")
}

func TestRemoveBackendPurgesAndRediscoveryRestores(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyPrefix, Separator: "__"}, nil)

	session := &catalogSession{tools: []string{"read", "write"}, resources: []string{"file:///data"}}
	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", session))
	require.Equal(t, 3, r.CountFor("alpha"))

	r.RemoveBackend("alpha")
	assert.Equal(t, 0, r.CountFor("alpha"))
	assert.Empty(t, r.Routes())

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", session))
	assert.Equal(t, 3, r.CountFor("alpha"), "rediscovery restores the full count")
}

func TestResourcesRouteByURI(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyFirstWins}, nil)

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{
		resources: []string{"file:///data/report.txt"},
	}))

	route, ok := r.Resolve("file:///data/report.txt")
	require.True(t, ok)
	assert.Equal(t, KindResource, route.Kind)

	resources := r.Resources()
	require.Len(t, resources, 1)
	assert.Equal(t, "file:///data/report.txt", resources[0].URI)
}

func TestCapabilitiesSortedByExposedName(t *testing.T) {
	r := New(nil)
	configure(t, r, config.ConflictConfig{Strategy: config.StrategyPrefix, Separator: "__"}, nil)

	require.NoError(t, r.DiscoverBackend(context.Background(), "alpha", &catalogSession{
		tools: []string{"zeta", "alpha", "mid"},
	}))
	caps := r.Capabilities()
	require.Len(t, caps, 3)
	assert.Equal(t, "alpha__alpha", caps[0].Exposed)
	assert.Equal(t, "alpha__zeta", caps[2].Exposed)
}

func TestFilterSemantics(t *testing.T) {
	f := Filter{Allow: []string{"read", "db_*"}, Deny: []string{"db_drop"}}
	assert.True(t, f.Admit("read"))
	assert.True(t, f.Admit("db_query"))
	assert.False(t, f.Admit("db_drop"))
	assert.False(t, f.Admit("write"))

	empty := Filter{}
	assert.True(t, empty.Admit("anything"), "no lists means everything passes")

	denyOnly := Filter{Deny: []string{"secret_*"}}
	assert.False(t, denyOnly.Admit("secret_read"))
	assert.True(t, denyOnly.Admit("public_read"))
}

func TestNewStrategyRejectsUnknown(t *testing.T) {
	_, err := NewStrategy(config.ConflictConfig{Strategy: "coin-flip"})
	assert.ErrorIs(t, err, config.ErrInvalidStrategy)
}
