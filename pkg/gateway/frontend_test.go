package gateway

import (
	"context"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/middleware"
	"github.com/meshgate/meshgate/pkg/registry"
)

// okPipeline satisfies the front end without routing anywhere.
func okPipeline(context.Context, *middleware.RequestContext) (any, error) {
	return &mcp.CallToolResult{}, nil
}

func newTestFrontEnd() *frontEnd {
	impl := &mcp.Implementation{Name: "meshgate-test", Version: "0.0.1"}
	return newFrontEnd(impl, okPipeline, "127.0.0.1:0", "/mcp")
}

// connectCatalogClient wires an SDK client to the front end's server over
// in-memory transports and returns the client session.
func connectCatalogClient(t *testing.T, f *frontEnd) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := f.server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "catalog-client", Version: "1.0.0"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSession.Close() })
	return clientSession
}

func toolCap(backendName, exposed, description string) registry.Capability {
	return registry.Capability{
		Exposed:     exposed,
		Original:    exposed,
		Backend:     backendName,
		Description: description,
		Kind:        registry.KindTool,
		Tool: &mcp.Tool{
			Name:        exposed,
			Description: description,
			InputSchema: &jsonschema.Schema{Type: "object"},
		},
	}
}

func listToolDescriptions(t *testing.T, session *mcp.ClientSession) map[string]string {
	t.Helper()
	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	out := make(map[string]string, len(res.Tools))
	for _, tool := range res.Tools {
		out[tool.Name] = tool.Description
	}
	return out
}

func TestRefreshAddsAndRemovesEntries(t *testing.T) {
	f := newTestFrontEnd()
	f.Refresh([]registry.Capability{
		toolCap("files", "files__read", "read a file"),
		toolCap("files", "files__write", "write a file"),
	})
	session := connectCatalogClient(t, f)

	require.Len(t, listToolDescriptions(t, session), 2)

	f.Refresh([]registry.Capability{toolCap("files", "files__read", "read a file")})
	tools := listToolDescriptions(t, session)
	require.Len(t, tools, 1)
	assert.Contains(t, tools, "files__read")
}

func TestRefreshReplacesChangedDefinition(t *testing.T) {
	f := newTestFrontEnd()
	f.Refresh([]registry.Capability{toolCap("files", "files__read", "v1")})
	session := connectCatalogClient(t, f)

	require.Equal(t, "v1", listToolDescriptions(t, session)["files__read"])

	// A rediscovery kept the exposed name but the backend changed the
	// definition behind it; the served catalog must follow.
	f.Refresh([]registry.Capability{toolCap("files", "files__read", "v2")})
	tools := listToolDescriptions(t, session)
	require.Len(t, tools, 1)
	assert.Equal(t, "v2", tools["files__read"])
}

func TestRefreshKeepsUnchangedEntries(t *testing.T) {
	f := newTestFrontEnd()
	cap1 := toolCap("files", "files__read", "read a file")
	f.Refresh([]registry.Capability{cap1})
	session := connectCatalogClient(t, f)

	f.Refresh([]registry.Capability{cap1})
	tools := listToolDescriptions(t, session)
	require.Len(t, tools, 1)
	assert.Equal(t, "read a file", tools["files__read"])
}
