package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/meshgate/meshgate/pkg/middleware"
	"github.com/meshgate/meshgate/pkg/registry"
)

// frontEnd re-exposes the aggregated catalog as a single Streamable MCP
// endpoint. Every inbound call is translated into a RequestContext and run
// through the pipeline; the pipeline's terminal handler forwards it to the
// owning backend.
type frontEnd struct {
	impl     *mcp.Implementation
	pipeline middleware.Handler

	server      *mcp.Server
	httpHandler http.Handler

	serverMu   sync.Mutex
	tools      map[string]registry.Capability
	prompts    map[string]registry.Capability
	resources  map[string]registry.Capability
	httpMu     sync.Mutex
	httpServer *http.Server
	addr       string
}

func newFrontEnd(impl *mcp.Implementation, pipeline middleware.Handler, addr, path string) *frontEnd {
	f := &frontEnd{
		impl:      impl,
		pipeline:  pipeline,
		addr:      addr,
		tools:     make(map[string]registry.Capability),
		prompts:   make(map[string]registry.Capability),
		resources: make(map[string]registry.Capability),
	}
	f.server = mcp.NewServer(impl, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	stream := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return f.server
	}, nil)
	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})
	f.httpHandler = mountHandler(path, corsWrapper.Handler(captureHeaders(stream)))
	return f
}

// Refresh reconciles the served catalog against the registry snapshot:
// entries that disappeared are removed, new ones added, and entries whose
// definition changed under an unchanged name re-registered. Safe to call
// after every discovery pass.
func (f *frontEnd) Refresh(caps []registry.Capability) {
	next := map[registry.Kind]map[string]registry.Capability{
		registry.KindTool:     {},
		registry.KindPrompt:   {},
		registry.KindResource: {},
	}
	for _, c := range caps {
		next[c.Kind][c.Exposed] = c
	}

	f.serverMu.Lock()
	defer f.serverMu.Unlock()

	for name := range f.tools {
		if _, ok := next[registry.KindTool][name]; !ok {
			f.server.RemoveTools(name)
			delete(f.tools, name)
		}
	}
	for name := range f.prompts {
		if _, ok := next[registry.KindPrompt][name]; !ok {
			f.server.RemovePrompts(name)
			delete(f.prompts, name)
		}
	}
	for uri := range f.resources {
		if _, ok := next[registry.KindResource][uri]; !ok {
			f.server.RemoveResources(uri)
			delete(f.resources, uri)
		}
	}

	for name, c := range next[registry.KindTool] {
		if prev, ok := f.tools[name]; ok {
			if reflect.DeepEqual(prev, c) {
				continue
			}
			// Same exposed name, new definition: a rediscovery changed the
			// schema or description behind it.
			f.server.RemoveTools(name)
		}
		f.server.AddTool(c.Tool, f.makeToolHandler(name))
		f.tools[name] = c
	}
	for name, c := range next[registry.KindPrompt] {
		if prev, ok := f.prompts[name]; ok {
			if reflect.DeepEqual(prev, c) {
				continue
			}
			f.server.RemovePrompts(name)
		}
		f.server.AddPrompt(c.Prompt, f.makePromptHandler(name))
		f.prompts[name] = c
	}
	for uri, c := range next[registry.KindResource] {
		if prev, ok := f.resources[uri]; ok {
			if reflect.DeepEqual(prev, c) {
				continue
			}
			f.server.RemoveResources(uri)
		}
		f.server.AddResource(c.Resource, f.makeResourceHandler(uri))
		f.resources[uri] = c
	}
}

func (f *frontEnd) makeToolHandler(exposed string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil {
			args = req.Params.Arguments
		}
		result, err := f.dispatch(ctx, registry.KindTool, exposed, args)
		if err != nil {
			return nil, err
		}
		out, ok := result.(*mcp.CallToolResult)
		if !ok {
			return nil, fmt.Errorf("unexpected tool result type %T", result)
		}
		return out, nil
	}
}

func (f *frontEnd) makePromptHandler(exposed string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		result, err := f.dispatch(ctx, registry.KindPrompt, exposed, args)
		if err != nil {
			return nil, err
		}
		out, ok := result.(*mcp.GetPromptResult)
		if !ok {
			return nil, fmt.Errorf("unexpected prompt result type %T", result)
		}
		return out, nil
	}
}

func (f *frontEnd) makeResourceHandler(exposedURI string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		result, err := f.dispatch(ctx, registry.KindResource, exposedURI, nil)
		if err != nil {
			return nil, err
		}
		out, ok := result.(*mcp.ReadResourceResult)
		if !ok {
			return nil, fmt.Errorf("unexpected resource result type %T", result)
		}
		return out, nil
	}
}

func (f *frontEnd) dispatch(ctx context.Context, kind registry.Kind, exposed string, args any) (any, error) {
	req := &middleware.RequestContext{
		ID:         uuid.NewString(),
		Kind:       kind,
		Capability: exposed,
		Arguments:  args,
		Headers:    headersFromContext(ctx),
		Start:      time.Now(),
	}
	return f.pipeline(ctx, req)
}

// ListenAndServe runs the HTTP endpoint until ctx is cancelled or the server
// stops on its own.
func (f *frontEnd) ListenAndServe(ctx context.Context) error {
	f.httpMu.Lock()
	if f.httpServer != nil {
		addr := f.httpServer.Addr
		f.httpMu.Unlock()
		return fmt.Errorf("front end already serving on %s", addr)
	}
	srv := &http.Server{Addr: f.addr, Handler: f.httpHandler}
	f.httpServer = srv
	f.httpMu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return f.Shutdown(context.Background())
	case err := <-errCh:
		f.httpMu.Lock()
		if f.httpServer == srv {
			f.httpServer = nil
		}
		f.httpMu.Unlock()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown drains and stops the HTTP endpoint. No-op when not serving.
func (f *frontEnd) Shutdown(ctx context.Context) error {
	f.httpMu.Lock()
	srv := f.httpServer
	f.httpServer = nil
	f.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler exposes the mounted HTTP handler for embedding in a larger mux.
func (f *frontEnd) Handler() http.Handler {
	return f.httpHandler
}

func mountHandler(path string, handler http.Handler) http.Handler {
	if path == "" {
		return handler
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", handler)
	}
	return mux
}

type headersContextKey struct{}

// captureHeaders stashes the inbound transport headers the pipeline reads
// (authorization) into the request context, since protocol handlers only see
// the context by the time they run.
func captureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := make(map[string]string, 1)
		if v := r.Header.Get("Authorization"); v != "" {
			headers["Authorization"] = v
		}
		ctx := context.WithValue(r.Context(), headersContextKey{}, headers)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func headersFromContext(ctx context.Context) map[string]string {
	if headers, ok := ctx.Value(headersContextKey{}).(map[string]string); ok {
		return headers
	}
	return nil
}
