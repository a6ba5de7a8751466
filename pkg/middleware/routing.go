package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meshgate/meshgate/pkg/backend"
	"github.com/meshgate/meshgate/pkg/registry"
)

// ErrUnknownCapability rejects a request naming nothing in the route map.
var ErrUnknownCapability = errors.New("unknown capability")

// ErrBackendUnavailable rejects a request whose owning backend holds no live
// session.
var ErrBackendUnavailable = errors.New("backend unavailable")

// RouteResolver is the slice of the registry the router needs.
type RouteResolver interface {
	Resolve(exposed string) (registry.Route, bool)
}

// SessionSource hands out the live session for a backend name.
type SessionSource interface {
	Session(name string) (backend.Session, bool)
}

// TimeoutFunc returns the per-call timeout for a backend; zero disables the
// deadline so only caller cancellation applies.
type TimeoutFunc func(backendName string) time.Duration

// Routing is the terminal handler: it resolves the exposed name, rewrites it
// to the backend's original, and forwards the call over the owning session.
// Caller cancellation propagates through ctx to the backend call.
func Routing(resolver RouteResolver, sessions SessionSource, timeout TimeoutFunc) Handler {
	return func(ctx context.Context, req *RequestContext) (any, error) {
		route, ok := resolver.Resolve(req.Capability)
		if !ok || route.Kind != req.Kind {
			return nil, fmt.Errorf("%w: %s %q", ErrUnknownCapability, req.Kind, req.Capability)
		}
		session, ok := sessions.Session(route.Backend)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, route.Backend)
		}
		req.Backend = route.Backend
		req.Original = route.Original

		if timeout != nil {
			if d := timeout(route.Backend); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
		}

		switch req.Kind {
		case registry.KindTool:
			return session.CallTool(ctx, &mcp.CallToolParams{Name: route.Original, Arguments: req.Arguments})
		case registry.KindPrompt:
			return session.GetPrompt(ctx, &mcp.GetPromptParams{Name: route.Original, Arguments: promptArgs(req.Arguments)})
		case registry.KindResource:
			return session.ReadResource(ctx, &mcp.ReadResourceParams{URI: route.Original})
		default:
			return nil, fmt.Errorf("%w: kind %q", ErrUnknownCapability, req.Kind)
		}
	}
}

func promptArgs(raw any) map[string]string {
	switch v := raw.(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			} else {
				out[k] = fmt.Sprint(item)
			}
		}
		return out
	default:
		return nil
	}
}
