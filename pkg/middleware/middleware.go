// Package middleware implements the inbound request pipeline: every call
// arriving at the front-end flows through an ordered chain of
// authentication, authorization, telemetry, audit, and panic recovery before
// the terminal routing handler forwards it to the owning backend.
package middleware

import (
	"context"
	"time"

	"github.com/meshgate/meshgate/pkg/registry"
)

// Identity is the authenticated caller attached to a request.
type Identity struct {
	Subject   string
	Roles     []string
	Anonymous bool
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequestContext carries one inbound call through the chain. Middlewares may
// mutate it; the terminal handler reads the routing fields.
type RequestContext struct {
	ID         string
	Kind       registry.Kind
	Capability string // exposed name (URI for resources)
	Arguments  any

	// Filled by routing once the capability resolves.
	Backend  string
	Original string

	Identity Identity
	Headers  map[string]string
	Start    time.Time

	// Err records the failure as the chain unwinds, so layers outside the
	// one that failed can observe it on the request itself.
	Err error
}

// Handler processes one request and produces the protocol-level result.
type Handler func(ctx context.Context, req *RequestContext) (any, error)

// Middleware wraps a handler with one pipeline concern.
type Middleware func(next Handler) Handler

// Chain composes middlewares around terminal; the first element is the
// outermost layer.
func Chain(terminal Handler, middlewares ...Middleware) Handler {
	h := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
