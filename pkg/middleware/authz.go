package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meshgate/meshgate/pkg/config"
)

// ErrForbidden rejects a request the policy table denies.
var ErrForbidden = errors.New("forbidden")

// Authz evaluates the ordered policy rules against the caller's roles and the
// exposed capability name. The first matching rule decides; a request no rule
// matches falls to the default effect (deny when unset).
func Authz(cfg config.AuthConfig) Middleware {
	defaultAllow := cfg.DefaultEffect == config.EffectAllow
	rules := append([]config.PolicyRule(nil), cfg.Policies...)
	return func(next Handler) Handler {
		return func(ctx context.Context, req *RequestContext) (any, error) {
			if !permitted(rules, defaultAllow, req.Identity, req.Capability) {
				return nil, fmt.Errorf("%w: %q may not access %q", ErrForbidden, req.Identity.Subject, req.Capability)
			}
			return next(ctx, req)
		}
	}
}

func permitted(rules []config.PolicyRule, defaultAllow bool, id Identity, capability string) bool {
	for _, rule := range rules {
		if rule.Role != "*" && !id.HasRole(rule.Role) {
			continue
		}
		if !resourceMatch(rule.Resource, capability) {
			continue
		}
		return rule.Effect == config.EffectAllow
	}
	return defaultAllow
}

// resourceMatch supports exact names, a trailing-star prefix, and the
// universal "*".
func resourceMatch(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
