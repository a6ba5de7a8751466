package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshgate/meshgate/pkg/config"
)

// ErrUnauthenticated rejects a request whose caller could not be identified.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves an identity from the request's transport headers.
type Authenticator interface {
	Authenticate(ctx context.Context, headers map[string]string) (Identity, error)
}

// NewAuthenticator builds the authenticator for the configured inbound mode.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "", "anonymous":
		return anonymousAuth{}, nil
	case "static":
		return &staticAuth{tokens: cfg.Tokens}, nil
	case "jwt", "oidc":
		return &claimsAuth{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidAuthMode, cfg.Mode)
	}
}

// Auth attaches the resolved identity to the request, rejecting callers the
// authenticator cannot place.
func Auth(auth Authenticator) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *RequestContext) (any, error) {
			identity, err := auth.Authenticate(ctx, req.Headers)
			if err != nil {
				return nil, err
			}
			req.Identity = identity
			return next(ctx, req)
		}
	}
}

// anonymousAuth admits every caller under a fixed anonymous identity.
type anonymousAuth struct{}

func (anonymousAuth) Authenticate(context.Context, map[string]string) (Identity, error) {
	return Identity{Subject: "anonymous", Anonymous: true}, nil
}

// staticAuth matches the bearer token against the configured token table.
type staticAuth struct {
	tokens []config.StaticToken
}

func (a *staticAuth) Authenticate(_ context.Context, headers map[string]string) (Identity, error) {
	token, err := bearerToken(headers)
	if err != nil {
		return Identity{}, err
	}
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return Identity{Subject: t.Subject, Roles: append([]string(nil), t.Roles...)}, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: unknown token", ErrUnauthenticated)
}

// claimsAuth extracts subject and roles from a JWT. Signature verification is
// delegated to the ingress in front of the gateway; this layer only maps
// claims to an identity.
type claimsAuth struct{}

func (claimsAuth) Authenticate(_ context.Context, headers map[string]string) (Identity, error) {
	raw, err := bearerToken(headers)
	if err != nil {
		return Identity{}, err
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return Identity{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}
	return Identity{Subject: subject, Roles: rolesClaim(claims)}, nil
}

func rolesClaim(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"]
	if !ok {
		raw, ok = claims["groups"]
	}
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

func bearerToken(headers map[string]string) (string, error) {
	value := headers["Authorization"]
	if value == "" {
		value = headers["authorization"]
	}
	if value == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	token, ok := strings.CutPrefix(value, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: authorization header is not a bearer token", ErrUnauthenticated)
	}
	return token, nil
}
