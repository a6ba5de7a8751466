package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/meshgate/meshgate/pkg/config"
)

// CredentialProvider resolves the headers injected into outgoing requests for
// one backend.
type CredentialProvider interface {
	Headers(ctx context.Context) (http.Header, error)
}

// NewCredentialProvider builds a provider from a backend's outgoing-auth
// spec. A spec with an empty mode yields nil (no credential injection).
func NewCredentialProvider(spec config.OutgoingAuth) (CredentialProvider, error) {
	switch spec.Mode {
	case "":
		return nil, nil
	case "static":
		headers := make(http.Header, len(spec.Headers))
		for k, v := range spec.Headers {
			headers.Set(k, v)
		}
		return staticCredentials{headers: headers}, nil
	case "bearer_env":
		if spec.TokenEnv == "" {
			return nil, fmt.Errorf("%w: bearer_env auth requires token_env", config.ErrInvalidAuthMode)
		}
		return envBearerCredentials{envVar: spec.TokenEnv}, nil
	case "oauth2":
		if spec.TokenURL == "" || spec.ClientID == "" {
			return nil, fmt.Errorf("%w: oauth2 auth requires token_url and client_id", config.ErrInvalidAuthMode)
		}
		cc := &clientcredentials.Config{
			ClientID:     spec.ClientID,
			ClientSecret: spec.ClientSecret,
			TokenURL:     spec.TokenURL,
			Scopes:       spec.Scopes,
		}
		return &oauthCredentials{source: cc.TokenSource(context.Background())}, nil
	default:
		return nil, fmt.Errorf("%w: outgoing auth mode %q", config.ErrInvalidAuthMode, spec.Mode)
	}
}

type staticCredentials struct {
	headers http.Header
}

func (s staticCredentials) Headers(context.Context) (http.Header, error) {
	return s.headers.Clone(), nil
}

type envBearerCredentials struct {
	envVar string
}

func (e envBearerCredentials) Headers(context.Context) (http.Header, error) {
	token := os.Getenv(e.envVar)
	if token == "" {
		return nil, fmt.Errorf("bearer token env %s is empty", e.envVar)
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// oauthCredentials fetches service tokens through the client-credentials
// grant. The token source caches and refreshes internally.
type oauthCredentials struct {
	source oauth2.TokenSource
}

func (o *oauthCredentials) Headers(context.Context) (http.Header, error) {
	token, err := o.source.Token()
	if err != nil {
		return nil, fmt.Errorf("fetch oauth2 token: %w", err)
	}
	h := make(http.Header)
	token.SetAuthHeader(&http.Request{Header: h})
	return h, nil
}
