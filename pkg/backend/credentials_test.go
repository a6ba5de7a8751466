package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/config"
)

func TestNoAuthYieldsNilProvider(t *testing.T) {
	creds, err := NewCredentialProvider(config.OutgoingAuth{})
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestStaticHeaders(t *testing.T) {
	creds, err := NewCredentialProvider(config.OutgoingAuth{
		Mode:    "static",
		Headers: map[string]string{"X-Api-Key": "abc123"},
	})
	require.NoError(t, err)

	h, err := creds.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", h.Get("X-Api-Key"))

	// Callers get a copy; mutating it must not leak back.
	h.Set("X-Api-Key", "tampered")
	h2, _ := creds.Headers(context.Background())
	assert.Equal(t, "abc123", h2.Get("X-Api-Key"))
}

func TestBearerEnv(t *testing.T) {
	t.Setenv("MESHGATE_TEST_TOKEN", "tok-123")
	creds, err := NewCredentialProvider(config.OutgoingAuth{
		Mode:     "bearer_env",
		TokenEnv: "MESHGATE_TEST_TOKEN",
	})
	require.NoError(t, err)

	h, err := creds.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", h.Get("Authorization"))
}

func TestBearerEnvEmptyValueFails(t *testing.T) {
	t.Setenv("MESHGATE_TEST_TOKEN", "")
	creds, err := NewCredentialProvider(config.OutgoingAuth{
		Mode:     "bearer_env",
		TokenEnv: "MESHGATE_TEST_TOKEN",
	})
	require.NoError(t, err, "construction succeeds; resolution fails at call time")
	_, err = creds.Headers(context.Background())
	assert.Error(t, err)
}

func TestInvalidModesRejected(t *testing.T) {
	_, err := NewCredentialProvider(config.OutgoingAuth{Mode: "kerberos"})
	assert.ErrorIs(t, err, config.ErrInvalidAuthMode)

	_, err = NewCredentialProvider(config.OutgoingAuth{Mode: "bearer_env"})
	assert.ErrorIs(t, err, config.ErrInvalidAuthMode, "bearer_env needs token_env")

	_, err = NewCredentialProvider(config.OutgoingAuth{Mode: "oauth2", ClientID: "id"})
	assert.ErrorIs(t, err, config.ErrInvalidAuthMode, "oauth2 needs token_url")
}
