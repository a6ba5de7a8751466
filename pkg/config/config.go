// Package config loads and validates the gateway configuration: one
// descriptor per backend plus the top-level settings that shape conflict
// resolution, health probing, and the inbound request pipeline.
//
// Sources are merged in priority order: environment variables (prefix
// MESHGATE_), the YAML config file, then built-in defaults. Sensitive values
// (backend env vars, auth headers, client secrets) are masked whenever a
// descriptor is serialized.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TransportKind selects how a backend connection is established.
type TransportKind string

const (
	// TransportStdio spawns the backend as a subprocess and speaks MCP over
	// its stdin/stdout pipes.
	TransportStdio TransportKind = "stdio"
	// TransportStdioHTTP spawns the backend, waits for it to bind, then dials
	// its local HTTP endpoint.
	TransportStdioHTTP TransportKind = "stdio+http"
	// TransportHTTP dials a remote streamable HTTP endpoint directly.
	TransportHTTP TransportKind = "http"
)

// Conflict strategy names accepted in the top-level configuration.
const (
	StrategyFirstWins = "first-wins"
	StrategyPrefix    = "prefix"
	StrategyPriority  = "priority"
	StrategyError     = "error"
)

// Policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

var (
	// ErrMissingCommand indicates a stdio backend has no command.
	ErrMissingCommand = errors.New("missing command")

	// ErrMissingEndpoint indicates an http backend has no endpoint.
	ErrMissingEndpoint = errors.New("missing endpoint")

	// ErrInvalidTransport indicates an unknown transport kind.
	ErrInvalidTransport = errors.New("invalid transport")

	// ErrInvalidStrategy indicates an unknown conflict strategy name.
	ErrInvalidStrategy = errors.New("invalid conflict strategy")

	// ErrInvalidEffect indicates a policy effect other than allow/deny.
	ErrInvalidEffect = errors.New("invalid policy effect")

	// ErrInvalidAuthMode indicates an unknown incoming auth mode.
	ErrInvalidAuthMode = errors.New("invalid auth mode")
)

// OutgoingAuth declares how credentials are attached to requests sent to a
// backend. Mode "" disables credential injection.
type OutgoingAuth struct {
	Mode         string            `mapstructure:"mode" json:"mode"` // "", "static", "bearer_env", "oauth2"
	Headers      map[string]string `mapstructure:"headers" json:"headers"`
	TokenEnv     string            `mapstructure:"token_env" json:"token_env"`
	TokenURL     string            `mapstructure:"token_url" json:"token_url"`
	ClientID     string            `mapstructure:"client_id" json:"client_id"`
	ClientSecret string            `mapstructure:"client_secret" json:"client_secret"`
	Scopes       []string          `mapstructure:"scopes" json:"scopes"`
}

// ToolOverride renames a tool and/or replaces its description before the
// conflict strategy sees it. Overrides apply to tools only; resources and
// prompts pass through untouched.
type ToolOverride struct {
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description"`
}

// Backend is the immutable per-backend connection descriptor. A reload
// replaces the whole value; nothing mutates one in place.
type Backend struct {
	Name string `mapstructure:"-" json:"name"`

	Transport TransportKind `mapstructure:"transport" json:"transport"`

	// Subprocess launch settings (stdio and stdio+http).
	Command string            `mapstructure:"command" json:"command"`
	Args    []string          `mapstructure:"args" json:"args"`
	Env     map[string]string `mapstructure:"env" json:"env"` // may contain API keys/tokens

	// Network settings (http and stdio+http).
	Endpoint   string        `mapstructure:"endpoint" json:"endpoint"`
	PreferSSE  bool          `mapstructure:"prefer_sse" json:"prefer_sse"`
	ReadyDelay time.Duration `mapstructure:"ready_delay" json:"ready_delay"` // spawn-then-dial settle time

	InitTimeout  time.Duration `mapstructure:"init_timeout" json:"init_timeout"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout" json:"call_timeout"`
	Retries      int           `mapstructure:"retries" json:"retries"`

	Allow     []string                `mapstructure:"allow" json:"allow"`
	Deny      []string                `mapstructure:"deny" json:"deny"`
	Overrides map[string]ToolOverride `mapstructure:"overrides" json:"overrides"`

	Auth OutgoingAuth `mapstructure:"auth" json:"auth"`
}

// MarshalJSON masks env values and credentials so descriptors are safe to log
// or return from status endpoints.
func (b Backend) MarshalJSON() ([]byte, error) {
	type alias Backend
	a := alias(b)
	if a.Env != nil {
		masked := make(map[string]string, len(a.Env))
		for k, v := range a.Env {
			masked[k] = maskSecret(v)
		}
		a.Env = masked
	}
	if a.Auth.Headers != nil {
		masked := make(map[string]string, len(a.Auth.Headers))
		for k, v := range a.Auth.Headers {
			masked[k] = maskSecret(v)
		}
		a.Auth.Headers = masked
	}
	a.Auth.ClientSecret = maskSecret(a.Auth.ClientSecret)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal backend %q: %w", b.Name, err)
	}
	return data, nil
}

// ConflictConfig selects the capability name conflict strategy.
type ConflictConfig struct {
	Strategy  string   `mapstructure:"strategy" json:"strategy"`
	Separator string   `mapstructure:"separator" json:"separator"`
	Priority  []string `mapstructure:"priority" json:"priority"`
}

// HealthConfig tunes the background prober and per-backend circuit breakers.
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval" json:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" json:"probe_timeout"`
	DegradedLatency  time.Duration `mapstructure:"degraded_latency" json:"degraded_latency"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" json:"cooldown"`
}

// StaticToken maps a bearer token to a fixed identity.
type StaticToken struct {
	Token   string   `mapstructure:"token" json:"-"`
	Subject string   `mapstructure:"subject" json:"subject"`
	Roles   []string `mapstructure:"roles" json:"roles"`
}

// PolicyRule grants or denies a role access to capabilities matching a
// resource pattern. Rules are evaluated in declaration order; the first match
// wins.
type PolicyRule struct {
	Role     string `mapstructure:"role" json:"role"`
	Resource string `mapstructure:"resource" json:"resource"` // exact name, "prefix*", or "*"
	Effect   string `mapstructure:"effect" json:"effect"`
}

// AuthConfig configures the inbound side of the pipeline.
type AuthConfig struct {
	Mode          string        `mapstructure:"mode" json:"mode"` // "anonymous", "static", "jwt", "oidc"
	Tokens        []StaticToken `mapstructure:"tokens" json:"tokens"`
	DefaultEffect string        `mapstructure:"default_effect" json:"default_effect"`
	Policies      []PolicyRule  `mapstructure:"policies" json:"policies"`
}

// Config is the full validated gateway configuration snapshot.
type Config struct {
	Listen string `mapstructure:"listen" json:"listen"`
	Path   string `mapstructure:"path" json:"path"`

	Conflict ConflictConfig `mapstructure:"conflict" json:"conflict"`
	Health   HealthConfig   `mapstructure:"health" json:"health"`
	Auth     AuthConfig     `mapstructure:"auth" json:"auth"`

	EventCapacity int `mapstructure:"event_capacity" json:"event_capacity"`

	Backends map[string]*Backend `mapstructure:"backends" json:"backends"`
}

// Validate checks the snapshot for structural errors. Per-backend problems
// are reported with the backend name so operators can find the offender.
func (c *Config) Validate() error {
	switch c.Conflict.Strategy {
	case StrategyFirstWins, StrategyPrefix, StrategyPriority, StrategyError:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Conflict.Strategy)
	}
	switch c.Auth.Mode {
	case "", "anonymous", "static", "jwt", "oidc":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAuthMode, c.Auth.Mode)
	}
	switch c.Auth.DefaultEffect {
	case "", EffectAllow, EffectDeny:
	default:
		return fmt.Errorf("%w: default_effect %q", ErrInvalidEffect, c.Auth.DefaultEffect)
	}
	for _, rule := range c.Auth.Policies {
		if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
			return fmt.Errorf("%w: policy for role %q has effect %q", ErrInvalidEffect, rule.Role, rule.Effect)
		}
	}
	for name, b := range c.Backends {
		if err := b.validate(); err != nil {
			return fmt.Errorf("backend %q: %w", name, err)
		}
	}
	return nil
}

func (b *Backend) validate() error {
	switch b.Transport {
	case TransportStdio:
		if b.Command == "" {
			return ErrMissingCommand
		}
	case TransportStdioHTTP:
		if b.Command == "" {
			return ErrMissingCommand
		}
		if b.Endpoint == "" {
			return ErrMissingEndpoint
		}
	case TransportHTTP:
		if b.Endpoint == "" {
			return ErrMissingEndpoint
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, b.Transport)
	}
	return nil
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	return "****"
}
