package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meshgate/meshgate/pkg/config"
)

// releaseFunc tears down one acquired resource. Releases run in reverse
// acquisition order during disconnect and shutdown.
type releaseFunc func()

// dialFunc opens a transport for cfg and performs protocol initialization.
// The returned releases are in acquisition order. Swapped in tests.
type dialFunc func(ctx context.Context, cfg *config.Backend, creds CredentialProvider, logger *slog.Logger) (Session, []releaseFunc, error)

const drainAwait = 2 * time.Second

func (m *Manager) dialBackend(ctx context.Context, cfg *config.Backend, creds CredentialProvider, logger *slog.Logger) (Session, []releaseFunc, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return m.dialStdio(ctx, cfg, logger)
	case config.TransportStdioHTTP:
		return m.dialStdioHTTP(ctx, cfg, creds, logger)
	case config.TransportHTTP:
		session, err := m.dialHTTP(ctx, cfg, creds)
		if err != nil {
			return nil, nil, err
		}
		return session, []releaseFunc{closeSession(session, logger)}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, cfg.Transport)
	}
}

// dialStdio spawns the backend and speaks MCP over its pipes. The subprocess
// stderr is routed to a dedicated drain goroutine so diagnostics end up in
// the structured log instead of the shared process stderr.
func (m *Manager) dialStdio(ctx context.Context, cfg *config.Backend, logger *slog.Logger) (Session, []releaseFunc, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergedEnv(cfg.Env)

	pr, pw := io.Pipe()
	cmd.Stderr = pw
	drained := make(chan struct{})
	go drainLines(pr, logger, "stderr", drained)

	stderrRelease := func() {
		_ = pw.Close()
		awaitDrain(drained)
	}

	client := mcp.NewClient(m.impl, nil)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		stderrRelease()
		return nil, nil, err
	}
	return session, []releaseFunc{stderrRelease, closeSession(session, logger)}, nil
}

// dialStdioHTTP spawns the backend, gives it ReadyDelay to bind, then dials
// its local endpoint like any other HTTP backend.
func (m *Manager) dialStdioHTTP(ctx context.Context, cfg *config.Backend, creds CredentialProvider, logger *slog.Logger) (Session, []releaseFunc, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergedEnv(cfg.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	outDrained := make(chan struct{})
	errDrained := make(chan struct{})
	go drainLines(stdout, logger, "stdout", outDrained)
	go drainLines(stderr, logger, "stderr", errDrained)

	processRelease := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		awaitDrain(outDrained)
		awaitDrain(errDrained)
	}

	if cfg.ReadyDelay > 0 {
		select {
		case <-ctx.Done():
			processRelease()
			return nil, nil, ctx.Err()
		case <-time.After(cfg.ReadyDelay):
		}
	}

	session, err := m.dialHTTP(ctx, cfg, creds)
	if err != nil {
		processRelease()
		return nil, nil, err
	}
	return session, []releaseFunc{processRelease, closeSession(session, logger)}, nil
}

// dialHTTP prefers the streamable transport and falls back to SSE, unless the
// backend is marked SSE-first.
func (m *Manager) dialHTTP(ctx context.Context, cfg *config.Backend, creds CredentialProvider) (Session, error) {
	httpClient := decorateHTTPClient(http.DefaultClient, creds)
	streamable := &mcp.StreamableClientTransport{Endpoint: cfg.Endpoint, HTTPClient: httpClient, MaxRetries: cfg.Retries}
	sse := &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: httpClient}

	attempt := func(transport mcp.Transport) (Session, error) {
		client := mcp.NewClient(m.impl, nil)
		return client.Connect(ctx, transport, nil)
	}

	if cfg.PreferSSE {
		return attempt(sse)
	}
	session, streamErr := attempt(streamable)
	if streamErr == nil {
		return session, nil
	}
	session, err := attempt(sse)
	if err != nil {
		return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
	}
	return session, nil
}

func closeSession(session Session, logger *slog.Logger) releaseFunc {
	return func() {
		if err := session.Close(); err != nil {
			logger.Debug("session close", "error", err)
		}
	}
}

// drainLines copies one subprocess stream into the backend's logger, line by
// line, until the stream closes.
func drainLines(r io.Reader, logger *slog.Logger, stream string, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info("backend output", "stream", stream, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("drain ended", "stream", stream, "error", err)
	}
}

func awaitDrain(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(drainAwait):
	}
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // inherit the process environment
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// headerDecorator injects resolved credentials into every outgoing request.
type headerDecorator struct {
	next  http.RoundTripper
	creds CredentialProvider
}

func decorateHTTPClient(base *http.Client, creds CredentialProvider) *http.Client {
	if creds == nil {
		return base
	}
	clone := *base
	next := clone.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerDecorator{next: next, creds: creds}
	return &clone
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	headers, err := d.creds.Headers(req.Context())
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		for k, values := range headers {
			req.Header.Del(k)
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	return d.next.RoundTrip(req)
}
