package backend

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the live-connection handle the manager holds per backend. It is
// the subset of *mcp.ClientSession the gateway touches, narrowed so tests can
// substitute fakes.
type Session interface {
	ID() string
	Ping(ctx context.Context, params *mcp.PingParams) error
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	ListPrompts(ctx context.Context, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error)
	ListResources(ctx context.Context, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	Close() error
	Wait() error
}

var _ Session = (*mcp.ClientSession)(nil)

// FailureClass buckets connect and call failures for diagnostics. One
// backend's class never changes how siblings are treated; it only shapes the
// status record and logs.
type FailureClass string

const (
	FailureConfig   FailureClass = "configuration"
	FailureTimeout  FailureClass = "timeout"
	FailureNetwork  FailureClass = "network"
	FailureInternal FailureClass = "internal"
)

// Classify assigns a failure class to err.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetwork
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return FailureConfig
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureNetwork
	}
	// The go-sdk surfaces dial failures as wrapped strings in some paths.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return FailureNetwork
	}
	return FailureInternal
}

// IsMethodUnavailable reports whether err looks like the backend rejecting an
// optional protocol method, in which case callers substitute an empty result
// rather than treating the backend as broken.
func IsMethodUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "not implemented") ||
		strings.Contains(msg, "unsupported") ||
		strings.Contains(msg, "does not support") ||
		strings.Contains(msg, "unimplemented")
}
