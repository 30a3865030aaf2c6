package gateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's own MCP server metadata.
	Implementation *mcp.Implementation
	// Addr is the listen address used by ListenAndServe. Defaults to ":8720".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Namespace controls how upstream names and URIs appear to downstream
	// clients. Defaults to PrefixNamespace.
	Namespace Namespace
	// AutoConnect eagerly dials every registered upstream during
	// construction and when AttachServer is called without a descriptor.
	AutoConnect bool
	// Streamable tweaks the Streamable HTTP handler passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
	// SyncTimeout bounds initial and incremental feature synchronization.
	// Defaults to 30s.
	SyncTimeout time.Duration

	// TokenVerifier validates bearer tokens on the Streamable endpoint.
	// Leaving it nil serves the endpoint without authentication.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tune the bearer token middleware; requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer, when set together with TokenVerifier, publishes
	// OAuth protected-resource metadata under /.well-known/.
	AuthorizationServer string
	// CORS applies a CORS policy to the whole mux. The metadata route always
	// allows cross-origin reads regardless of this setting.
	CORS *cors.Options
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "connmgr-gateway",
			Title:   "Connection Manager Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8720"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = PrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	return opts
}
