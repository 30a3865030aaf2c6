package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent carries one JSON-RPC message for custom wire logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when wire logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPAuthProvider supplies the Authorization header value (for example
// "Bearer <token>") for outbound HTTP requests. Token acquisition and storage
// are the caller's concern; the manager only asks for the current value.
type HTTPAuthProvider func(context.Context) (string, error)

// HTTPRequestInit customizes the Streamable HTTP request channel.
type HTTPRequestInit struct {
	Headers http.Header
}

// SSERequestInit customizes the SSE event-stream channel.
type SSERequestInit struct {
	Headers http.Header
}

// ReconnectionOptions configures the retry strategy of the Streamable HTTP
// transport.
type ReconnectionOptions struct {
	MaxRetries int
}

// BaseServerConfig carries the per-server overrides shared by every
// descriptor variant. The negotiated capability set follows from the
// handlers installed in ClientOptions; the SDK advertises exactly what the
// client can handle.
type BaseServerConfig struct {
	ClientOptions mcp.ClientOptions
	Timeout       time.Duration
	Version       string
	OnError       func(error)
	LogJSONRPC    bool
	RPCLogger     RPCLogger
}

// StdioServerConfig describes a server launched as a subprocess and spoken to
// over its standard input/output streams.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes a server reachable over the Streamable HTTP
// transport, with SSE as the secondary event-stream variant.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint   string
	HTTPClient *http.Client
	MaxRetries int

	RequestInit     *HTTPRequestInit
	EventSourceInit *SSERequestInit
	AuthProvider    HTTPAuthProvider
	Reconnection    *ReconnectionOptions
	// SessionID seeds the Mcp-Session-Id header so a reconnect can resume a
	// sticky server-side session.
	SessionID string
	// PreferSSE selects which HTTP sub-transport is attempted first. When
	// nil, endpoints ending in /sse prefer SSE. The non-preferred variant is
	// always tried as a fallback.
	PreferSSE *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// TransportServerConfig wires a pre-built SDK transport straight into the
// manager. Embedders use it to manage in-process servers; tests use it with
// mcp.NewInMemoryTransports.
type TransportServerConfig struct {
	BaseServerConfig
	Transport mcp.Transport
}

func (c *TransportServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is the closed set of server descriptors. Exactly one concrete
// shape applies per server; the variants cannot be mixed.
type ServerConfig interface {
	base() *BaseServerConfig
}

func validateServerConfig(cfg ServerConfig) error {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c.Command == "" {
			return errors.New("stdio descriptor missing command")
		}
	case *HTTPServerConfig:
		if c.Endpoint == "" {
			return errors.New("http descriptor missing endpoint")
		}
	case *TransportServerConfig:
		if c.Transport == nil {
			return errors.New("transport descriptor missing transport")
		}
	case nil:
		return errors.New("nil server configuration")
	default:
		return errors.New("unrecognized server configuration shape")
	}
	return nil
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, the server ID is used.
	DefaultClientName string
	// DefaultClientVersion is the semantic version reported to servers.
	DefaultClientVersion string
	// DefaultTimeout applies whenever a server configuration omits an
	// explicit timeout. Defaults to 30s.
	DefaultTimeout time.Duration
	// DefaultClientOptions are merged into each server's options before
	// connecting.
	DefaultClientOptions mcp.ClientOptions
	// DefaultLogJSONRPC toggles wire logging for all servers unless
	// overridden per server.
	DefaultLogJSONRPC bool
	// RPCLogger receives JSON-RPC traffic; takes precedence over
	// DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// Logger receives structured lifecycle diagnostics. Defaults to
	// slog.Default.
	Logger *slog.Logger
	// Metrics, when non-nil, registers Prometheus collectors for calls,
	// notifications, and live sessions.
	Metrics prometheus.Registerer
	// NotificationBuffer sizes each connection's ordered notification queue.
	// Defaults to 64.
	NotificationBuffer int
	// AutoConnect dials all configured servers in the background right after
	// construction. RPC verbs never auto-connect on their own.
	AutoConnect bool
}

func (o *ManagerOptions) normalized() ManagerOptions {
	if o == nil {
		return ManagerOptions{}
	}
	return *o
}

// ConfigTransport identifies the transport family of a ServerConfig.
type ConfigTransport string

const (
	TransportStdio     ConfigTransport = "stdio"
	TransportHTTP      ConfigTransport = "http"
	TransportInProcess ConfigTransport = "inprocess"
)

// TransportOf returns the transport kind for a ServerConfig, or "" for nil or
// unknown implementations.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *HTTPServerConfig:
		return TransportHTTP
	case *TransportServerConfig:
		return TransportInProcess
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsHTTP reports whether cfg is a *HTTPServerConfig.
func IsHTTP(cfg ServerConfig) bool {
	_, ok := cfg.(*HTTPServerConfig)
	return ok
}

// AsStdio narrows cfg to *StdioServerConfig.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}

func mergeClientOptions(dst, src *mcp.ClientOptions) {
	if src == nil {
		return
	}
	if src.CreateMessageHandler != nil {
		dst.CreateMessageHandler = src.CreateMessageHandler
	}
	if src.ElicitationHandler != nil {
		dst.ElicitationHandler = src.ElicitationHandler
	}
	if src.ToolListChangedHandler != nil {
		dst.ToolListChangedHandler = src.ToolListChangedHandler
	}
	if src.PromptListChangedHandler != nil {
		dst.PromptListChangedHandler = src.PromptListChangedHandler
	}
	if src.ResourceListChangedHandler != nil {
		dst.ResourceListChangedHandler = src.ResourceListChangedHandler
	}
	if src.ResourceUpdatedHandler != nil {
		dst.ResourceUpdatedHandler = src.ResourceUpdatedHandler
	}
	if src.LoggingMessageHandler != nil {
		dst.LoggingMessageHandler = src.LoggingMessageHandler
	}
	if src.ProgressNotificationHandler != nil {
		dst.ProgressNotificationHandler = src.ProgressNotificationHandler
	}
	if src.KeepAlive != 0 {
		dst.KeepAlive = src.KeepAlive
	}
}
