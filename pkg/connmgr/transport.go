package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const sessionIDHeaderName = "Mcp-Session-Id"

// buildStdioTransport spawns the configured subprocess and speaks the
// protocol over its stdin/stdout.
func buildStdioTransport(cfg *StdioServerConfig) mcp.Transport {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}
}

// httpTransportPair builds the two HTTP sub-transport candidates for a
// network descriptor: the Streamable HTTP channel and the SSE event-stream
// channel, each with its own decorated HTTP client.
func httpTransportPair(cfg *HTTPServerConfig, tracker *sessionTracker) (streamable, sse mcp.Transport) {
	streamHeaders := headersFromInit(cfg.RequestInit)
	streamClient := decorateHTTPClient(cfg.HTTPClient, streamHeaders, tracker, cfg.AuthProvider)
	streamable = &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: streamClient,
		MaxRetries: resolveMaxRetries(cfg),
	}

	sseHeaders := mergeHeaders(streamHeaders, headersFromSSEInit(cfg.EventSourceInit))
	sseClient := decorateHTTPClient(cfg.HTTPClient, sseHeaders, tracker, cfg.AuthProvider)
	sse = &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: sseClient}
	return streamable, sse
}

// preferSSE decides which HTTP sub-transport is dialed first. An explicit
// PreferSSE override wins; otherwise endpoints ending in /sse prefer the
// event-stream variant. The other variant is always tried as a fallback.
func preferSSE(cfg *HTTPServerConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

func resolveMaxRetries(cfg *HTTPServerConfig) int {
	if cfg.Reconnection != nil && cfg.Reconnection.MaxRetries != 0 {
		return cfg.Reconnection.MaxRetries
	}
	return cfg.MaxRetries
}

func headersFromInit(init *HTTPRequestInit) http.Header {
	if init == nil {
		return nil
	}
	return cloneHeader(init.Headers)
}

func headersFromSSEInit(init *SSERequestInit) http.Header {
	if init == nil {
		return nil
	}
	return cloneHeader(init.Headers)
}

func mergeHeaders(headers ...http.Header) http.Header {
	merged := http.Header{}
	for _, hdr := range headers {
		for k, values := range hdr {
			merged[k] = append([]string(nil), values...)
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// decorateHTTPClient layers configured headers, the sticky session ID, and
// the auth provider onto every outbound request without mutating the caller's
// client.
func decorateHTTPClient(base *http.Client, headers http.Header, tracker *sessionTracker, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerDecorator{
		next:         next,
		headers:      cloneHeader(headers),
		tracker:      tracker,
		authProvider: provider,
	}
	return &clone
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	tracker      *sessionTracker
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tracker != nil {
		if id := d.tracker.Value(); id != "" {
			req.Header.Set(sessionIDHeaderName, id)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

// sessionTracker holds the transport-assigned session identifier so HTTP
// requests after the handshake carry the sticky Mcp-Session-Id header.
type sessionTracker struct {
	mu    sync.RWMutex
	value string
}

func newSessionTracker(initial string) *sessionTracker {
	return &sessionTracker{value: initial}
}

func (s *sessionTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// loggingTransport wraps any SDK transport and feeds each message to an
// RPCLogger.
type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	if c.logger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}
