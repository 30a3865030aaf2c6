package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
)

// ServerSummary aggregates status information for a managed server.
type ServerSummary struct {
	ID     string
	Status ConnectionStatus
	Config ServerConfig
}

// Protocol operation names, used in error reporting and metrics labels.
const (
	opInitialize            = "initialize"
	opPing                  = "ping"
	opListTools             = "tools/list"
	opCallTool              = "tools/call"
	opListResources         = "resources/list"
	opReadResource          = "resources/read"
	opListResourceTemplates = "resources/templates/list"
	opSubscribe             = "resources/subscribe"
	opUnsubscribe           = "resources/unsubscribe"
	opListPrompts           = "prompts/list"
	opGetPrompt             = "prompts/get"
)

// Manager brokers connections to multiple MCP servers: it owns the registry
// of live sessions, dispatches RPC-style calls with deadlines and a uniform
// error shape, fans out server-pushed notifications, and bridges elicitation
// rounds back to installed handlers. Each Manager instance owns its own
// isolated state; there are no process-wide tables.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger
	metrics *metricsSet

	servers map[string]*serverState

	notifyHandlers map[string]map[NotificationKind][]NotificationHandlerFunc

	serverElicitations    map[string]ElicitationHandler
	globalElicitation     ElicitationHandler
	globalElicitationFunc GlobalElicitationCallback
	pendingElicitations   map[string]*pendingElicitation

	serverRemovedHandlers []func(string)
}

type serverState struct {
	// connMu serializes connect and disconnect per server so a reconnect
	// can never interleave with another lifecycle change for the same ID.
	connMu sync.Mutex

	config  ServerConfig
	timeout time.Duration

	client  *mcp.Client
	session *mcp.ClientSession
	tracker *sessionTracker
	queue   *notifyQueue

	toolsMeta map[string]map[string]any

	// callMu guards the cancel funcs of calls in flight on this server, so a
	// teardown can fail them instead of waiting out their deadlines.
	callMu   sync.Mutex
	calls    map[uint64]context.CancelFunc
	nextCall uint64
}

func newServerState() *serverState {
	return &serverState{
		toolsMeta: make(map[string]map[string]any),
		tracker:   newSessionTracker(""),
		calls:     make(map[uint64]context.CancelFunc),
	}
}

func (s *serverState) registerCall(cancel context.CancelFunc) uint64 {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.nextCall++
	s.calls[s.nextCall] = cancel
	return s.nextCall
}

func (s *serverState) unregisterCall(id uint64) {
	s.callMu.Lock()
	delete(s.calls, id)
	s.callMu.Unlock()
}

// cancelCalls aborts every call currently in flight on this server. Invoked
// after the session handle is cleared, so the aborted calls classify as
// connection-lost rather than timeouts.
func (s *serverState) cancelCalls() {
	s.callMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.calls))
	for _, cancel := range s.calls {
		cancels = append(cancels, cancel)
	}
	s.calls = make(map[uint64]context.CancelFunc)
	s.callMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// NewManager constructs a Manager with optional initial server
// configurations. Registered servers are not dialed until ConnectToServer is
// called, unless ManagerOptions.AutoConnect is set.
func NewManager(cfg map[string]ServerConfig, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	if options.DefaultClientVersion == "" {
		options.DefaultClientVersion = "1.0.0"
	}
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = 30 * time.Second
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	m := &Manager{
		options:             options,
		logger:              options.Logger,
		servers:             make(map[string]*serverState),
		notifyHandlers:      make(map[string]map[NotificationKind][]NotificationHandlerFunc),
		serverElicitations:  make(map[string]ElicitationHandler),
		pendingElicitations: make(map[string]*pendingElicitation),
	}
	if options.Metrics != nil {
		m.metrics = newMetricsSet(options.Metrics)
	}
	for id, sc := range cfg {
		state := newServerState()
		state.config = sc
		m.servers[id] = state
		if options.AutoConnect {
			go func(serverID string) {
				ctx, cancel := context.WithTimeout(context.Background(), m.options.DefaultTimeout)
				defer cancel()
				if _, err := m.ConnectToServer(ctx, serverID, nil); err != nil {
					m.logger.Warn("autoconnect failed", "server", serverID, "error", err)
				}
			}(id)
		}
	}
	return m
}

// ListServers returns the known server identifiers in sorted order.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether a server ID is known to the registry.
func (m *Manager) HasServer(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.servers[serverID]
	return ok
}

// GetServerConfig returns the registered configuration for a server, or nil
// when the ID is unknown.
func (m *Manager) GetServerConfig(serverID string) ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.servers[serverID]; ok {
		return state.config
	}
	return nil
}

// GetServerSummaries returns a status snapshot for every registered server.
func (m *Manager) GetServerSummaries() []ServerSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]ServerSummary, 0, len(m.servers))
	for id, state := range m.servers {
		status := StatusDisconnected
		if state.session != nil {
			status = StatusConnected
		}
		summaries = append(summaries, ServerSummary{ID: id, Status: status, Config: state.config})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// GetClient exposes the underlying SDK client for advanced scenarios. Nil
// when the server has never connected.
func (m *Manager) GetClient(serverID string) *mcp.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.servers[serverID]; ok {
		return state.client
	}
	return nil
}

// ConnectToServer establishes a session for serverID using cfg, or the
// previously registered configuration when cfg is nil. An existing live
// session for the same ID is torn down before the new handshake starts, so
// repeated connects are idempotent and a server ID maps to at most one live
// connection. On handshake failure nothing is left half-open: the transport
// is closed and no session is stored.
func (m *Manager) ConnectToServer(ctx context.Context, serverID string, cfg ServerConfig) (*mcp.ClientSession, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if serverID == "" {
		return nil, configError(serverID, errors.New("empty server id"))
	}

	m.mu.Lock()
	state, ok := m.servers[serverID]
	if !ok {
		if cfg == nil {
			m.mu.Unlock()
			return nil, configError(serverID, errors.New("unknown server and no configuration supplied"))
		}
		state = newServerState()
		m.servers[serverID] = state
	}
	m.mu.Unlock()

	state.connMu.Lock()
	defer state.connMu.Unlock()

	m.mu.Lock()
	if cfg != nil {
		if err := validateServerConfig(cfg); err != nil {
			m.mu.Unlock()
			return nil, configError(serverID, err)
		}
		state.config = cfg
	}
	if state.config == nil {
		m.mu.Unlock()
		return nil, configError(serverID, errors.New("missing configuration"))
	}
	base := state.config.base()
	timeout := base.Timeout
	if timeout <= 0 {
		timeout = m.options.DefaultTimeout
	}
	state.timeout = timeout
	prev := state.session
	prevQueue := state.queue
	state.session = nil
	state.client = nil
	state.queue = nil
	m.mu.Unlock()

	if prev != nil {
		state.cancelCalls()
		if err := prev.Close(); err != nil {
			m.logger.Debug("closing prior session", "server", serverID, "error", err)
		}
	}
	if prevQueue != nil {
		prevQueue.close()
	}

	session, client, queue, err := m.establishSession(ctx, serverID, state)
	if err != nil {
		var me *Error
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, &Error{ServerID: serverID, Op: opInitialize, Kind: KindHandshake, Err: err}
	}

	m.mu.Lock()
	state.session = session
	state.client = client
	state.queue = queue
	m.mu.Unlock()
	m.sessionGauge(1)
	m.logger.Info("connected", "server", serverID, "session", session.ID())

	go queue.run(func(item queuedNotification) { m.deliverNotification(serverID, item) })
	go m.monitorSession(serverID, state, session, queue, base.OnError)

	return session, nil
}

func (m *Manager) establishSession(ctx context.Context, serverID string, state *serverState) (*mcp.ClientSession, *mcp.Client, *notifyQueue, error) {
	base := state.config.base()
	impl := &mcp.Implementation{
		Name:    m.effectiveClientName(serverID),
		Version: m.effectiveClientVersion(base),
	}
	clientOpts := m.composeClientOptions(serverID, base)
	logger := m.resolveRPCLogger(base)
	queue := newNotifyQueue(m.options.NotificationBuffer)

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, *mcp.Client, error) {
		client := mcp.NewClient(impl, &clientOpts)
		client.AddReceivingMiddleware(m.notificationMiddleware(serverID, queue))
		if logger != nil {
			transport = &loggingTransport{serverID: serverID, delegate: transport, logger: logger}
		}
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, nil, err
		}
		return session, client, nil
	}

	connectCtx := ctx
	if state.timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, state.timeout)
		defer cancel()
	}

	switch cfg := state.config.(type) {
	case *StdioServerConfig:
		session, client, err := attempt(connectCtx, buildStdioTransport(cfg))
		if err != nil {
			return nil, nil, nil, err
		}
		return session, client, queue, nil
	case *HTTPServerConfig:
		session, client, err := m.dialHTTP(connectCtx, state, cfg, attempt)
		if err != nil {
			return nil, nil, nil, err
		}
		return session, client, queue, nil
	case *TransportServerConfig:
		session, client, err := attempt(connectCtx, cfg.Transport)
		if err != nil {
			return nil, nil, nil, err
		}
		return session, client, queue, nil
	default:
		return nil, nil, nil, configError(serverID, fmt.Errorf("unrecognized configuration %T", state.config))
	}
}

// dialHTTP tries the preferred HTTP sub-transport first and falls back to
// the other. When both fail, both errors are reported.
func (m *Manager) dialHTTP(
	ctx context.Context,
	state *serverState,
	cfg *HTTPServerConfig,
	attempt func(context.Context, mcp.Transport) (*mcp.ClientSession, *mcp.Client, error),
) (*mcp.ClientSession, *mcp.Client, error) {
	state.tracker.Set(cfg.SessionID)
	streamable, sse := httpTransportPair(cfg, state.tracker)

	order := []struct {
		name      string
		transport mcp.Transport
	}{
		{"streamable", streamable},
		{"sse", sse},
	}
	if preferSSE(cfg) {
		order[0], order[1] = order[1], order[0]
	}

	session, client, firstErr := attempt(ctx, order[0].transport)
	if firstErr == nil {
		state.tracker.Set(session.ID())
		return session, client, nil
	}
	session, client, err := attempt(ctx, order[1].transport)
	if err != nil {
		return nil, nil, fmt.Errorf("%s error: %v; %s error: %w", order[0].name, firstErr, order[1].name, err)
	}
	state.tracker.Set(session.ID())
	return session, client, nil
}

// monitorSession clears the registry entry when a session ends, so pending
// and subsequent calls observe the connection loss instead of a stale handle.
func (m *Manager) monitorSession(serverID string, state *serverState, session *mcp.ClientSession, queue *notifyQueue, onError func(error)) {
	err := session.Wait()
	queue.close()
	m.mu.Lock()
	current := state.session == session
	if current {
		state.session = nil
		state.client = nil
		state.queue = nil
	}
	m.mu.Unlock()
	if current {
		state.cancelCalls()
	}
	m.sessionGauge(-1)
	if err != nil {
		m.logger.Warn("session terminated", "server", serverID, "error", err)
		if onError != nil {
			onError(err)
		}
	}
}

func (m *Manager) effectiveClientName(serverID string) string {
	if m.options.DefaultClientName != "" {
		return m.options.DefaultClientName
	}
	return serverID
}

func (m *Manager) effectiveClientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	return m.options.DefaultClientVersion
}

// composeClientOptions layers the manager's routing on top of the default
// and per-server client options. Typed notification handlers supplied by the
// caller keep firing; the manager's own fan-out runs off the receiving
// middleware. The elicitation handler is always installed so the capability
// is negotiated and the fail-closed decline path is reachable.
func (m *Manager) composeClientOptions(serverID string, base *BaseServerConfig) mcp.ClientOptions {
	opts := m.options.DefaultClientOptions
	mergeClientOptions(&opts, &base.ClientOptions)

	callerElicit := opts.ElicitationHandler
	var fallback ElicitationHandler
	if callerElicit != nil {
		fallback = ElicitationHandler(callerElicit)
	}
	opts.ElicitationHandler = func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		return m.handleElicitation(ctx, serverID, req, fallback)
	}
	return opts
}

func (m *Manager) resolveRPCLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if m.options.RPCLogger != nil {
		return m.options.RPCLogger
	}
	if base.LogJSONRPC || m.options.DefaultLogJSONRPC {
		logger := m.logger
		return func(event RPCLogEvent) {
			logger.Debug("jsonrpc",
				"server", event.ServerID,
				"direction", string(event.Direction),
				"message", string(event.Message))
		}
	}
	return nil
}

// DisconnectServer closes the session for serverID, failing any calls still
// pending on it with a connection-lost condition, and clears the notification
// subscriptions and elicitation handler registered for that server. Calling
// it for an unknown or already disconnected server is a no-op.
func (m *Manager) DisconnectServer(ctx context.Context, serverID string) error {
	m.mu.RLock()
	state, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	state.connMu.Lock()
	m.mu.Lock()
	session := state.session
	queue := state.queue
	state.session = nil
	state.client = nil
	state.queue = nil
	delete(m.notifyHandlers, serverID)
	delete(m.serverElicitations, serverID)
	m.mu.Unlock()

	// The session handle is gone, so the aborted calls classify as
	// connection-lost. Cancelling before Close also keeps Close from waiting
	// out every pending call's deadline.
	state.cancelCalls()
	state.connMu.Unlock()

	if queue != nil {
		queue.close()
	}
	if session == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = session.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return closeErr
	}
}

// DisconnectAllServers disconnects every registered server. A failure to
// close one connection does not prevent closing the others.
func (m *Manager) DisconnectAllServers(ctx context.Context) error {
	var errs []error
	for _, id := range m.ListServers() {
		if err := m.DisconnectServer(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveServer disconnects serverID and forgets its configuration.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	if err := m.DisconnectServer(ctx, serverID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.servers, serverID)
	handlers := append([]func(string){}, m.serverRemovedHandlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		func(handler func(string)) {
			defer func() { _ = recover() }()
			handler(serverID)
		}(h)
	}
	return nil
}

// OnServerRemoved registers a callback invoked after RemoveServer deletes a
// server. Handlers run without the manager lock held.
func (m *Manager) OnServerRemoved(handler func(string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

// requireSession resolves the live session for an RPC verb. It never dials:
// callers connect explicitly, and a missing session is a KindNotConnected
// failure.
func (m *Manager) requireSession(serverID, op string) (*mcp.ClientSession, *serverState, time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.servers[serverID]
	if !ok || state.session == nil {
		err := notConnectedError(serverID, op)
		m.countCall(serverID, op, err)
		return nil, nil, 0, err
	}
	return state.session, state, state.timeout, nil
}

// callScope derives the context for one dispatched call and registers its
// cancel func on the server state, so a teardown can abort the call instead
// of leaving it suspended. The returned release must be deferred.
func (m *Manager) callScope(ctx context.Context, state *serverState, timeout time.Duration) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	id := state.registerCall(cancel)
	return ctx, func() {
		state.unregisterCall(id)
		cancel()
	}
}

// rpcError normalizes a failed dispatch into the uniform error shape. A
// transport that went away is a connection loss — checked first, so a call
// aborted by teardown is never mistaken for a timeout; a deadline expiry on
// a live connection is a timeout and leaves the connection alone.
func (m *Manager) rpcError(ctx context.Context, serverID, op string, session *mcp.ClientSession, err error) error {
	kind := KindInternal
	switch {
	case looksLikeClosedTransport(err) || !m.sessionLive(serverID, session):
		kind = KindConnectionLost
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	}
	werr := &Error{ServerID: serverID, Op: op, Kind: kind, Err: err}
	m.countCall(serverID, op, werr)
	return werr
}

func (m *Manager) sessionLive(serverID string, session *mcp.ClientSession) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.servers[serverID]
	return ok && state.session == session
}

// PingServer sends a protocol-level ping over the live session.
func (m *Manager) PingServer(ctx context.Context, serverID string, params *mcp.PingParams) error {
	session, state, timeout, err := m.requireSession(serverID, opPing)
	if err != nil {
		return err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	if err := session.Ping(ctx, params); err != nil {
		return m.rpcError(ctx, serverID, opPing, session, err)
	}
	m.countCall(serverID, opPing, nil)
	return nil
}

// ListTools lists the server's tools and refreshes the tools metadata cache
// as a side effect. Servers without tool support yield an empty list.
func (m *Manager) ListTools(ctx context.Context, serverID string, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	session, state, timeout, err := m.requireSession(serverID, opListTools)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	res, err := session.ListTools(ctx, params)
	if err != nil {
		if isMethodUnavailable(err) {
			m.storeToolsMeta(state, nil)
			m.countCall(serverID, opListTools, nil)
			return &mcp.ListToolsResult{Tools: []*mcp.Tool{}}, nil
		}
		return nil, m.rpcError(ctx, serverID, opListTools, session, err)
	}
	m.storeToolsMeta(state, res.Tools)
	m.countCall(serverID, opListTools, nil)
	return res, nil
}

func (m *Manager) storeToolsMeta(state *serverState, tools []*mcp.Tool) {
	meta := make(map[string]map[string]any)
	for _, tool := range tools {
		if tool != nil && tool.Meta != nil {
			meta[tool.Name] = tool.Meta
		}
	}
	m.mu.Lock()
	state.toolsMeta = meta
	m.mu.Unlock()
}

// GetTools aggregates tool lists across the given server IDs, defaulting to
// every registered server, refreshing each metadata cache along the way.
func (m *Manager) GetTools(ctx context.Context, serverIDs ...string) ([]*mcp.Tool, error) {
	ids := serverIDs
	if len(ids) == 0 {
		ids = m.ListServers()
	}
	var all []*mcp.Tool
	for _, id := range ids {
		res, err := m.ListTools(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
	}
	return all, nil
}

// GetAllToolsMetadata returns a copy of the metadata captured during the
// last successful ListTools for the server. Unknown or never-listed servers
// yield an empty map, never an error.
func (m *Manager) GetAllToolsMetadata(serverID string) map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.servers[serverID]
	if !ok {
		return map[string]map[string]any{}
	}
	snapshot := make(map[string]map[string]any, len(state.toolsMeta))
	for name, data := range state.toolsMeta {
		snapshot[name] = data
	}
	return snapshot
}

// ExecuteTool invokes a tool by name with an arguments bag. A result with
// IsError set is a successful dispatch whose tool reported failure; that is
// the caller's to interpret, not a manager error.
func (m *Manager) ExecuteTool(ctx context.Context, serverID, toolName string, args any) (*mcp.CallToolResult, error) {
	return m.ExecuteToolWithParams(ctx, serverID, &mcp.CallToolParams{Name: toolName, Arguments: args})
}

// ExecuteToolWithParams invokes a tool with fully specified CallToolParams,
// preserving metadata such as progress tokens.
func (m *Manager) ExecuteToolWithParams(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	session, state, timeout, err := m.requireSession(serverID, opCallTool)
	if err != nil {
		return nil, err
	}
	if params == nil || params.Name == "" {
		return nil, &Error{ServerID: serverID, Op: opCallTool, Kind: KindConfig, Err: errors.New("tool name is required")}
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	res, err := session.CallTool(ctx, params)
	if err != nil {
		return nil, m.rpcError(ctx, serverID, opCallTool, session, err)
	}
	m.countCall(serverID, opCallTool, nil)
	return res, nil
}

// ListResources lists the server's resources, degrading to an empty list on
// servers without resource support.
func (m *Manager) ListResources(ctx context.Context, serverID string, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	session, state, timeout, err := m.requireSession(serverID, opListResources)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	res, err := session.ListResources(ctx, params)
	if err != nil {
		if isMethodUnavailable(err) {
			m.countCall(serverID, opListResources, nil)
			return &mcp.ListResourcesResult{Resources: []*mcp.Resource{}}, nil
		}
		return nil, m.rpcError(ctx, serverID, opListResources, session, err)
	}
	m.countCall(serverID, opListResources, nil)
	return res, nil
}

// ReadResource reads one resource by URI.
func (m *Manager) ReadResource(ctx context.Context, serverID string, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	session, state, timeout, err := m.requireSession(serverID, opReadResource)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	res, err := session.ReadResource(ctx, params)
	if err != nil {
		return nil, m.rpcError(ctx, serverID, opReadResource, session, err)
	}
	m.countCall(serverID, opReadResource, nil)
	return res, nil
}

// ListResourceTemplates lists the server's resource templates, degrading to
// an empty list when unsupported.
func (m *Manager) ListResourceTemplates(ctx context.Context, serverID string, params *mcp.ListResourceTemplatesParams) (*mcp.ListResourceTemplatesResult, error) {
	session, state, timeout, err := m.requireSession(serverID, opListResourceTemplates)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	res, err := session.ListResourceTemplates(ctx, params)
	if err != nil {
		if isMethodUnavailable(err) {
			m.countCall(serverID, opListResourceTemplates, nil)
			return &mcp.ListResourceTemplatesResult{ResourceTemplates: []*mcp.ResourceTemplate{}}, nil
		}
		return nil, m.rpcError(ctx, serverID, opListResourceTemplates, session, err)
	}
	m.countCall(serverID, opListResourceTemplates, nil)
	return res, nil
}

// SubscribeResource subscribes to update notifications for one resource.
func (m *Manager) SubscribeResource(ctx context.Context, serverID string, params *mcp.SubscribeParams) error {
	session, state, timeout, err := m.requireSession(serverID, opSubscribe)
	if err != nil {
		return err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	if err := session.Subscribe(ctx, params); err != nil {
		return m.rpcError(ctx, serverID, opSubscribe, session, err)
	}
	m.countCall(serverID, opSubscribe, nil)
	return nil
}

// UnsubscribeResource cancels a subscription created via SubscribeResource.
func (m *Manager) UnsubscribeResource(ctx context.Context, serverID string, params *mcp.UnsubscribeParams) error {
	session, state, timeout, err := m.requireSession(serverID, opUnsubscribe)
	if err != nil {
		return err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	if err := session.Unsubscribe(ctx, params); err != nil {
		return m.rpcError(ctx, serverID, opUnsubscribe, session, err)
	}
	m.countCall(serverID, opUnsubscribe, nil)
	return nil
}

// ListPrompts lists the server's prompts, degrading to an empty list when
// unsupported.
func (m *Manager) ListPrompts(ctx context.Context, serverID string, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	session, state, timeout, err := m.requireSession(serverID, opListPrompts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	res, err := session.ListPrompts(ctx, params)
	if err != nil {
		if isMethodUnavailable(err) {
			m.countCall(serverID, opListPrompts, nil)
			return &mcp.ListPromptsResult{Prompts: []*mcp.Prompt{}}, nil
		}
		return nil, m.rpcError(ctx, serverID, opListPrompts, session, err)
	}
	m.countCall(serverID, opListPrompts, nil)
	return res, nil
}

// GetPrompt retrieves a single prompt from the server.
func (m *Manager) GetPrompt(ctx context.Context, serverID string, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	session, state, timeout, err := m.requireSession(serverID, opGetPrompt)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callScope(ctx, state, timeout)
	defer cancel()
	res, err := session.GetPrompt(ctx, params)
	if err != nil {
		return nil, m.rpcError(ctx, serverID, opGetPrompt, session, err)
	}
	m.countCall(serverID, opGetPrompt, nil)
	return res, nil
}

// GetSessionID returns the transport-assigned session identifier for a live
// connection. Transports that assign no identifier (stdio, in-process) yield
// an empty string; only a missing connection is an error.
func (m *Manager) GetSessionID(serverID string) (string, error) {
	m.mu.RLock()
	state, ok := m.servers[serverID]
	var session *mcp.ClientSession
	if ok {
		session = state.session
	}
	m.mu.RUnlock()
	if session == nil {
		return "", notConnectedError(serverID, "")
	}
	return session.ID(), nil
}

// GetConnectionStatusByAttemptingPing probes the connection with a short
// ping rather than trusting the cached session handle.
func (m *Manager) GetConnectionStatusByAttemptingPing(ctx context.Context, serverID string) ConnectionStatus {
	m.mu.RLock()
	state, ok := m.servers[serverID]
	var session *mcp.ClientSession
	if ok {
		session = state.session
	}
	m.mu.RUnlock()
	if session == nil {
		return StatusDisconnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := session.Ping(ctx, nil); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}
