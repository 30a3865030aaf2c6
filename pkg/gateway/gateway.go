package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/dreece/mcp-connmgr-go/pkg/connmgr"
)

const protectedResourcePath = "/.well-known/oauth-protected-resource"

// Gateway exposes every server managed by a connmgr.Manager behind a single
// Streamable HTTP endpoint. Upstream tools, prompts, and resources are
// re-published under namespaced identifiers; calls, subscriptions,
// notifications, progress, and elicitation rounds are relayed between the
// downstream client and the upstream fleet.
type Gateway struct {
	manager    *connmgr.Manager
	opts       Options
	catalog    *catalog
	progress   *progressRouter
	downstream *downstreamRegistry

	server  *mcp.Server
	stream  *mcp.StreamableHTTPHandler
	mux     *http.ServeMux
	handler http.Handler

	// serverMu serializes reconciliation of the fronting server's feature
	// set, so concurrent re-syncs cannot interleave removes and adds.
	serverMu sync.Mutex

	httpMu  sync.Mutex
	httpSrv *http.Server

	hookMu sync.Mutex
	hooked map[string]struct{}
}

// NewGateway builds a Gateway over mgr, publishes the current feature
// snapshot, and registers change watchers for every known server.
func NewGateway(mgr *connmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("gateway: manager is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("gateway: TokenOptions require a TokenVerifier")
	}

	g := &Gateway{
		manager:    mgr,
		opts:       options,
		catalog:    newCatalog(options.Namespace),
		progress:   newProgressRouter(),
		downstream: newDownstreamRegistry(),
		hooked:     make(map[string]struct{}),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:           true,
		HasPrompts:         true,
		HasResources:       true,
		SubscribeHandler:   g.handleSubscribe,
		UnsubscribeHandler: g.handleUnsubscribe,
	})
	g.stream = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.mux = http.NewServeMux()
	g.mountRoutes()

	mgr.SetElicitationCallback(g.relayElicitation)
	mgr.OnServerRemoved(func(serverID string) {
		g.purgeServer(serverID)
	})

	ctx := context.Background()
	for _, serverID := range mgr.ListServers() {
		g.registerServerHooks(serverID)
		if options.AutoConnect {
			if _, err := mgr.ConnectToServer(ctx, serverID, nil); err != nil {
				options.Logger.Warn("autoconnect failed", "server", serverID, "error", err)
			}
		}
	}
	if err := g.SyncAll(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) mountRoutes() {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var endpoint http.Handler = g.stream
	if g.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(endpoint)
	}
	g.mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		g.mux.Handle(path+"/", endpoint)
	}

	if g.opts.TokenVerifier != nil && g.opts.AuthorizationServer != "" {
		// Cross-origin reads are always allowed on the discovery document;
		// browser-based clients fetch it before they have a token.
		metaCORS := cors.New(cors.Options{
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		})
		g.mux.Handle(protectedResourcePath, metaCORS.Handler(http.HandlerFunc(g.serveProtectedResourceMetadata)))
	}

	g.handler = g.mux
	if g.opts.CORS != nil {
		g.handler = cors.New(*g.opts.CORS).Handler(g.mux)
	}
}

func (g *Gateway) serveProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	resource := ""
	if g.opts.TokenOptions != nil {
		resource = g.opts.TokenOptions.ResourceMetadataURL
	}
	doc := struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
		BearerMethods        []string `json:"bearer_methods_supported"`
	}{
		Resource:             resource,
		AuthorizationServers: []string{g.opts.AuthorizationServer},
		BearerMethods:        []string{"header"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// Handler returns the HTTP handler serving the Streamable endpoint plus any
// additional routes registered on ServeMux.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// ServeMux exposes the gateway's mux so embedders can attach custom routes
// such as health checks alongside the protocol endpoint.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Options returns a copy of the effective configuration.
func (g *Gateway) Options() Options {
	return g.opts
}

// ListenAndServe runs an HTTP server on Options.Addr until ctx is cancelled
// or the server stops on its own.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpMu.Lock()
	if g.httpSrv != nil {
		running := g.httpSrv
		g.httpMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", running.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpSrv = srv
	g.httpMu.Unlock()
	defer func() {
		g.httpMu.Lock()
		if g.httpSrv == srv {
			g.httpSrv = nil
		}
		g.httpMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if one is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpMu.Lock()
	srv := g.httpSrv
	g.httpSrv = nil
	g.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// AttachServer connects and publishes a server that was added to the manager
// after the gateway was constructed.
func (g *Gateway) AttachServer(ctx context.Context, serverID string, cfg connmgr.ServerConfig) error {
	if cfg != nil {
		if _, err := g.manager.ConnectToServer(ctx, serverID, cfg); err != nil {
			return err
		}
	} else if g.opts.AutoConnect {
		if _, err := g.manager.ConnectToServer(ctx, serverID, nil); err != nil {
			return err
		}
	}
	g.registerServerHooks(serverID)
	return g.SyncServer(ctx, serverID)
}

// DetachServer unpublishes a server's features and disconnects it.
func (g *Gateway) DetachServer(ctx context.Context, serverID string) error {
	g.purgeServer(serverID)
	return g.manager.DisconnectServer(ctx, serverID)
}

// SyncAll refreshes the published feature set for every known server.
func (g *Gateway) SyncAll(ctx context.Context) error {
	var lastErr error
	for _, serverID := range g.manager.ListServers() {
		if err := g.SyncServer(ctx, serverID); err != nil {
			lastErr = err
			g.logError("sync server", err, "server", serverID)
		}
	}
	return lastErr
}

// SyncServer refreshes one server's published tools, prompts, resources, and
// resource templates.
func (g *Gateway) SyncServer(ctx context.Context, serverID string) error {
	if err := g.syncTools(ctx, serverID); err != nil {
		return err
	}
	if err := g.syncPrompts(ctx, serverID); err != nil {
		return err
	}
	if err := g.syncResources(ctx, serverID); err != nil {
		return err
	}
	return g.syncTemplates(ctx, serverID)
}

func (g *Gateway) syncTools(ctx context.Context, serverID string) error {
	ctx, cancel := g.syncContext(ctx)
	defer cancel()
	res, err := g.manager.ListTools(ctx, serverID, nil)
	var tools []*mcp.Tool
	switch {
	case err == nil:
		tools = res.Tools
	case connmgr.IsNotConnected(err):
		// An idle server publishes nothing until it is connected.
	default:
		return err
	}
	removed, added := g.catalog.RebuildTools(serverID, tools)
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, entry := range added {
		g.server.AddTool(entry.Tool, g.makeToolHandler(entry.Target))
	}
	return nil
}

func (g *Gateway) syncPrompts(ctx context.Context, serverID string) error {
	ctx, cancel := g.syncContext(ctx)
	defer cancel()
	res, err := g.manager.ListPrompts(ctx, serverID, nil)
	var prompts []*mcp.Prompt
	switch {
	case err == nil:
		prompts = res.Prompts
	case connmgr.IsNotConnected(err):
	default:
		return err
	}
	removed, added := g.catalog.RebuildPrompts(serverID, prompts)
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removed) > 0 {
		g.server.RemovePrompts(removed...)
	}
	for _, entry := range added {
		g.server.AddPrompt(entry.Prompt, g.makePromptHandler(entry.Target))
	}
	return nil
}

func (g *Gateway) syncResources(ctx context.Context, serverID string) error {
	ctx, cancel := g.syncContext(ctx)
	defer cancel()
	res, err := g.manager.ListResources(ctx, serverID, nil)
	var resources []*mcp.Resource
	switch {
	case err == nil:
		resources = res.Resources
	case connmgr.IsNotConnected(err):
	default:
		return err
	}
	removed, added := g.catalog.RebuildResources(serverID, resources)
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removed) > 0 {
		g.server.RemoveResources(removed...)
	}
	for _, entry := range added {
		g.server.AddResource(entry.Resource, g.makeResourceHandler(entry.Target))
	}
	return nil
}

func (g *Gateway) syncTemplates(ctx context.Context, serverID string) error {
	ctx, cancel := g.syncContext(ctx)
	defer cancel()
	res, err := g.manager.ListResourceTemplates(ctx, serverID, nil)
	var templates []*mcp.ResourceTemplate
	switch {
	case err == nil:
		templates = res.ResourceTemplates
	case connmgr.IsNotConnected(err):
	default:
		return err
	}
	removed, added := g.catalog.RebuildTemplates(serverID, templates)
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removed) > 0 {
		g.server.RemoveResourceTemplates(removed...)
	}
	for _, entry := range added {
		g.server.AddResourceTemplate(entry.Template, g.makeTemplateHandler(entry.Target))
	}
	return nil
}

// purgeServer removes every published feature of a server without contacting
// it, used when the server is detached or removed from the manager.
func (g *Gateway) purgeServer(serverID string) {
	removedTools, _ := g.catalog.RebuildTools(serverID, nil)
	removedPrompts, _ := g.catalog.RebuildPrompts(serverID, nil)
	removedResources, _ := g.catalog.RebuildResources(serverID, nil)
	removedTemplates, _ := g.catalog.RebuildTemplates(serverID, nil)

	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removedTools) > 0 {
		g.server.RemoveTools(removedTools...)
	}
	if len(removedPrompts) > 0 {
		g.server.RemovePrompts(removedPrompts...)
	}
	if len(removedResources) > 0 {
		g.server.RemoveResources(removedResources...)
	}
	if len(removedTemplates) > 0 {
		g.server.RemoveResourceTemplates(removedTemplates...)
	}
}

func (g *Gateway) registerServerHooks(serverID string) {
	g.hookMu.Lock()
	if _, ok := g.hooked[serverID]; ok {
		g.hookMu.Unlock()
		return
	}
	g.hooked[serverID] = struct{}{}
	g.hookMu.Unlock()

	g.manager.OnToolListChanged(serverID, func(context.Context, *mcp.ToolListChangedRequest) {
		go g.resync("tools", serverID, g.syncTools)
	})
	g.manager.OnPromptListChanged(serverID, func(context.Context, *mcp.PromptListChangedRequest) {
		go g.resync("prompts", serverID, g.syncPrompts)
	})
	g.manager.OnResourceListChanged(serverID, func(context.Context, *mcp.ResourceListChangedRequest) {
		go func() {
			g.resync("resources", serverID, g.syncResources)
			g.resync("resource templates", serverID, g.syncTemplates)
		}()
	})
	g.manager.OnResourceUpdated(serverID, g.forwardResourceUpdate(serverID))
	g.manager.AddNotificationHandler(serverID, connmgr.NotificationProgress, g.forwardProgress(serverID))
}

func (g *Gateway) resync(kind, serverID string, sync func(context.Context, string) error) {
	if err := sync(context.Background(), serverID); err != nil {
		g.logError("resync "+kind, err, "server", serverID)
	}
}

func (g *Gateway) makeToolHandler(tgt target) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callCtx := withDownstream(ctx, req.Session)
		params := &mcp.CallToolParams{Name: tgt.Native}
		if req.Params != nil {
			params.Meta = maps.Clone(req.Params.Meta)
			if len(req.Params.Arguments) > 0 {
				params.Arguments = req.Params.Arguments
			}
		}
		release := g.progress.claim(tgt.ServerID, params, req.Session)
		defer release()
		done := g.downstream.claim(tgt.ServerID, req.Session)
		defer done()
		return g.manager.ExecuteToolWithParams(callCtx, tgt.ServerID, params)
	}
}

func (g *Gateway) makePromptHandler(tgt target) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		callCtx := withDownstream(ctx, req.Session)
		params := &mcp.GetPromptParams{Name: tgt.Native}
		if req.Params != nil {
			params.Meta = req.Params.Meta
			if len(req.Params.Arguments) > 0 {
				params.Arguments = req.Params.Arguments
			}
		}
		done := g.downstream.claim(tgt.ServerID, req.Session)
		defer done()
		return g.manager.GetPrompt(callCtx, tgt.ServerID, params)
	}
}

func (g *Gateway) makeResourceHandler(tgt target) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := withDownstream(ctx, req.Session)
		params := &mcp.ReadResourceParams{URI: tgt.Native}
		if req.Params != nil {
			params.Meta = req.Params.Meta
		}
		return g.manager.ReadResource(callCtx, tgt.ServerID, params)
	}
}

func (g *Gateway) makeTemplateHandler(tgt target) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := withDownstream(ctx, req.Session)
		native := tgt.Native
		if req != nil && req.Params != nil {
			// Template reads arrive with an expanded URI; translate it back
			// to the upstream's own form.
			if candidate, ok := g.opts.Namespace.NativeTemplateURI(tgt.ServerID, req.Params.URI); ok {
				native = candidate
			}
		}
		params := &mcp.ReadResourceParams{URI: native}
		if req != nil && req.Params != nil {
			params.Meta = req.Params.Meta
		}
		return g.manager.ReadResource(callCtx, tgt.ServerID, params)
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("gateway: missing subscribe params")
	}
	tgt, ok := g.catalog.ResourceTarget(req.Params.URI)
	if !ok {
		return fmt.Errorf("gateway: unknown resource %q", req.Params.URI)
	}
	params := &mcp.SubscribeParams{URI: tgt.Native}
	return g.manager.SubscribeResource(withDownstream(ctx, req.Session), tgt.ServerID, params)
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("gateway: missing unsubscribe params")
	}
	tgt, ok := g.catalog.ResourceTarget(req.Params.URI)
	if !ok {
		return fmt.Errorf("gateway: unknown resource %q", req.Params.URI)
	}
	params := &mcp.UnsubscribeParams{URI: tgt.Native}
	return g.manager.UnsubscribeResource(withDownstream(ctx, req.Session), tgt.ServerID, params)
}

func (g *Gateway) forwardResourceUpdate(serverID string) func(context.Context, *mcp.ResourceUpdatedNotificationRequest) {
	return func(ctx context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
		if req == nil || req.Params == nil {
			return
		}
		exposed, ok := g.catalog.ExposedResourceURI(serverID, req.Params.URI)
		if !ok {
			// An update for a resource published after the last sync; refresh
			// and retry once.
			if err := g.syncResources(context.Background(), serverID); err != nil {
				g.logError("resync for unknown resource", err, "server", serverID)
				return
			}
			exposed, ok = g.catalog.ExposedResourceURI(serverID, req.Params.URI)
			if !ok {
				return
			}
		}
		params := *req.Params
		params.URI = exposed
		if err := g.server.ResourceUpdated(ctx, &params); err != nil {
			g.logError("forward resource update", err, "server", serverID)
		}
	}
}

func (g *Gateway) forwardProgress(serverID string) connmgr.NotificationHandlerFunc {
	return func(ctx context.Context, p connmgr.NotificationPayload) {
		req, ok := p.Request.(*mcp.ProgressNotificationClientRequest)
		if !ok || req.Params == nil {
			return
		}
		session := g.progress.route(serverID, req.Params.ProgressToken)
		if session == nil {
			return
		}
		params := *req.Params
		if err := session.NotifyProgress(ctx, &params); err != nil {
			g.logError("forward progress", err, "server", serverID)
		}
	}
}

// relayElicitation hands an upstream server's question to the downstream
// client whose call triggered it. The question arrives on the upstream
// connection's read loop, not on the call context, so the downstream session
// is recovered from the active-call registry; with no relayed call in flight
// the question is declined rather than left hanging.
func (g *Gateway) relayElicitation(ctx context.Context, event *connmgr.ElicitationEvent) (*mcp.ElicitResult, error) {
	if event == nil || event.Params == nil || event.Params.Params == nil {
		return nil, fmt.Errorf("gateway: malformed elicitation payload")
	}
	session := downstreamFrom(ctx)
	if session == nil {
		session = g.downstream.current(event.ServerID)
	}
	if session == nil {
		g.opts.Logger.Debug("elicitation without downstream session", "server", event.ServerID)
		return &mcp.ElicitResult{Action: "decline"}, nil
	}
	return session.Elicit(ctx, event.Params.Params)
}

func (g *Gateway) syncContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if g.opts.SyncTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, g.opts.SyncTimeout)
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}

// downstreamRegistry tracks which downstream sessions have relayed calls in
// flight against each upstream server, most recent last. Elicitation raised by
// an upstream is routed to the newest caller.
type downstreamRegistry struct {
	mu     sync.Mutex
	nextID uint64
	calls  map[string][]downstreamCall
}

type downstreamCall struct {
	id      uint64
	session *mcp.ServerSession
}

func newDownstreamRegistry() *downstreamRegistry {
	return &downstreamRegistry{calls: make(map[string][]downstreamCall)}
}

func (r *downstreamRegistry) claim(serverID string, session *mcp.ServerSession) func() {
	if session == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.calls[serverID] = append(r.calls[serverID], downstreamCall{id: id, session: session})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		calls := r.calls[serverID]
		for i, c := range calls {
			if c.id == id {
				calls = append(calls[:i], calls[i+1:]...)
				break
			}
		}
		if len(calls) == 0 {
			delete(r.calls, serverID)
		} else {
			r.calls[serverID] = calls
		}
	}
}

func (r *downstreamRegistry) current(serverID string) *mcp.ServerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls[serverID]
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1].session
}

type downstreamKey struct{}

// withDownstream tags a relayed call with the downstream session that
// initiated it, so elicitation can find its way back.
func withDownstream(ctx context.Context, session *mcp.ServerSession) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, downstreamKey{}, session)
}

func downstreamFrom(ctx context.Context) *mcp.ServerSession {
	if ctx == nil {
		return nil
	}
	if session, ok := ctx.Value(downstreamKey{}).(*mcp.ServerSession); ok {
		return session
	}
	return nil
}
