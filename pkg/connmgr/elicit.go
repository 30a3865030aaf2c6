package connmgr

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ElicitationHandler answers a server-initiated elicitation request. It
// mirrors the SDK client handler signature.
type ElicitationHandler func(context.Context, *mcp.ElicitRequest) (*mcp.ElicitResult, error)

// GlobalElicitationCallback receives elicitation requests that no
// server-specific or global handler claimed. Returning a non-nil result
// answers immediately; returning (nil, nil) defers the answer until
// RespondToElicitation is invoked with the event's request ID.
type GlobalElicitationCallback func(context.Context, *ElicitationEvent) (*mcp.ElicitResult, error)

// ElicitationEvent carries what a UI needs to pose the server's question to a
// human.
type ElicitationEvent struct {
	ServerID  string
	RequestID string
	Message   string
	Schema    any
	Params    *mcp.ElicitRequest
	CreatedAt time.Time
}

// PendingElicitationInfo describes one outstanding elicitation round.
type PendingElicitationInfo struct {
	Event ElicitationEvent
}

const elicitActionDecline = "decline"

// SetElicitationHandler installs the single active handler for a server.
// Installing a new handler replaces the previous one; the handler stays
// installed across elicitation rounds.
func (m *Manager) SetElicitationHandler(serverID string, handler ElicitationHandler) {
	m.mu.Lock()
	m.serverElicitations[serverID] = handler
	m.mu.Unlock()
}

// ClearElicitationHandler removes the server-specific handler.
func (m *Manager) ClearElicitationHandler(serverID string) {
	m.SetElicitationHandler(serverID, nil)
}

// SetGlobalElicitationHandler installs the fallback handler used when a
// server has no handler of its own.
func (m *Manager) SetGlobalElicitationHandler(handler ElicitationHandler) {
	m.mu.Lock()
	m.globalElicitation = handler
	m.mu.Unlock()
}

// ClearGlobalElicitationHandler removes the fallback handler.
func (m *Manager) ClearGlobalElicitationHandler() {
	m.SetGlobalElicitationHandler(nil)
}

// SetElicitationCallback installs the queue-style callback used when neither
// a server-specific nor a global handler is present.
func (m *Manager) SetElicitationCallback(callback GlobalElicitationCallback) {
	m.mu.Lock()
	m.globalElicitationFunc = callback
	m.mu.Unlock()
}

// ClearElicitationCallback removes the queue-style callback.
func (m *Manager) ClearElicitationCallback() {
	m.SetElicitationCallback(nil)
}

// GetPendingElicitations snapshots the outstanding elicitation rounds, keyed
// by request ID.
func (m *Manager) GetPendingElicitations() map[string]PendingElicitationInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]PendingElicitationInfo, len(m.pendingElicitations))
	for id, pending := range m.pendingElicitations {
		snapshot[id] = PendingElicitationInfo{Event: pending.event}
	}
	return snapshot
}

// RespondToElicitation fulfills a deferred elicitation round. It reports
// whether the request ID was still pending.
func (m *Manager) RespondToElicitation(requestID string, result *mcp.ElicitResult) bool {
	pending := m.removePendingElicitation(requestID)
	if pending == nil {
		return false
	}
	pending.resolve(result)
	return true
}

// handleElicitation is the single entry point wired into every connection's
// client options. Resolution order: server handler, global handler, global
// callback, then the caller-supplied SDK handler. With nothing installed the
// bridge fails closed: the question is declined so the in-flight tool call
// resolves instead of hanging.
func (m *Manager) handleElicitation(ctx context.Context, serverID string, req *mcp.ElicitRequest, fallback ElicitationHandler) (*mcp.ElicitResult, error) {
	if h := m.serverElicitationHandler(serverID); h != nil {
		return h(ctx, req)
	}
	if h := m.globalElicitationHandler(); h != nil {
		return h(ctx, req)
	}
	if cb := m.globalElicitationCallback(); cb != nil {
		return m.invokeElicitationCallback(ctx, serverID, req, cb)
	}
	if fallback != nil {
		return fallback(ctx, req)
	}
	m.logger.Debug("elicitation auto-declined, no handler installed", "server", serverID)
	return &mcp.ElicitResult{Action: elicitActionDecline}, nil
}

func (m *Manager) serverElicitationHandler(serverID string) ElicitationHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverElicitations[serverID]
}

func (m *Manager) globalElicitationHandler() ElicitationHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalElicitation
}

func (m *Manager) globalElicitationCallback() GlobalElicitationCallback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalElicitationFunc
}

func (m *Manager) invokeElicitationCallback(ctx context.Context, serverID string, req *mcp.ElicitRequest, callback GlobalElicitationCallback) (*mcp.ElicitResult, error) {
	event := ElicitationEvent{
		ServerID:  serverID,
		RequestID: uuid.NewString(),
		Params:    req,
		CreatedAt: time.Now(),
	}
	if req != nil && req.Params != nil {
		event.Message = req.Params.Message
		event.Schema = req.Params.RequestedSchema
	}
	pending := newPendingElicitation(event)
	m.mu.Lock()
	m.pendingElicitations[event.RequestID] = pending
	m.mu.Unlock()
	defer m.removePendingElicitation(event.RequestID)

	result, err := callback(ctx, &event)
	if err != nil {
		return nil, err
	}
	if result != nil {
		pending.resolve(result)
	}
	res, err := pending.await(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &mcp.ElicitResult{Action: elicitActionDecline}
	}
	return res, nil
}

func (m *Manager) removePendingElicitation(requestID string) *pendingElicitation {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.pendingElicitations[requestID]
	if ok {
		delete(m.pendingElicitations, requestID)
	}
	return pending
}

// pendingElicitation is the future for one deferred elicitation round.
type pendingElicitation struct {
	event  ElicitationEvent
	result chan *mcp.ElicitResult
}

func newPendingElicitation(event ElicitationEvent) *pendingElicitation {
	return &pendingElicitation{event: event, result: make(chan *mcp.ElicitResult, 1)}
}

func (p *pendingElicitation) resolve(res *mcp.ElicitResult) {
	select {
	case p.result <- res:
	default:
	}
}

func (p *pendingElicitation) await(ctx context.Context) (*mcp.ElicitResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.result:
		return res, nil
	}
}
