package connmgr

import (
	"context"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NotificationKind identifies a server-pushed notification method.
type NotificationKind string

const (
	NotificationToolListChanged     NotificationKind = "notifications/tools/list_changed"
	NotificationPromptListChanged   NotificationKind = "notifications/prompts/list_changed"
	NotificationResourceListChanged NotificationKind = "notifications/resources/list_changed"
	NotificationResourceUpdated     NotificationKind = "notifications/resources/updated"
	NotificationLoggingMessage      NotificationKind = "notifications/message"
	NotificationProgress            NotificationKind = "notifications/progress"
)

const notificationMethodPrefix = "notifications/"

// NotificationPayload carries an inbound notification together with the raw
// SDK request, so handlers can decode kinds the typed wrappers do not cover.
type NotificationPayload struct {
	ServerID string
	Kind     NotificationKind
	Request  mcp.Request
}

// NotificationHandlerFunc handles one inbound notification.
type NotificationHandlerFunc func(context.Context, NotificationPayload)

// AddNotificationHandler registers a handler keyed by (serverID, kind).
// Handlers for the same key fire in registration order; a panicking handler
// does not prevent the others from running. Registrations survive until the
// server is disconnected or removed.
func (m *Manager) AddNotificationHandler(serverID string, kind NotificationKind, handler NotificationHandlerFunc) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind, ok := m.notifyHandlers[serverID]
	if !ok {
		byKind = make(map[NotificationKind][]NotificationHandlerFunc)
		m.notifyHandlers[serverID] = byKind
	}
	byKind[kind] = append(byKind[kind], handler)
}

// OnToolListChanged registers a handler for tool list change notifications.
func (m *Manager) OnToolListChanged(serverID string, handler func(context.Context, *mcp.ToolListChangedRequest)) {
	m.AddNotificationHandler(serverID, NotificationToolListChanged, func(ctx context.Context, p NotificationPayload) {
		if req, ok := p.Request.(*mcp.ToolListChangedRequest); ok {
			handler(ctx, req)
		}
	})
}

// OnPromptListChanged registers a handler for prompt list change
// notifications.
func (m *Manager) OnPromptListChanged(serverID string, handler func(context.Context, *mcp.PromptListChangedRequest)) {
	m.AddNotificationHandler(serverID, NotificationPromptListChanged, func(ctx context.Context, p NotificationPayload) {
		if req, ok := p.Request.(*mcp.PromptListChangedRequest); ok {
			handler(ctx, req)
		}
	})
}

// OnResourceListChanged registers a handler for resource list change
// notifications.
func (m *Manager) OnResourceListChanged(serverID string, handler func(context.Context, *mcp.ResourceListChangedRequest)) {
	m.AddNotificationHandler(serverID, NotificationResourceListChanged, func(ctx context.Context, p NotificationPayload) {
		if req, ok := p.Request.(*mcp.ResourceListChangedRequest); ok {
			handler(ctx, req)
		}
	})
}

// OnResourceUpdated registers a handler for resource updated notifications.
func (m *Manager) OnResourceUpdated(serverID string, handler func(context.Context, *mcp.ResourceUpdatedNotificationRequest)) {
	m.AddNotificationHandler(serverID, NotificationResourceUpdated, func(ctx context.Context, p NotificationPayload) {
		if req, ok := p.Request.(*mcp.ResourceUpdatedNotificationRequest); ok {
			handler(ctx, req)
		}
	})
}

// queuedNotification is one inbound notification awaiting delivery. The
// context is the transport read context at the time of receipt; handlers get
// it for value extraction, not for lifetime control.
type queuedNotification struct {
	ctx  context.Context
	kind NotificationKind
	req  mcp.Request
}

// notifyQueue decouples handler execution from the transport read loop while
// preserving per-connection delivery order: one goroutine drains the queue
// and invokes handlers sequentially.
type notifyQueue struct {
	items chan queuedNotification
	done  chan struct{}
	once  sync.Once
}

func newNotifyQueue(buffer int) *notifyQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &notifyQueue{
		items: make(chan queuedNotification, buffer),
		done:  make(chan struct{}),
	}
}

func (q *notifyQueue) close() {
	q.once.Do(func() { close(q.done) })
}

func (q *notifyQueue) enqueue(item queuedNotification) {
	select {
	case <-q.done:
	case q.items <- item:
	}
}

func (q *notifyQueue) run(deliver func(queuedNotification)) {
	for {
		select {
		case <-q.done:
			return
		case item := <-q.items:
			deliver(item)
		}
	}
}

// notificationMiddleware observes every inbound message on a connection and
// enqueues the notifications. Server-initiated requests (elicitation,
// sampling) pass straight through to their handlers.
func (m *Manager) notificationMiddleware(serverID string, queue *notifyQueue) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if strings.HasPrefix(method, notificationMethodPrefix) {
				m.countNotification(serverID, method)
				queue.enqueue(queuedNotification{ctx: ctx, kind: NotificationKind(method), req: req})
			}
			return next(ctx, method, req)
		}
	}
}

func (m *Manager) deliverNotification(serverID string, item queuedNotification) {
	m.mu.RLock()
	handlers := append([]NotificationHandlerFunc(nil), m.notifyHandlers[serverID][item.kind]...)
	m.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	payload := NotificationPayload{ServerID: serverID, Kind: item.kind, Request: item.req}
	for _, h := range handlers {
		m.invokeNotificationHandler(serverID, item, payload, h)
	}
}

func (m *Manager) invokeNotificationHandler(serverID string, item queuedNotification, payload NotificationPayload, h NotificationHandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("notification handler panicked",
				"server", serverID, "kind", item.kind, "panic", r)
		}
	}()
	h(item.ctx, payload)
}
