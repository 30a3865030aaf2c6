package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// progressSink receives forwarded progress notifications. Satisfied by
// *mcp.ServerSession.
type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressRouter maps (upstream server, progress token) pairs to the
// downstream session that should receive forwarded progress notifications.
// Routes outlive their call briefly so notifications already in flight when
// the call returns still find their way downstream.
type progressRouter struct {
	minted atomic.Uint64
	epoch  atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	linger time.Duration
}

type progressRoute struct {
	sink  progressSink
	epoch uint64
}

const progressRouteLinger = 250 * time.Millisecond

func newProgressRouter() *progressRouter {
	return &progressRouter{
		routes: make(map[string]progressRoute),
		linger: progressRouteLinger,
	}
}

// claim ensures params carries a progress token, binds that token to the
// downstream sink, and returns a release function for the caller to defer.
// A nil sink or unusable token yields a no-op release.
func (p *progressRouter) claim(serverID string, params *mcp.CallToolParams, sink progressSink) func() {
	if params == nil || sink == nil {
		return func() {}
	}
	token := params.GetProgressToken()
	if token == nil {
		if params.GetMeta() == nil {
			params.SetMeta(map[string]any{})
		}
		token = fmt.Sprintf("gw/%s/%d", serverID, p.minted.Add(1))
		params.SetProgressToken(token)
	} else {
		normalized, ok := normalizeToken(token)
		if !ok {
			return func() {}
		}
		if normalized != token {
			params.SetProgressToken(normalized)
		}
		token = normalized
	}

	key, ok := routeKey(serverID, token)
	if !ok {
		return func() {}
	}
	epoch := p.epoch.Add(1)
	p.mu.Lock()
	p.routes[key] = progressRoute{sink: sink, epoch: epoch}
	p.mu.Unlock()

	return func() {
		time.AfterFunc(p.linger, func() {
			p.mu.Lock()
			if current, ok := p.routes[key]; ok && current.epoch == epoch {
				delete(p.routes, key)
			}
			p.mu.Unlock()
		})
	}
}

// route resolves the downstream sink for a forwarded notification, or nil
// when the token is unknown or its call has already been released.
func (p *progressRouter) route(serverID string, token any) progressSink {
	normalized, ok := normalizeToken(token)
	if !ok {
		return nil
	}
	key, ok := routeKey(serverID, normalized)
	if !ok {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.routes[key].sink
}

func routeKey(serverID string, token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return serverID + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", serverID, v), true
	default:
		return "", false
	}
}

// normalizeToken folds the integer shapes a JSON decoder may produce into
// int64 so tokens compare equal across the two protocol hops.
func normalizeToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return nil, false
	default:
		return nil, false
	}
}
