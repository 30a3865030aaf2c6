package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeSink struct {
	mu     sync.Mutex
	params []*mcp.ProgressNotificationParams
}

func (f *fakeSink) NotifyProgress(ctx context.Context, p *mcp.ProgressNotificationParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return nil
}

func TestProgressClaimMintsToken(t *testing.T) {
	t.Parallel()

	router := newProgressRouter()
	sink := &fakeSink{}
	params := &mcp.CallToolParams{Name: "echo"}

	release := router.claim("srv", params, sink)
	defer release()

	token := params.GetProgressToken()
	if token == nil {
		t.Fatalf("claim did not mint a progress token")
	}
	if got := router.route("srv", token); got != sink {
		t.Fatalf("route(%v) = %v, expected the claiming sink", token, got)
	}
	if got := router.route("other", token); got != nil {
		t.Fatalf("token routed across servers: %v", got)
	}
}

func TestProgressClaimKeepsExistingToken(t *testing.T) {
	t.Parallel()

	router := newProgressRouter()
	sink := &fakeSink{}
	params := &mcp.CallToolParams{Name: "echo"}
	params.SetMeta(map[string]any{})
	params.SetProgressToken("caller-token")

	release := router.claim("srv", params, sink)
	defer release()

	if got := params.GetProgressToken(); got != "caller-token" {
		t.Fatalf("caller token replaced with %v", got)
	}
	if router.route("srv", "caller-token") != sink {
		t.Fatalf("caller token not routed")
	}
}

func TestProgressTokenNormalization(t *testing.T) {
	t.Parallel()

	router := newProgressRouter()
	sink := &fakeSink{}
	params := &mcp.CallToolParams{Name: "echo"}
	// JSON decoding turns integer tokens into float64 on the second hop.
	params.SetMeta(map[string]any{"progressToken": 7.0})

	release := router.claim("srv", params, sink)
	defer release()

	if got := params.GetProgressToken(); got != int64(7) {
		t.Fatalf("token not normalized: %v (%T)", got, got)
	}
	if router.route("srv", int64(7)) != sink {
		t.Fatalf("int64 token not routed")
	}
	if router.route("srv", 7.0) != sink {
		t.Fatalf("float token not routed through normalization")
	}
}

func TestProgressReleaseLingersThenRemoves(t *testing.T) {
	t.Parallel()

	router := newProgressRouter()
	router.linger = time.Millisecond
	sink := &fakeSink{}
	params := &mcp.CallToolParams{Name: "echo"}

	release := router.claim("srv", params, sink)
	token := params.GetProgressToken()
	release()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if router.route("srv", token) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("route still resolvable after release")
}

func TestProgressReleaseDoesNotRemoveNewerClaim(t *testing.T) {
	t.Parallel()

	router := newProgressRouter()
	router.linger = time.Millisecond
	old := &fakeSink{}
	fresh := &fakeSink{}

	params := &mcp.CallToolParams{Name: "echo"}
	params.SetMeta(map[string]any{})
	params.SetProgressToken("reused")

	releaseOld := router.claim("srv", params, old)
	releaseNew := router.claim("srv", params, fresh)
	defer releaseNew()

	releaseOld()
	time.Sleep(50 * time.Millisecond)
	if got := router.route("srv", "reused"); got != fresh {
		t.Fatalf("stale release removed the newer claim, route = %v", got)
	}
}
