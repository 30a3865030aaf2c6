package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dreece/mcp-connmgr-go/pkg/connmgr"
)

func TestGatewayHandlerConditionalBearerToken(t *testing.T) {
	t.Parallel()

	manager := connmgr.NewManager(nil, nil)
	const resourceMetadataURL = "https://gateway.example.com/.well-known/oauth-protected-resource"

	var verifierCalls int
	gw, err := NewGateway(manager, &Options{
		Path: "/mcp",
		TokenVerifier: func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
			if token != "valid" {
				return nil, auth.ErrInvalidToken
			}
			verifierCalls++
			return &auth.TokenInfo{
				Expiration: time.Now().Add(time.Minute),
			}, nil
		},
		TokenOptions: &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: resourceMetadataURL,
		},
	})
	if err != nil {
		t.Fatalf("NewGateway with auth: %v", err)
	}

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	endpoint := server.URL + "/mcp"
	client := server.Client()

	resp, err := client.Post(endpoint, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	wantHeader := "Bearer resource_metadata=" + resourceMetadataURL
	if got := resp.Header.Get("WWW-Authenticate"); got != wantHeader {
		t.Fatalf("unexpected WWW-Authenticate header: got %q want %q", got, wantHeader)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer valid")
	req.Header.Set("Content-Type", "application/json")

	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("post with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatalf("expected request with token to reach the handler, got 401")
	}
	if verifierCalls != 1 {
		t.Fatalf("expected verifier to be called once, got %d", verifierCalls)
	}
}

func TestGatewayHandlerWithoutAuthLeavesEndpointOpen(t *testing.T) {
	t.Parallel()

	manager := connmgr.NewManager(nil, nil)
	gw, err := NewGateway(manager, &Options{Path: "/mcp"})
	if err != nil {
		t.Fatalf("NewGateway without auth: %v", err)
	}

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	resp, err := server.Client().Post(server.URL+"/mcp", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post without auth config: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatalf("unexpected unauthorized response without auth configured")
	}
}

func TestGatewayAuthOptionsRequireVerifier(t *testing.T) {
	t.Parallel()

	manager := connmgr.NewManager(nil, nil)
	_, err := NewGateway(manager, &Options{
		TokenOptions: &auth.RequireBearerTokenOptions{Scopes: []string{"required"}},
	})
	if err == nil {
		t.Fatalf("expected error when TokenOptions provided without TokenVerifier")
	}
}

func TestProtectedResourceMetadataDocument(t *testing.T) {
	t.Parallel()

	manager := connmgr.NewManager(nil, nil)
	gw, err := NewGateway(manager, &Options{
		TokenVerifier: func(context.Context, string, *http.Request) (*auth.TokenInfo, error) {
			return &auth.TokenInfo{
				Expiration: time.Now().Add(time.Minute),
			}, nil
		},
		TokenOptions: &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: "https://gateway.example.com/.well-known/oauth-protected-resource",
		},
		AuthorizationServer: "https://auth.example.com/",
	})
	if err != nil {
		t.Fatalf("NewGateway with auth: %v", err)
	}

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	metadataEndpoint := server.URL + protectedResourcePath

	resp, err := server.Client().Get(metadataEndpoint)
	if err != nil {
		t.Fatalf("get metadata endpoint: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata endpoint status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("metadata content type = %q", ct)
	}
	// No Origin header on the request means no allow-origin on the response,
	// even though the route itself is CORS-enabled.
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected Access-Control-Allow-Origin: %q", got)
	}
}

func TestGatewayServeMuxCarriesCustomRoutes(t *testing.T) {
	t.Parallel()

	manager := connmgr.NewManager(nil, nil)
	gw, err := NewGateway(manager, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	gw.ServeMux().HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	resp, err := server.Client().Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get custom route: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("custom route status = %d", resp.StatusCode)
	}
}

func TestDownstreamRegistryRoutesToNewestCall(t *testing.T) {
	t.Parallel()

	reg := newDownstreamRegistry()
	if reg.current("up") != nil {
		t.Fatalf("empty registry returned a session")
	}

	first := &mcp.ServerSession{}
	second := &mcp.ServerSession{}
	doneFirst := reg.claim("up", first)
	doneSecond := reg.claim("up", second)

	if reg.current("up") != second {
		t.Fatalf("expected the newest claim to win")
	}
	doneSecond()
	if reg.current("up") != first {
		t.Fatalf("expected the older claim after release")
	}
	doneFirst()
	if reg.current("up") != nil {
		t.Fatalf("registry not empty after all releases")
	}
	if reg.current("other") != nil {
		t.Fatalf("unrelated server has a session")
	}
}

func TestGatewayOptionsDefaults(t *testing.T) {
	t.Parallel()

	manager := connmgr.NewManager(nil, nil)
	gw, err := NewGateway(manager, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	opts := gw.Options()
	if opts.Addr != ":8720" || opts.Path != "/mcp" {
		t.Fatalf("unexpected defaults: addr=%q path=%q", opts.Addr, opts.Path)
	}
	if opts.Implementation == nil || opts.Implementation.Name == "" {
		t.Fatalf("implementation not defaulted: %#v", opts.Implementation)
	}
	if opts.SyncTimeout != 30*time.Second {
		t.Fatalf("sync timeout = %v", opts.SyncTimeout)
	}
}
