package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dreece/mcp-connmgr-go/pkg/connmgr"
	"github.com/dreece/mcp-connmgr-go/pkg/gateway"
)

func main() {
	authorizationURL := os.Getenv("AUTHORIZATION_SERVER_URL")
	resourceMetadataURL := os.Getenv("OAUTH_RESOURCE_METADATA_URL")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := connmgr.NewManager(nil, &connmgr.ManagerOptions{
		DefaultClientName: "gateway-example",
	})

	opts := &gateway.Options{
		Addr:        ":8787",
		Path:        "/mcp",
		AutoConnect: true,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
	}
	if authorizationURL != "" && resourceMetadataURL != "" {
		opts.TokenVerifier = func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
			// Validate the token against your authorization server and return
			// its scopes and expiration.
			return &auth.TokenInfo{
				Expiration: time.Now().Add(time.Hour),
			}, nil
		}
		opts.TokenOptions = &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: resourceMetadataURL,
		}
		opts.AuthorizationServer = authorizationURL
	}

	gw, err := gateway.NewGateway(manager, opts)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	stdioConfig := &connmgr.StdioServerConfig{
		BaseServerConfig: connmgr.BaseServerConfig{Timeout: 15 * time.Second},
		Command:          "npx",
		Args:             []string{"@modelcontextprotocol/server-everything"},
	}
	if err := gw.AttachServer(ctx, "everything", stdioConfig); err != nil {
		log.Fatalf("attach everything server: %v", err)
	}

	effective := gw.Options()
	log.Printf("gateway serving Streamable MCP on %s%s", effective.Addr, effective.Path)
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway stopped: %v", err)
	}
}
