package connmgr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// startInMemoryServer wires srv to the manager over an in-memory transport
// pair and returns the server-side session.
func startInMemoryServer(t *testing.T, m *Manager, serverID string, srv *mcp.Server, base BaseServerConfig) *mcp.ServerSession {
	t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.Connect(context.Background(), serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	cfg := &TransportServerConfig{BaseServerConfig: base, Transport: clientTransport}
	if _, err := m.ConnectToServer(context.Background(), serverID, cfg); err != nil {
		t.Fatalf("ConnectToServer(%s): %v", serverID, err)
	}
	return serverSession
}

func emptyObjectSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

// newTestServer builds an in-process server with a fixed set of tools used
// across the dispatch, notification, and elicitation tests.
func newTestServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "0.1.0"}, nil)

	srv.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "returns its message argument",
		InputSchema: emptyObjectSchema(),
		Meta:        mcp.Meta{"category": "testing"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Message string `json:"message"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: args.Message}},
		}, nil
	})

	srv.AddTool(&mcp.Tool{
		Name:        "fail",
		Description: "always reports a tool-level error",
		InputSchema: emptyObjectSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
		}, nil
	})

	srv.AddTool(&mcp.Tool{
		Name:        "slow",
		Description: "blocks until the call context ends",
		InputSchema: emptyObjectSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return &mcp.CallToolResult{}, nil
		}
	})

	srv.AddTool(&mcp.Tool{
		Name:        "sleep",
		Description: "waits the requested time, then returns its label",
		InputSchema: emptyObjectSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Ms    int    `json:"ms"`
			Label string `json:"label"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(args.Ms) * time.Millisecond):
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: args.Label}},
		}, nil
	})

	srv.AddTool(&mcp.Tool{
		Name:        "drop",
		Description: "kills its own session mid-call",
		InputSchema: emptyObjectSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session := req.Session
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = session.Close()
		}()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	srv.AddTool(&mcp.Tool{
		Name:        "burst",
		Description: "emits n progress notifications",
		InputSchema: emptyObjectSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			N int `json:"n"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		token := req.Params.GetProgressToken()
		for i := 1; i <= args.N; i++ {
			if err := req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
				ProgressToken: token,
				Progress:      float64(i),
			}); err != nil {
				return nil, err
			}
		}
		return &mcp.CallToolResult{}, nil
	})

	srv.AddTool(&mcp.Tool{
		Name:        "ask",
		Description: "elicits a confirmation and reports the action taken",
		InputSchema: emptyObjectSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := req.Session.Elicit(ctx, &mcp.ElicitParams{Message: "proceed?"})
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(res.Action)}},
		}, nil
	})

	srv.AddTool(&mcp.Tool{
		Name:        "ask-twice",
		Description: "runs two elicitation rounds back to back",
		InputSchema: emptyObjectSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		first, err := req.Session.Elicit(ctx, &mcp.ElicitParams{Message: "round one"})
		if err != nil {
			return nil, err
		}
		second, err := req.Session.Elicit(ctx, &mcp.ElicitParams{Message: "round two"})
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: string(first.Action)},
				&mcp.TextContent{Text: string(second.Action)},
			},
		}, nil
	})

	srv.AddPrompt(&mcp.Prompt{Name: "greeting", Description: "a trivial prompt"},
		func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []*mcp.PromptMessage{{
					Role:    "user",
					Content: &mcp.TextContent{Text: "hello"},
				}},
			}, nil
		})

	srv.AddResource(&mcp.Resource{URI: "test://doc", Name: "doc", MIMEType: "text/plain"},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: "test://doc", MIMEType: "text/plain", Text: "contents"}},
			}, nil
		})

	return srv
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func textOf(t *testing.T, res *mcp.CallToolResult, idx int) string {
	t.Helper()
	if res == nil || len(res.Content) <= idx {
		t.Fatalf("result has no content at index %d: %#v", idx, res)
	}
	text, ok := res.Content[idx].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content %d is %T, expected text", idx, res.Content[idx])
	}
	return text.Text
}
