// Package gateway publishes every server managed by connmgr behind a single
// Streamable HTTP MCP endpoint. Upstream tools, prompts, and resources are
// exposed under namespaced identifiers; calls, subscriptions, notifications,
// progress updates, and elicitation rounds are relayed in both directions.
// The endpoint can optionally require bearer-token authentication and serve
// OAuth protected-resource metadata.
package gateway
