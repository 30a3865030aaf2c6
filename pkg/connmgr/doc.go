// Package connmgr manages a fleet of MCP server connections behind a single
// registry. It dials servers described by stdio, HTTP, or in-process
// descriptors, dispatches tool, resource, and prompt calls with per-call
// deadlines and a uniform error shape, fans out server-pushed notifications
// in order, and bridges server-initiated elicitation requests to installed
// handlers, declining automatically when none are present.
//
// Connections are explicit: ConnectToServer establishes a session, and every
// RPC verb fails with a not-connected error rather than dialing on demand.
// Reconnecting a server ID tears down the previous session first, so each ID
// maps to at most one live connection.
package connmgr
