package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrorKind classifies a manager-level failure so callers can branch on the
// category without inspecting transport internals.
type ErrorKind string

const (
	// KindConfig marks a malformed or missing server descriptor. The
	// connection never entered the registry.
	KindConfig ErrorKind = "config"
	// KindHandshake marks a failed connect or capability negotiation.
	KindHandshake ErrorKind = "handshake"
	// KindTimeout marks a call whose deadline elapsed on an otherwise
	// healthy connection. Only that call failed.
	KindTimeout ErrorKind = "timeout"
	// KindConnectionLost marks a transport that closed underneath a call.
	KindConnectionLost ErrorKind = "connection_lost"
	// KindNotConnected marks an RPC issued against a server with no live
	// session. Callers must connect explicitly first.
	KindNotConnected ErrorKind = "not_connected"
	// KindInternal covers everything else.
	KindInternal ErrorKind = "internal"
)

// Error is the single error shape surfaced by every manager operation. It
// carries the server the call targeted, the protocol operation attempted, a
// failure kind, and the underlying cause.
type Error struct {
	ServerID string
	Op       string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.ServerID == "" && e.Op == "":
		return fmt.Sprintf("connmgr: %s: %v", e.Kind, e.Err)
	case e.Op == "":
		return fmt.Sprintf("connmgr: %s: %s: %v", e.ServerID, e.Kind, e.Err)
	default:
		return fmt.Sprintf("connmgr: %s: %s: %s: %v", e.ServerID, e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKindOf extracts the kind from err, or "" when err does not wrap a
// manager Error.
func ErrorKindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// IsTimeout reports whether err represents an elapsed call deadline.
func IsTimeout(err error) bool {
	return ErrorKindOf(err) == KindTimeout || errors.Is(err, context.DeadlineExceeded)
}

// IsNotConnected reports whether err was raised because no live session
// existed for the targeted server.
func IsNotConnected(err error) bool { return ErrorKindOf(err) == KindNotConnected }

// IsConnectionLost reports whether err was caused by a transport closing
// underneath a pending call.
func IsConnectionLost(err error) bool { return ErrorKindOf(err) == KindConnectionLost }

var errNoSession = errors.New("no live session")

func notConnectedError(serverID, op string) error {
	return &Error{ServerID: serverID, Op: op, Kind: KindNotConnected, Err: errNoSession}
}

func configError(serverID string, err error) error {
	return &Error{ServerID: serverID, Op: opInitialize, Kind: KindConfig, Err: err}
}

// closedTransportMarkers cover the error strings produced by the SDK's
// jsonrpc connection and the in-memory, stdio, and HTTP transports when the
// peer goes away mid-call.
var closedTransportMarkers = []string{
	"session closed",
	"connection closed",
	"transport closed",
	"client closed",
	"server closed",
	"broken pipe",
	"connection reset",
	"use of closed",
}

func looksLikeClosedTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range closedTransportMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isMethodUnavailable detects "method not found" style refusals so optional
// list operations can degrade to empty results instead of failing.
func isMethodUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"method not found",
		"not implemented",
		"unimplemented",
		"unsupported",
		"does not support",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
