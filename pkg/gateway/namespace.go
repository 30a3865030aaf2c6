package gateway

import (
	"net/url"
	"strings"
)

// Namespace maps upstream identifiers onto the names and URIs the gateway
// exposes downstream. Implementations must be deterministic, collision-free
// per (serverID, identifier) pair, and able to invert their URI mapping.
type Namespace interface {
	ToolName(serverID, name string) string
	PromptName(serverID, name string) string
	ResourceURI(serverID, uri string) string
	TemplateURI(serverID, uriTemplate string) string
	NativeResourceURI(serverID, exposed string) (string, bool)
	NativeTemplateURI(serverID, exposed string) (string, bool)
}

// PrefixNamespace prefixes tool and prompt names with the originating server
// ID and rewrites resource URIs under a gateway pseudo-scheme. The default
// separator "__" stays within the protocol's tool-name character guidance.
type PrefixNamespace struct {
	Separator string
}

func (p PrefixNamespace) sep() string {
	if p.Separator == "" {
		return "__"
	}
	return p.Separator
}

func (p PrefixNamespace) ToolName(serverID, name string) string {
	return serverID + p.sep() + name
}

func (p PrefixNamespace) PromptName(serverID, name string) string {
	return serverID + p.sep() + name
}

func (p PrefixNamespace) ResourceURI(serverID, uri string) string {
	return p.qualify("resources", serverID, uri)
}

func (p PrefixNamespace) TemplateURI(serverID, uriTemplate string) string {
	return p.qualify("templates", serverID, uriTemplate)
}

func (p PrefixNamespace) NativeResourceURI(serverID, exposed string) (string, bool) {
	return p.resolve("resources", serverID, exposed)
}

func (p PrefixNamespace) NativeTemplateURI(serverID, exposed string) (string, bool) {
	return p.resolve("templates", serverID, exposed)
}

func (p PrefixNamespace) qualify(category, serverID, raw string) string {
	return "gw+" + category + "://" + url.PathEscape(serverID) + "/" + raw
}

func (p PrefixNamespace) resolve(category, serverID, exposed string) (string, bool) {
	prefix := "gw+" + category + "://" + url.PathEscape(serverID) + "/"
	if !strings.HasPrefix(exposed, prefix) {
		return "", false
	}
	return strings.TrimPrefix(exposed, prefix), true
}
