package gateway

import (
	"maps"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaServerID   = "gateway.server_id"
	metaNativeName = "gateway.native_name"
	metaNativeURI  = "gateway.native_uri"
)

// target links one exposed identifier back to its upstream origin.
type target struct {
	Exposed  string
	ServerID string
	Native   string
}

// table indexes targets by exposed identifier, by owning server, and by
// native identifier. One table per feature kind; the catalog serializes
// access.
type table struct {
	byExposed map[string]target
	byServer  map[string][]string
	byNative  map[string]string
}

func newTable() *table {
	return &table{
		byExposed: make(map[string]target),
		byServer:  make(map[string][]string),
		byNative:  make(map[string]string),
	}
}

func nativeKey(serverID, native string) string {
	return serverID + "\x00" + native
}

// replace swaps a server's registrations for a fresh set and returns the
// exposed identifiers the swap retired.
func (t *table) replace(serverID string, entries []target) (removed []string) {
	for _, exposed := range t.byServer[serverID] {
		if tgt, ok := t.byExposed[exposed]; ok {
			delete(t.byNative, nativeKey(tgt.ServerID, tgt.Native))
		}
		delete(t.byExposed, exposed)
		removed = append(removed, exposed)
	}
	delete(t.byServer, serverID)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		t.byExposed[entry.Exposed] = entry
		t.byNative[nativeKey(entry.ServerID, entry.Native)] = entry.Exposed
		names = append(names, entry.Exposed)
	}
	if len(names) > 0 {
		t.byServer[serverID] = names
	}
	return removed
}

func (t *table) lookup(exposed string) (target, bool) {
	tgt, ok := t.byExposed[exposed]
	return tgt, ok
}

func (t *table) exposedFor(serverID, native string) (string, bool) {
	exposed, ok := t.byNative[nativeKey(serverID, native)]
	return exposed, ok
}

// catalog is the gateway's view of every feature exported by the upstream
// fleet, keyed by the identifiers downstream clients see.
type catalog struct {
	ns Namespace

	mu        sync.RWMutex
	tools     *table
	prompts   *table
	resources *table
	templates *table
}

func newCatalog(ns Namespace) *catalog {
	return &catalog{
		ns:        ns,
		tools:     newTable(),
		prompts:   newTable(),
		resources: newTable(),
		templates: newTable(),
	}
}

type toolEntry struct {
	Tool   *mcp.Tool
	Target target
}

type promptEntry struct {
	Prompt *mcp.Prompt
	Target target
}

type resourceEntry struct {
	Resource *mcp.Resource
	Target   target
}

type templateEntry struct {
	Template *mcp.ResourceTemplate
	Target   target
}

func (c *catalog) RebuildTools(serverID string, upstream []*mcp.Tool) (removed []string, added []toolEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := make([]target, 0, len(upstream))
	added = make([]toolEntry, 0, len(upstream))
	for _, tool := range upstream {
		if tool == nil || tool.Name == "" {
			continue
		}
		tgt := target{Exposed: c.ns.ToolName(serverID, tool.Name), ServerID: serverID, Native: tool.Name}
		clone := *tool
		clone.Name = tgt.Exposed
		clone.Meta = stampMeta(tool.Meta, serverID, metaNativeName, tool.Name)
		targets = append(targets, tgt)
		added = append(added, toolEntry{Tool: &clone, Target: tgt})
	}
	return c.tools.replace(serverID, targets), added
}

func (c *catalog) RebuildPrompts(serverID string, upstream []*mcp.Prompt) (removed []string, added []promptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := make([]target, 0, len(upstream))
	added = make([]promptEntry, 0, len(upstream))
	for _, prompt := range upstream {
		if prompt == nil || prompt.Name == "" {
			continue
		}
		tgt := target{Exposed: c.ns.PromptName(serverID, prompt.Name), ServerID: serverID, Native: prompt.Name}
		clone := *prompt
		clone.Name = tgt.Exposed
		clone.Meta = stampMeta(prompt.Meta, serverID, metaNativeName, prompt.Name)
		targets = append(targets, tgt)
		added = append(added, promptEntry{Prompt: &clone, Target: tgt})
	}
	return c.prompts.replace(serverID, targets), added
}

func (c *catalog) RebuildResources(serverID string, upstream []*mcp.Resource) (removed []string, added []resourceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := make([]target, 0, len(upstream))
	added = make([]resourceEntry, 0, len(upstream))
	for _, resource := range upstream {
		if resource == nil || resource.URI == "" {
			continue
		}
		tgt := target{Exposed: c.ns.ResourceURI(serverID, resource.URI), ServerID: serverID, Native: resource.URI}
		clone := *resource
		clone.URI = tgt.Exposed
		clone.Meta = stampMeta(resource.Meta, serverID, metaNativeURI, resource.URI)
		targets = append(targets, tgt)
		added = append(added, resourceEntry{Resource: &clone, Target: tgt})
	}
	return c.resources.replace(serverID, targets), added
}

func (c *catalog) RebuildTemplates(serverID string, upstream []*mcp.ResourceTemplate) (removed []string, added []templateEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := make([]target, 0, len(upstream))
	added = make([]templateEntry, 0, len(upstream))
	for _, tpl := range upstream {
		if tpl == nil || tpl.URITemplate == "" {
			continue
		}
		tgt := target{Exposed: c.ns.TemplateURI(serverID, tpl.URITemplate), ServerID: serverID, Native: tpl.URITemplate}
		clone := *tpl
		clone.URITemplate = tgt.Exposed
		clone.Meta = stampMeta(tpl.Meta, serverID, metaNativeURI, tpl.URITemplate)
		targets = append(targets, tgt)
		added = append(added, templateEntry{Template: &clone, Target: tgt})
	}
	return c.templates.replace(serverID, targets), added
}

func (c *catalog) ToolTarget(exposed string) (target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools.lookup(exposed)
}

func (c *catalog) PromptTarget(exposed string) (target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts.lookup(exposed)
}

func (c *catalog) ResourceTarget(exposed string) (target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources.lookup(exposed)
}

func (c *catalog) TemplateTarget(exposed string) (target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.templates.lookup(exposed)
}

// ExposedResourceURI maps a native upstream URI back to the URI downstream
// clients were given.
func (c *catalog) ExposedResourceURI(serverID, nativeURI string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources.exposedFor(serverID, nativeURI)
}

func stampMeta(base map[string]any, serverID, key, native string) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, 2)
	}
	out[metaServerID] = serverID
	out[key] = native
	return out
}
