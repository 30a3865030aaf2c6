package connmgr

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// configFile is the on-disk layout accepted by LoadConfigFile. It follows the
// conventional MCP client configuration shape: a map of server IDs where each
// entry is either a subprocess launch spec (command/args/env) or a network
// endpoint (url/headers).
type configFile struct {
	Servers map[string]configEntry `yaml:"servers"`
}

type configEntry struct {
	// Process shape.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// Network shape.
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	PreferSSE  *bool             `yaml:"prefer_sse"`
	SessionID  string            `yaml:"session_id"`
	MaxRetries int               `yaml:"max_retries"`

	// Shared overrides.
	Timeout string `yaml:"timeout"`
	Version string `yaml:"version"`
}

// LoadConfigFile reads a YAML server map from path. Entries that declare both
// or neither descriptor shape fail fast; no partial result is returned.
func LoadConfigFile(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("", fmt.Errorf("read %s: %w", path, err))
	}
	return ParseConfig(data)
}

// ParseConfig parses the YAML document accepted by LoadConfigFile.
func ParseConfig(data []byte) (map[string]ServerConfig, error) {
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, configError("", fmt.Errorf("parse config: %w", err))
	}
	out := make(map[string]ServerConfig, len(file.Servers))
	for id, entry := range file.Servers {
		cfg, err := entry.toServerConfig()
		if err != nil {
			return nil, configError(id, err)
		}
		out[id] = cfg
	}
	return out, nil
}

func (e configEntry) toServerConfig() (ServerConfig, error) {
	if e.Command != "" && e.URL != "" {
		return nil, fmt.Errorf("entry declares both command and url")
	}
	base, err := e.baseConfig()
	if err != nil {
		return nil, err
	}
	switch {
	case e.Command != "":
		return &StdioServerConfig{
			BaseServerConfig: base,
			Command:          e.Command,
			Args:             e.Args,
			Env:              e.Env,
		}, nil
	case e.URL != "":
		cfg := &HTTPServerConfig{
			BaseServerConfig: base,
			Endpoint:         e.URL,
			MaxRetries:       e.MaxRetries,
			SessionID:        e.SessionID,
			PreferSSE:        e.PreferSSE,
		}
		if len(e.Headers) > 0 {
			headers := make(http.Header, len(e.Headers))
			for k, v := range e.Headers {
				headers.Set(k, v)
			}
			cfg.RequestInit = &HTTPRequestInit{Headers: headers}
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("entry declares neither command nor url")
	}
}

func (e configEntry) baseConfig() (BaseServerConfig, error) {
	base := BaseServerConfig{Version: e.Version}
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return base, fmt.Errorf("invalid timeout %q: %w", e.Timeout, err)
		}
		base.Timeout = d
	}
	return base, nil
}
