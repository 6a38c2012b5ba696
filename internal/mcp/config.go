package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opentiny/next-sdk/internal/config"
)

// Config represents the mcp.json (or mcp.yaml) configuration file.
type Config struct {
	Servers map[string]ServerConfig `json:"servers" yaml:"servers"`
	// MCPServers accepts the "mcpServers" key used by other MCP hosts.
	MCPServers map[string]ServerConfig `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
}

// ServerConfig represents a configured MCP server.
// Supports stdio transport (Command/Args) and HTTP transports (URL).
type ServerConfig struct {
	// Type discriminator: "stdio", "sse", "streamable" ("http" and
	// "streamableHttp" are accepted aliases). Inferred when empty.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Stdio transport fields
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// HTTP transport fields
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Shared fields
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// TransportKind is the closed set of ways to reach an MCP server.
type TransportKind string

const (
	TransportStdio      TransportKind = "stdio"
	TransportSSE        TransportKind = "sse"
	TransportStreamable TransportKind = "streamable"
	TransportInMemory   TransportKind = "inmemory"
)

// TransportKind returns the effective transport for this server.
func (c *ServerConfig) TransportKind() (TransportKind, error) {
	switch strings.ToLower(c.Type) {
	case "":
		if c.URL != "" {
			return TransportStreamable, nil
		}
		return TransportStdio, nil
	case "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "streamable", "streamablehttp", "http":
		return TransportStreamable, nil
	}
	return "", fmt.Errorf("unknown transport type %q", c.Type)
}

// Validate checks that the server configuration is valid.
func (c *ServerConfig) Validate() error {
	kind, err := c.TransportKind()
	if err != nil {
		return err
	}
	if kind == TransportStdio {
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
		if c.URL != "" {
			return fmt.Errorf("cannot specify both url and command")
		}
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("%s transport requires url", kind)
	}
	if c.Command != "" {
		return fmt.Errorf("cannot specify both url and command")
	}
	return nil
}

// DefaultConfigPath returns the mcp config path in the config directory,
// preferring mcp.json and falling back to an existing mcp.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	jsonPath := filepath.Join(dir, "mcp.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	for _, name := range []string{"mcp.yaml", "mcp.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return jsonPath, nil
}

// LoadConfig loads the MCP configuration from the default path.
func LoadConfig() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfigFromPath(path)
}

// LoadConfigFromPath loads the MCP configuration from a specific path.
// JSON files may contain comments and trailing commas. A missing file yields
// an empty configuration.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Servers: make(map[string]ServerConfig)}, nil
		}
		return nil, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	for name, server := range cfg.MCPServers {
		if _, ok := cfg.Servers[name]; !ok {
			cfg.Servers[name] = server
		}
	}
	cfg.MCPServers = nil

	for name, server := range cfg.Servers {
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
	}
	return &cfg, nil
}

// SaveToPath saves the configuration as indented JSON.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ServerNames returns a sorted list of configured server names.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddServer adds or updates a server configuration.
func (c *Config) AddServer(name string, cfg ServerConfig) {
	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}
	c.Servers[name] = cfg
}

// RemoveServer removes a server configuration.
func (c *Config) RemoveServer(name string) bool {
	if _, ok := c.Servers[name]; ok {
		delete(c.Servers, name)
		return true
	}
	return false
}
